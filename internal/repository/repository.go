package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/septivank/water-telemetry-worker/internal/aggregator"
	"github.com/septivank/water-telemetry-worker/internal/db"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// ErrMeterNotFound is returned when a job references a meter that no longer exists
var ErrMeterNotFound = errors.New("meter not found")

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// FindDevice looks up an operational device by the identifying field of its
// technology and joins the meter that currently uses it
func (r *Repository) FindDevice(ctx context.Context, tech telemetry.Technology, field, externalID string) (telemetry.DeviceContext, bool, error) {
	query := `
		SELECT d.id::text, d.tenant_id::text, COALESCE(m.id::text, ''), COALESCE(d.device_profile_id::text, '')
		FROM devices d
		JOIN device_profiles p ON p.id = d.device_profile_id
		LEFT JOIN meters m ON m.active_device_id = d.id
		WHERE p.technology = $1
		  AND lower(d.dynamic_fields->>$2) = lower($3)
		  AND d.status IN ('DEPLOYED', 'MAINTENANCE')
		ORDER BY d.updated_at DESC
		LIMIT 1
	`

	var dev telemetry.DeviceContext
	err := r.pool.QueryRow(ctx, query, string(tech), field, externalID).Scan(
		&dev.DeviceID,
		&dev.TenantID,
		&dev.MeterID,
		&dev.ProfileID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return telemetry.DeviceContext{}, false, nil
	}
	if err != nil {
		return telemetry.DeviceContext{}, false, fmt.Errorf("failed to query device: %w", err)
	}
	return dev, true, nil
}

// MeterBaseline reads the stored state consumption is computed from
func (r *Repository) MeterBaseline(ctx context.Context, meterID string) (telemetry.MeterBaseline, error) {
	query := `
		SELECT COALESCE(initial_index, 0)::float8, last_reading_value::float8, last_reading_time
		FROM meters
		WHERE id = $1
	`

	var b telemetry.MeterBaseline
	err := r.pool.QueryRow(ctx, query, meterID).Scan(&b.InitialIndex, &b.LastReadingValue, &b.LastReadingTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return telemetry.MeterBaseline{}, ErrMeterNotFound
	}
	if err != nil {
		return telemetry.MeterBaseline{}, fmt.Errorf("failed to query meter baseline: %w", err)
	}
	return b, nil
}

// DecoderSource returns the decode routine of a device profile. An empty
// source means the profile has none.
func (r *Repository) DecoderSource(ctx context.Context, profileID string) (string, bool, error) {
	query := `
		SELECT COALESCE(decoder_function, '')
		FROM device_profiles
		WHERE id = $1
	`

	var src string
	err := r.pool.QueryRow(ctx, query, profileID).Scan(&src)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query decoder: %w", err)
	}
	return src, true, nil
}

var readingColumns = []string{
	"id", "time", "tenant_id", "meter_id", "device_id",
	"value", "consumption", "unit",
	"signal_strength", "battery_level", "temperature",
	"technology", "source_device_id", "decoder_profile_id",
	"raw_data", "received_at", "processed_at",
}

const updateMeterQuery = `
	UPDATE meters
	SET last_reading_value = $2, last_reading_time = $3, updated_at = now()
	WHERE id = $1 AND (last_reading_time IS NULL OR last_reading_time <= $3)
`

const updateDeviceQuery = `
	UPDATE devices
	SET last_signal_strength = COALESCE($2, last_signal_strength),
	    last_battery_level = COALESCE($3, last_battery_level),
	    last_communication_at = $4
	WHERE id = $1 AND (last_communication_at IS NULL OR last_communication_at <= $4)
`

// PersistBatch copies the readings and applies the newest meter and device
// state in one transaction. Stored state is only replaced by newer readings.
func (r *Repository) PersistBatch(ctx context.Context, batch []telemetry.BufferedReading) error {
	readings, err := ToReadings(batch)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows := make([][]any, 0, len(readings))
	for _, rd := range readings {
		rows = append(rows, []any{
			rd.ID, rd.Time, rd.TenantID, rd.MeterID, rd.DeviceID,
			rd.Value, rd.Consumption, rd.Unit,
			rd.SignalStrength, rd.BatteryLevel, rd.Temperature,
			rd.Technology, rd.SourceDeviceID, rd.DecoderProfileID,
			rd.RawData, rd.ReceivedAt, rd.ProcessedAt,
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"readings"}, readingColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("failed to copy readings: %w", classifyPersistError(err))
	}

	b := &pgx.Batch{}
	for _, u := range aggregator.LatestMeterUpdates(batch) {
		b.Queue(updateMeterQuery, u.MeterID, u.Value, u.Time)
	}
	for _, u := range aggregator.LatestDeviceUpdates(batch) {
		b.Queue(updateDeviceQuery, u.DeviceID, u.SignalStrength, u.BatteryLevel, u.Time)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to update meter and device state: %w", classifyPersistError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classifyPersistError(err))
	}
	return nil
}

// classifyPersistError marks data exceptions (class 22) and integrity
// violations (class 23) as rejected so the batch is split instead of retried
func classifyPersistError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return fmt.Errorf("%w: %w", aggregator.ErrRejected, err)
		}
	}
	return err
}

// CreateAlarms inserts alarms, skipping ids that already exist
func (r *Repository) CreateAlarms(ctx context.Context, alarms []db.Alarm) error {
	query := `
		INSERT INTO alarms (
			id, tenant_id, meter_id, device_id, type, severity,
			message, status, value, triggered_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	b := &pgx.Batch{}
	for _, a := range alarms {
		b.Queue(query,
			a.ID, a.TenantID, a.MeterID, a.DeviceID, a.Type, a.Severity,
			a.Message, string(a.Status), a.Value, a.TriggeredAt, a.CreatedAt,
		)
	}
	if err := r.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to insert alarms: %w", err)
	}
	return nil
}

// ToReadings maps buffered readings to rows. Row ids derive from the job id
// so a reading keeps its id across flush attempts.
func ToReadings(batch []telemetry.BufferedReading) ([]db.Reading, error) {
	out := make([]db.Reading, 0, len(batch))
	for _, br := range batch {
		tenantID, err := uuid.Parse(br.TenantID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid tenant id %q: %w", aggregator.ErrRejected, br.TenantID, err)
		}
		meterID, err := uuid.Parse(br.MeterID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid meter id %q: %w", aggregator.ErrRejected, br.MeterID, err)
		}
		deviceID, err := uuid.Parse(br.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid device id %q: %w", aggregator.ErrRejected, br.DeviceID, err)
		}

		rd := db.Reading{
			ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte("reading/"+br.JobID)),
			Time:           br.Time,
			TenantID:       tenantID,
			MeterID:        meterID,
			DeviceID:       deviceID,
			Value:          br.Decoded.Value,
			Consumption:    br.Consumption,
			Unit:           telemetry.CleanText(br.Decoded.Unit),
			SignalStrength: br.Decoded.SignalStrength,
			BatteryLevel:   br.Decoded.BatteryLevel,
			Temperature:    br.Decoded.Temperature,
			Technology:     string(br.Technology),
			SourceDeviceID: telemetry.CleanText(br.ExternalDeviceID),
			RawData:        br.Decoded.Raw,
			ReceivedAt:     br.ReceivedAt,
			ProcessedAt:    br.ProcessedAt,
		}
		if profileID, err := uuid.Parse(br.ProfileID); err == nil {
			rd.DecoderProfileID = &profileID
		}
		out = append(out, rd)
	}
	return out, nil
}
