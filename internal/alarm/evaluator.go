package alarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/db"
	"github.com/septivank/water-telemetry-worker/internal/metrics"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

const (
	TypeLowBattery = "LOW_BATTERY"
	TypeNoSignal   = "NO_SIGNAL"
)

// Thresholds configures the threshold rules
type Thresholds struct {
	BatteryWarning  float64
	BatteryCritical float64
	MinSignal       float64
}

// DefaultThresholds returns battery 20%/10% and -110 dBm
func DefaultThresholds() Thresholds {
	return Thresholds{BatteryWarning: 20, BatteryCritical: 10, MinSignal: -110}
}

// Store persists raised alarms
type Store interface {
	CreateAlarms(ctx context.Context, alarms []db.Alarm) error
}

// Evaluator raises alarms for flushed readings
type Evaluator struct {
	store      Store
	thresholds Thresholds
	logger     *zap.Logger
}

// NewEvaluator creates a new alarm evaluator
func NewEvaluator(store Store, thresholds Thresholds, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:      store,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Evaluate applies every rule to r. Rules are independent, so one reading
// may raise several alarms.
func (e *Evaluator) Evaluate(r telemetry.BufferedReading) []db.Alarm {
	var alarms []db.Alarm

	if b := r.Decoded.BatteryLevel; b != nil {
		switch {
		case *b < e.thresholds.BatteryCritical:
			alarms = append(alarms, e.build(r, TypeLowBattery, 4,
				fmt.Sprintf("Battery critically low: %.0f%%", *b), b))
		case *b < e.thresholds.BatteryWarning:
			alarms = append(alarms, e.build(r, TypeLowBattery, 3,
				fmt.Sprintf("Battery low: %.0f%%", *b), b))
		}
	}

	if s := r.Decoded.SignalStrength; s != nil && *s < e.thresholds.MinSignal {
		alarms = append(alarms, e.build(r, TypeNoSignal, 2,
			fmt.Sprintf("Signal too weak: %.0f dBm", *s), s))
	}

	for _, code := range r.Decoded.Alarms {
		t := TypeFromCode(code)
		if t == "" {
			continue
		}
		alarms = append(alarms, e.build(r, t, 3,
			fmt.Sprintf("Device reported alarm: %s", code), nil))
	}

	return alarms
}

// OnFlush evaluates a persisted batch and stores the resulting alarms.
// Failures are logged only.
func (e *Evaluator) OnFlush(ctx context.Context, batch []telemetry.BufferedReading) {
	var alarms []db.Alarm
	for _, r := range batch {
		alarms = append(alarms, e.Evaluate(r)...)
	}
	if len(alarms) == 0 {
		return
	}

	if err := e.store.CreateAlarms(ctx, alarms); err != nil {
		e.logger.Error("failed to create alarms", zap.Error(err), zap.Int("count", len(alarms)))
		return
	}
	for _, a := range alarms {
		metrics.AlarmRaised(a.Type)
	}
	e.logger.Info("alarms raised", zap.Int("count", len(alarms)))
}

// TypeFromCode turns a device alarm code into an alarm type
func TypeFromCode(code string) string {
	code = strings.TrimSpace(code)
	var b strings.Builder
	for _, c := range strings.ToUpper(code) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (e *Evaluator) build(r telemetry.BufferedReading, alarmType string, severity int, message string, value *float64) db.Alarm {
	a := db.Alarm{
		// one id per job, type and severity so redelivered jobs do not duplicate rows
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d", r.JobID, alarmType, severity))),
		TenantID:    parseID(r.TenantID),
		MeterID:     parseID(r.MeterID),
		Type:        alarmType,
		Severity:    severity,
		Message:     message,
		Status:      db.AlarmActive,
		Value:       value,
		TriggeredAt: r.Time,
		CreatedAt:   time.Now().UTC(),
	}
	if id, err := uuid.Parse(r.DeviceID); err == nil {
		a.DeviceID = &id
	}
	return a
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
