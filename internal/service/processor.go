package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/aggregator"
	"github.com/septivank/water-telemetry-worker/internal/decoder"
	"github.com/septivank/water-telemetry-worker/internal/jobs"
	"github.com/septivank/water-telemetry-worker/internal/logging"
	"github.com/septivank/water-telemetry-worker/internal/repository"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// BaselineStore reads a meter's stored consumption baseline
type BaselineStore interface {
	MeterBaseline(ctx context.Context, meterID string) (telemetry.MeterBaseline, error)
}

// PayloadDecoder decodes a job's payload
type PayloadDecoder interface {
	Decode(ctx context.Context, in decoder.Input) (telemetry.DecodedReading, decoder.Outcome, error)
}

// ReadingBuffer is the shared batch readings are added to
type ReadingBuffer interface {
	Add(r telemetry.BufferedReading) uint64
	Baseline(meterID string, ts time.Time, stored telemetry.MeterBaseline) float64
}

// ProcessorService handles one job attempt: decode, compute consumption and
// buffer the reading for the next flush
type ProcessorService struct {
	baselines BaselineStore
	decoder   PayloadDecoder
	buffer    ReadingBuffer
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	baselines BaselineStore,
	decoder PayloadDecoder,
	buffer ReadingBuffer,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		baselines: baselines,
		decoder:   decoder,
		buffer:    buffer,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessJob processes one attempt of job. Returned errors are retried
// unless marked permanent.
func (s *ProcessorService) ProcessJob(ctx context.Context, job jobs.IngestJob, attempt int) error {
	jobLogger := logging.WithJob(s.logger, job.ID, job.TenantID, job.DeviceID)
	jobLogger.Debug("processing job", zap.Int("attempt", attempt), zap.String("meter_id", job.MeterID))

	if err := checkIDs(job); err != nil {
		return jobs.Permanent(err)
	}

	stored, err := s.baselines.MeterBaseline(ctx, job.MeterID)
	if errors.Is(err, repository.ErrMeterNotFound) {
		return jobs.Permanent(fmt.Errorf("meter %s: %w", job.MeterID, err))
	}
	if err != nil {
		return err
	}

	decoded, outcome, err := s.decoder.Decode(ctx, decoder.Input{
		ProfileID: job.ProfileID,
		Payload:   job.Payload,
		Metadata:  job.Metadata,
	})
	if err != nil {
		return err
	}
	if decoded.SignalStrength == nil && job.Metadata != nil {
		decoded.SignalStrength = job.Metadata.SignalStrength
	}

	baseline := s.buffer.Baseline(job.MeterID, job.Timestamp, stored)
	consumption := aggregator.Consumption(decoded.Value, baseline)

	seq := s.buffer.Add(telemetry.BufferedReading{
		JobID:            job.ID,
		TenantID:         job.TenantID,
		MeterID:          job.MeterID,
		DeviceID:         job.DeviceID,
		ExternalDeviceID: job.ExternalDeviceID,
		ProfileID:        job.ProfileID,
		Technology:       job.Technology,
		Time:             job.Timestamp,
		ReceivedAt:       job.ReceivedAt,
		ProcessedAt:      s.now().UTC(),
		Decoded:          decoded,
		Consumption:      consumption,
	})

	jobLogger.Info("reading buffered",
		zap.String("decoder", string(outcome)),
		zap.Float64("value", decoded.Value),
		zap.Float64("consumption", consumption),
		zap.Uint64("sequence", seq),
	)
	return nil
}

func checkIDs(job jobs.IngestJob) error {
	for name, id := range map[string]string{
		"tenant": job.TenantID,
		"meter":  job.MeterID,
		"device": job.DeviceID,
	} {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("job %s has invalid %s id %q", job.ID, name, id)
		}
	}
	if job.Timestamp.IsZero() {
		return fmt.Errorf("job %s has no timestamp", job.ID)
	}
	return nil
}
