package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/septivank/water-telemetry-worker/internal/jobs"
	"github.com/septivank/water-telemetry-worker/internal/logging"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
	"github.com/septivank/water-telemetry-worker/internal/validator"
)

// ErrTenantMismatch marks batch items whose device belongs to another tenant
var ErrTenantMismatch = errors.New("device belongs to another tenant")

// StatusQueued is reported for accepted readings
const StatusQueued = "queued"

// DeviceResolver maps an external device identity to its context
type DeviceResolver interface {
	Resolve(ctx context.Context, tech telemetry.Technology, externalID string) (telemetry.DeviceContext, error)
}

// JobDispatcher queues a job for a resolved reading
type JobDispatcher interface {
	Dispatch(ctx context.Context, req telemetry.CanonicalReadingRequest, dev telemetry.DeviceContext) (jobs.IngestJob, error)
}

// IngestResult is returned for an accepted reading
type IngestResult struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// BatchItemError explains why a batch item was skipped
type BatchItemError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult summarizes a batch ingest
type BatchResult struct {
	Queued  int              `json:"queued"`
	Skipped int              `json:"skipped"`
	JobIDs  []string         `json:"jobIds"`
	Errors  []BatchItemError `json:"errors,omitempty"`
}

// IngestService runs the synchronous part of ingestion: validation,
// resolution and dispatch
type IngestService struct {
	validator  *validator.Validator
	resolver   DeviceResolver
	dispatcher JobDispatcher
	chunkSize  int
	logger     *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(v *validator.Validator, resolver DeviceResolver, dispatcher JobDispatcher, chunkSize int, logger *zap.Logger) *IngestService {
	if chunkSize <= 0 {
		chunkSize = 50
	}
	return &IngestService{
		validator:  v,
		resolver:   resolver,
		dispatcher: dispatcher,
		chunkSize:  chunkSize,
		logger:     logger,
	}
}

// Ingest validates, resolves and queues a single reading
func (s *IngestService) Ingest(ctx context.Context, req telemetry.CanonicalReadingRequest) (IngestResult, error) {
	job, err := s.ingest(ctx, "", req)
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{JobID: job.ID, Status: StatusQueued}, nil
}

// IngestBatch queues readings of one tenant in fixed-size chunks. Failing
// items are skipped without affecting their siblings.
func (s *IngestService) IngestBatch(ctx context.Context, tenantID string, reqs []telemetry.CanonicalReadingRequest) (BatchResult, error) {
	jobIDs := make([]string, len(reqs))
	reasons := make([]string, len(reqs))

	for start := 0; start < len(reqs); start += s.chunkSize {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, err
		}
		end := min(start+s.chunkSize, len(reqs))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				job, err := s.ingest(ctx, tenantID, reqs[i])
				if err != nil {
					reasons[i] = err.Error()
					return nil
				}
				jobIDs[i] = job.ID
				return nil
			})
		}
		_ = g.Wait()
	}

	result := BatchResult{JobIDs: []string{}}
	for i := range reqs {
		if reasons[i] != "" {
			result.Skipped++
			result.Errors = append(result.Errors, BatchItemError{Index: i, Reason: reasons[i]})
			continue
		}
		result.Queued++
		result.JobIDs = append(result.JobIDs, jobIDs[i])
	}

	s.logger.Info("batch ingested",
		zap.String("tenant_id", tenantID),
		zap.Int("queued", result.Queued),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (s *IngestService) ingest(ctx context.Context, tenantID string, req telemetry.CanonicalReadingRequest) (jobs.IngestJob, error) {
	if err := s.validator.Validate(&req); err != nil {
		return jobs.IngestJob{}, err
	}

	reqLogger := logging.WithDevice(s.logger, string(req.Technology), req.DeviceID)

	dev, err := s.resolver.Resolve(ctx, req.Technology, req.DeviceID)
	if err != nil {
		reqLogger.Debug("reading rejected", zap.Error(err))
		return jobs.IngestJob{}, err
	}
	if tenantID != "" && dev.TenantID != tenantID {
		return jobs.IngestJob{}, fmt.Errorf("%w: %s", ErrTenantMismatch, req.DeviceID)
	}

	job, err := s.dispatcher.Dispatch(ctx, req, dev)
	if err != nil {
		reqLogger.Error("failed to queue reading", zap.Error(err))
		return jobs.IngestJob{}, err
	}

	reqLogger.Debug("reading queued",
		zap.String("job_id", job.ID),
		zap.Int("priority", int(job.Priority)),
	)
	return job, nil
}
