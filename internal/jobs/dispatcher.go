package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// Enqueuer durably stores a job for asynchronous processing
type Enqueuer interface {
	Enqueue(ctx context.Context, job IngestJob) error
}

// Dispatcher turns resolved canonical requests into queued jobs
type Dispatcher struct {
	queue Enqueuer
	now   func() time.Time
}

// NewDispatcher creates a dispatcher writing to queue
func NewDispatcher(queue Enqueuer) *Dispatcher {
	return &Dispatcher{queue: queue, now: time.Now}
}

// Dispatch builds and enqueues the job for req. dev must be linked to a meter.
func (d *Dispatcher) Dispatch(ctx context.Context, req telemetry.CanonicalReadingRequest, dev telemetry.DeviceContext) (IngestJob, error) {
	if !dev.Linked() {
		return IngestJob{}, fmt.Errorf("device %s has no meter", dev.DeviceID)
	}

	now := d.now().UTC()
	ts := now
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}

	job := IngestJob{
		ID:               uuid.NewString(),
		TenantID:         dev.TenantID,
		MeterID:          dev.MeterID,
		DeviceID:         dev.DeviceID,
		ExternalDeviceID: telemetry.NormalizeDeviceID(req.DeviceID),
		ProfileID:        dev.ProfileID,
		Technology:       req.Technology,
		Payload:          req.Payload,
		Timestamp:        ts,
		ReceivedAt:       now,
		Metadata:         req.Metadata,
		Priority:         PriorityFor(ts, now),
	}

	if err := d.queue.Enqueue(ctx, job); err != nil {
		return IngestJob{}, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}
