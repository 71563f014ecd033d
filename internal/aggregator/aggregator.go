// Package aggregator buffers decoded readings shared by all workers and
// flushes them in batches.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/metrics"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// ErrRejected marks a persist error caused by the readings themselves rather
// than by the store being unavailable. Retrying the same readings cannot succeed.
var ErrRejected = errors.New("batch rejected by store")

// Persister writes a batch and reconciles meter and device state. Errors
// caused by the content of the batch wrap ErrRejected.
type Persister interface {
	PersistBatch(ctx context.Context, batch []telemetry.BufferedReading) error
}

// FlushListener is notified after a batch was persisted. Listener failures
// must not affect the flush.
type FlushListener interface {
	OnFlush(ctx context.Context, batch []telemetry.BufferedReading)
}

// Config holds the flush triggers
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Aggregator owns the pending batch. Appends and the flush swap happen under
// one lock so a flush never sees a batch that is still being appended to.
type Aggregator struct {
	mu       sync.Mutex
	pending  []telemetry.BufferedReading
	inflight []telemetry.BufferedReading
	seq      uint64
	timer    *time.Timer

	flushMu sync.Mutex
	flushCh chan struct{}

	persister Persister
	listeners []FlushListener
	cfg       Config
	logger    *zap.Logger
}

// New creates an aggregator
func New(persister Persister, cfg Config, logger *zap.Logger, listeners ...FlushListener) *Aggregator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Aggregator{
		flushCh:   make(chan struct{}, 1),
		persister: persister,
		listeners: listeners,
		cfg:       cfg,
		logger:    logger,
	}
}

// Add appends r to the pending batch and returns its arrival sequence.
// The first unflushed reading arms the idle timer; reaching the batch size
// requests an immediate flush.
func (a *Aggregator) Add(r telemetry.BufferedReading) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	r.Sequence = a.seq
	a.pending = append(a.pending, r)
	metrics.SetPending(len(a.pending))

	if a.timer == nil {
		a.armLocked()
	}
	if len(a.pending) >= a.cfg.BatchSize {
		a.signal()
	}
	return r.Sequence
}

// Pending returns the number of buffered readings
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run services flush requests until ctx is done, then flushes what is left
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.Flush(stopCtx); err != nil {
				a.logger.Error("final flush failed, readings lost",
					zap.Error(err),
					zap.Int("pending", a.Pending()),
				)
			}
			cancel()
			return
		case <-a.flushCh:
			_ = a.Flush(ctx)
		}
	}
}

// Flush persists the pending batch. Readings the store rejects are dropped;
// on any other failure the unwritten readings are put back at the head of the
// pending readings and the idle timer is re-armed. Listeners see only what
// was written.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.inflight = batch
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	persisted, remaining, err := a.persist(ctx, batch)
	metrics.ObserveFlush(time.Since(start), len(persisted), err)

	a.mu.Lock()
	a.inflight = nil
	if err != nil {
		restored := make([]telemetry.BufferedReading, 0, len(remaining)+len(a.pending))
		restored = append(restored, remaining...)
		restored = append(restored, a.pending...)
		a.pending = restored
		if a.timer == nil {
			a.armLocked()
		}
	}
	pending := len(a.pending)
	metrics.SetPending(pending)
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("batch flush failed, readings kept for retry",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
			zap.Int("persisted", len(persisted)),
			zap.Int("pending", pending),
		)
	} else {
		a.logger.Debug("batch flushed",
			zap.Int("batch_size", len(batch)),
			zap.Int("persisted", len(persisted)),
			zap.Duration("duration", time.Since(start)),
		)
	}

	if len(persisted) > 0 {
		for _, l := range a.listeners {
			l.OnFlush(ctx, persisted)
		}
	}
	return err
}

// persist writes batch. When the store rejects the content, the batch is
// split in halves until the offending readings are isolated and dropped.
// It returns what was written and, on a non-rejection error, what is left.
func (a *Aggregator) persist(ctx context.Context, batch []telemetry.BufferedReading) (persisted, remaining []telemetry.BufferedReading, err error) {
	err = a.persister.PersistBatch(ctx, batch)
	if err == nil {
		return batch, nil, nil
	}
	if !errors.Is(err, ErrRejected) {
		return nil, batch, err
	}
	if len(batch) == 1 {
		r := batch[0]
		metrics.ReadingDropped()
		a.logger.Error("reading rejected by store, dropped",
			zap.Error(err),
			zap.String("job_id", r.JobID),
			zap.String("tenant_id", r.TenantID),
			zap.String("meter_id", r.MeterID),
		)
		return nil, nil, nil
	}

	mid := len(batch) / 2
	left, leftRemaining, err := a.persist(ctx, batch[:mid])
	if err != nil {
		rest := make([]telemetry.BufferedReading, 0, len(leftRemaining)+len(batch)-mid)
		rest = append(rest, leftRemaining...)
		rest = append(rest, batch[mid:]...)
		return left, rest, err
	}
	right, rightRemaining, err := a.persist(ctx, batch[mid:])
	written := make([]telemetry.BufferedReading, 0, len(left)+len(right))
	written = append(written, left...)
	written = append(written, right...)
	return written, rightRemaining, err
}

// Baseline returns the index consumption is measured from for a reading of
// meterID taken at ts. A buffered reading of the same meter that is newer
// than the stored state and not newer than ts takes precedence.
func (a *Aggregator) Baseline(meterID string, ts time.Time, stored telemetry.MeterBaseline) float64 {
	base := stored.InitialIndex
	var baseTime *time.Time
	if stored.LastReadingValue != nil {
		base = *stored.LastReadingValue
		baseTime = stored.LastReadingTime
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var best *telemetry.BufferedReading
	for _, set := range [][]telemetry.BufferedReading{a.inflight, a.pending} {
		for i := range set {
			r := &set[i]
			if r.MeterID != meterID || r.Time.After(ts) {
				continue
			}
			if baseTime != nil && !r.Time.After(*baseTime) {
				continue
			}
			if best == nil || newer(r.Time, r.Sequence, best.Time, best.Sequence) {
				best = r
			}
		}
	}
	if best != nil {
		return best.Decoded.Value
	}
	return base
}

// Consumption is the non-negative delta between value and baseline
func Consumption(value, baseline float64) float64 {
	if d := value - baseline; d > 0 {
		return d
	}
	return 0
}

func (a *Aggregator) armLocked() {
	a.timer = time.AfterFunc(a.cfg.FlushInterval, a.signal)
}

func (a *Aggregator) signal() {
	select {
	case a.flushCh <- struct{}{}:
	default:
	}
}
