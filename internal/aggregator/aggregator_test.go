package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// memStore applies batches the way the database does: rows are appended and
// meter state only moves forward in time.
type memStore struct {
	mu     sync.Mutex
	rows   []telemetry.BufferedReading
	meters map[string]telemetry.MeterUpdate
	fail   int
	// rejected jobs make any batch containing them fail as bad data
	rejected map[string]bool
	// unavailable jobs make any batch containing them fail as an outage
	unavailable map[string]bool
	block       chan struct{}
	entered     chan struct{}
}

func newMemStore() *memStore {
	return &memStore{meters: map[string]telemetry.MeterUpdate{}}
}

func (m *memStore) PersistBatch(_ context.Context, batch []telemetry.BufferedReading) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("connection reset")
	}
	for _, r := range batch {
		if m.rejected[r.JobID] {
			return fmt.Errorf("failed to copy readings: %w: unsupported Unicode escape sequence", ErrRejected)
		}
	}
	for _, r := range batch {
		if m.unavailable[r.JobID] {
			return errors.New("connection reset")
		}
	}
	m.rows = append(m.rows, batch...)
	for _, u := range LatestMeterUpdates(batch) {
		if cur, ok := m.meters[u.MeterID]; ok && cur.Time.After(u.Time) {
			continue
		}
		m.meters[u.MeterID] = u
	}
	return nil
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type recordingListener struct {
	batches [][]telemetry.BufferedReading
}

func (l *recordingListener) OnFlush(_ context.Context, batch []telemetry.BufferedReading) {
	l.batches = append(l.batches, batch)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func reading(job, meter string, at time.Time, value float64) telemetry.BufferedReading {
	return telemetry.BufferedReading{
		JobID:    job,
		TenantID: "tenant-1",
		MeterID:  meter,
		DeviceID: "dev-" + meter,
		Time:     at,
		Decoded:  telemetry.DecodedReading{Value: value, Unit: telemetry.DefaultUnit},
	}
}

func newAggregator(store Persister, size int, interval time.Duration, listeners ...FlushListener) *Aggregator {
	return New(store, Config{BatchSize: size, FlushInterval: interval}, zap.NewNop(), listeners...)
}

func TestConsumption_NeverNegative(t *testing.T) {
	tests := []struct {
		value, baseline, want float64
	}{
		{12.5, 10, 2.5},
		{10, 10, 0},
		{8, 10, 0},
		{0, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Consumption(tt.value, tt.baseline))
	}
}

func TestAdd_SizeRequestsFlush(t *testing.T) {
	a := newAggregator(newMemStore(), 3, time.Hour)

	a.Add(reading("j1", "m1", t0, 1))
	a.Add(reading("j2", "m1", t0, 1))
	select {
	case <-a.flushCh:
		t.Fatal("flush requested before batch size was reached")
	default:
	}

	a.Add(reading("j3", "m1", t0, 1))
	select {
	case <-a.flushCh:
	default:
		t.Fatal("flush not requested at batch size")
	}
}

func TestRun_IdleIntervalFlushes(t *testing.T) {
	store := newMemStore()
	a := newAggregator(store, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	a.Add(reading("j1", "m1", t0, 1))
	require.Eventually(t, func() bool { return store.rowCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRun_FinalFlushOnStop(t *testing.T) {
	store := newMemStore()
	a := newAggregator(store, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	a.Add(reading("j1", "m1", t0, 1))
	cancel()
	<-done
	assert.Equal(t, 1, store.rowCount())
}

func TestFlush_FailureKeepsReadingsExactlyOnce(t *testing.T) {
	store := newMemStore()
	store.fail = 1
	listener := &recordingListener{}
	a := newAggregator(store, 100, time.Hour, listener)

	a.Add(reading("j1", "m1", t0, 1))
	a.Add(reading("j2", "m2", t0, 2))
	a.Add(reading("j3", "m3", t0, 3))

	require.Error(t, a.Flush(context.Background()))
	assert.Equal(t, 3, a.Pending())
	assert.Empty(t, listener.batches)

	a.Add(reading("j4", "m1", t0.Add(time.Minute), 4))
	require.NoError(t, a.Flush(context.Background()))

	assert.Zero(t, a.Pending())
	var ids []string
	for _, r := range store.rows {
		ids = append(ids, r.JobID)
	}
	assert.Equal(t, []string{"j1", "j2", "j3", "j4"}, ids)
	require.Len(t, listener.batches, 1)
	assert.Len(t, listener.batches[0], 4)
}

func jobIDs(rows []telemetry.BufferedReading) []string {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.JobID)
	}
	return ids
}

func TestFlush_DropsOnlyRejectedReadings(t *testing.T) {
	store := newMemStore()
	store.rejected = map[string]bool{"j3": true}
	listener := &recordingListener{}
	a := newAggregator(store, 100, time.Hour, listener)

	for i := 1; i <= 5; i++ {
		a.Add(reading(fmt.Sprintf("j%d", i), fmt.Sprintf("m%d", i), t0, float64(i)))
	}

	require.NoError(t, a.Flush(context.Background()))
	assert.Zero(t, a.Pending())
	assert.ElementsMatch(t, []string{"j1", "j2", "j4", "j5"}, jobIDs(store.rows))
	require.Len(t, listener.batches, 1)
	assert.ElementsMatch(t, []string{"j1", "j2", "j4", "j5"}, jobIDs(listener.batches[0]))

	// later flushes are not held up by the dropped reading
	a.Add(reading("j6", "m1", t0.Add(time.Minute), 6))
	require.NoError(t, a.Flush(context.Background()))
	assert.Contains(t, jobIDs(store.rows), "j6")
}

func TestFlush_RejectedAndUnavailableKeepsUnwritten(t *testing.T) {
	store := newMemStore()
	store.rejected = map[string]bool{"j1": true}
	store.unavailable = map[string]bool{"j2": true}
	listener := &recordingListener{}
	a := newAggregator(store, 100, time.Hour, listener)

	a.Add(reading("j1", "m1", t0, 1))
	a.Add(reading("j2", "m2", t0, 2))
	a.Add(reading("j3", "m3", t0, 3))

	require.Error(t, a.Flush(context.Background()))
	assert.Empty(t, store.rows)
	assert.Empty(t, listener.batches)
	assert.Equal(t, 2, a.Pending())

	store.unavailable = nil
	require.NoError(t, a.Flush(context.Background()))
	assert.Equal(t, []string{"j2", "j3"}, jobIDs(store.rows))
}

func TestFlush_OutOfOrderNewestWins(t *testing.T) {
	store := newMemStore()
	a := newAggregator(store, 100, time.Hour)
	t1, t2 := t0, t0.Add(10*time.Minute)

	a.Add(reading("late", "m1", t2, 20))
	a.Add(reading("early", "m1", t1, 10))
	require.NoError(t, a.Flush(context.Background()))

	assert.Equal(t, t2, store.meters["m1"].Time)
	assert.Equal(t, 20.0, store.meters["m1"].Value)
	assert.Equal(t, 2, store.rowCount())
}

func TestFlush_NewestWinsAcrossFlushes(t *testing.T) {
	store := newMemStore()
	a := newAggregator(store, 100, time.Hour)
	t1, t2 := t0, t0.Add(10*time.Minute)

	a.Add(reading("late", "m1", t2, 20))
	require.NoError(t, a.Flush(context.Background()))
	a.Add(reading("early", "m1", t1, 10))
	require.NoError(t, a.Flush(context.Background()))

	assert.Equal(t, t2, store.meters["m1"].Time)
}

func TestFlush_AppendsDuringFlushLandInNextBatch(t *testing.T) {
	store := newMemStore()
	store.block = make(chan struct{})
	store.entered = make(chan struct{}, 2)
	a := newAggregator(store, 100, time.Hour)

	a.Add(reading("j1", "m1", t0, 1))
	errCh := make(chan error, 1)
	go func() { errCh <- a.Flush(context.Background()) }()

	<-store.entered
	a.Add(reading("j2", "m1", t0.Add(time.Second), 2))
	assert.Equal(t, 1, a.Pending())
	close(store.block)
	require.NoError(t, <-errCh)

	assert.Equal(t, 1, store.rowCount())
	assert.Equal(t, 1, a.Pending())
}

func TestLatestMeterUpdates_TieBreaksByArrival(t *testing.T) {
	a := newAggregator(newMemStore(), 100, time.Hour)
	a.Add(reading("first", "m1", t0, 5))
	a.Add(reading("second", "m1", t0, 7))
	a.Add(reading("other", "m2", t0, 1))

	updates := LatestMeterUpdates(a.pending)
	require.Len(t, updates, 2)
	assert.Equal(t, "m1", updates[0].MeterID)
	assert.Equal(t, 7.0, updates[0].Value)
	assert.Equal(t, "m2", updates[1].MeterID)
}

func TestLatestDeviceUpdates(t *testing.T) {
	battery, signal := 55.0, -90.0
	newest := reading("b", "m1", t0.Add(time.Hour), 2)
	newest.Decoded.BatteryLevel = &battery
	newest.Decoded.SignalStrength = &signal

	batch := []telemetry.BufferedReading{newest, reading("a", "m1", t0, 1)}
	batch[0].Sequence, batch[1].Sequence = 1, 2

	updates := LatestDeviceUpdates(batch)
	require.Len(t, updates, 1)
	assert.Equal(t, "dev-m1", updates[0].DeviceID)
	assert.Equal(t, t0.Add(time.Hour), updates[0].Time)
	assert.Equal(t, &battery, updates[0].BatteryLevel)
	assert.Equal(t, &signal, updates[0].SignalStrength)
}

func TestBaseline(t *testing.T) {
	stored := 10.0
	storedAt := t0
	base := telemetry.MeterBaseline{InitialIndex: 3, LastReadingValue: &stored, LastReadingTime: &storedAt}

	a := newAggregator(newMemStore(), 100, time.Hour)
	assert.Equal(t, 3.0, a.Baseline("m1", t0, telemetry.MeterBaseline{InitialIndex: 3}))
	assert.Equal(t, 10.0, a.Baseline("m1", t0.Add(time.Hour), base))

	a.Add(reading("j1", "m1", t0.Add(10*time.Minute), 12))
	a.Add(reading("j2", "m1", t0.Add(20*time.Minute), 14))
	a.Add(reading("j3", "m2", t0.Add(15*time.Minute), 99))

	assert.Equal(t, 14.0, a.Baseline("m1", t0.Add(time.Hour), base))
	assert.Equal(t, 12.0, a.Baseline("m1", t0.Add(15*time.Minute), base))
	assert.Equal(t, 10.0, a.Baseline("m1", t0.Add(5*time.Minute), base))
}
