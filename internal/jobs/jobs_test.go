package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

func TestPriorityFor(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		age  time.Duration
		want Priority
	}{
		{"just arrived", 0, PriorityHigh},
		{"exactly five seconds", 5 * time.Second, PriorityHigh},
		{"six seconds", 6 * time.Second, PriorityMedium},
		{"exactly a minute", 60 * time.Second, PriorityMedium},
		{"stale", 61 * time.Second, PriorityLow},
		{"future", -time.Minute, PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityFor(now.Add(-tt.age), now))
		})
	}
}

func TestRetryPolicy_Next(t *testing.T) {
	p := DefaultRetryPolicy()
	boom := errors.New("db unavailable")

	s := p.Next(1, nil)
	assert.Equal(t, StatusSucceeded, s.Status)

	s = p.Next(1, boom)
	assert.Equal(t, StatusRetrying, s.Status)
	assert.Equal(t, time.Second, s.Delay)

	s = p.Next(2, boom)
	assert.Equal(t, StatusRetrying, s.Status)
	assert.Equal(t, 2*time.Second, s.Delay)

	s = p.Next(3, boom)
	assert.Equal(t, StatusDead, s.Status)
	assert.ErrorIs(t, s.Err, boom)

	s = p.Next(1, Permanent(boom))
	assert.Equal(t, StatusDead, s.Status, "permanent failures skip the retry budget")
	assert.ErrorIs(t, s.Err, boom)
}

func TestRetryPolicy_RetryDelays(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, p.RetryDelays())
}

type recordingQueue struct {
	jobs []IngestJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job IngestJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func TestDispatch(t *testing.T) {
	q := &recordingQueue{}
	d := NewDispatcher(q)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ts := now.Add(-2 * time.Minute)
	req := telemetry.CanonicalReadingRequest{DeviceID: "AABB", Technology: telemetry.LoRaWAN, Payload: "000003e8", Timestamp: &ts}
	dev := telemetry.DeviceContext{DeviceID: "d1", TenantID: "t1", MeterID: "m1", ProfileID: "p1"}

	job, err := d.Dispatch(context.Background(), req, dev)
	require.NoError(t, err)
	require.Len(t, q.jobs, 1)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "m1", job.MeterID)
	assert.Equal(t, "aabb", job.ExternalDeviceID)
	assert.Equal(t, PriorityLow, job.Priority)
	assert.True(t, job.Timestamp.Equal(ts))
	assert.True(t, job.ReceivedAt.Equal(now))
}

func TestDispatch_DefaultsTimestampToNow(t *testing.T) {
	q := &recordingQueue{}
	d := NewDispatcher(q)

	job, err := d.Dispatch(context.Background(),
		telemetry.CanonicalReadingRequest{DeviceID: "x", Technology: telemetry.Sigfox, Payload: "01"},
		telemetry.DeviceContext{DeviceID: "d", TenantID: "t", MeterID: "m"})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, job.Priority)
	assert.Equal(t, job.ReceivedAt, job.Timestamp)
}

func TestDispatch_RefusesUnlinkedDevice(t *testing.T) {
	q := &recordingQueue{}
	_, err := NewDispatcher(q).Dispatch(context.Background(),
		telemetry.CanonicalReadingRequest{DeviceID: "x", Technology: telemetry.Sigfox, Payload: "01"},
		telemetry.DeviceContext{DeviceID: "d", TenantID: "t"})
	assert.Error(t, err)
	assert.Empty(t, q.jobs)
}

func TestDispatch_QueueError(t *testing.T) {
	boom := errors.New("broker closed")
	_, err := NewDispatcher(&recordingQueue{err: boom}).Dispatch(context.Background(),
		telemetry.CanonicalReadingRequest{DeviceID: "x", Technology: telemetry.Sigfox, Payload: "01"},
		telemetry.DeviceContext{DeviceID: "d", TenantID: "t", MeterID: "m"})
	assert.ErrorIs(t, err, boom)
}
