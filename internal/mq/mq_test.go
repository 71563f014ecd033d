package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/jobs"
)

type fakeAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}
func (f *fakeAck) Reject(uint64, bool) error { return nil }

type retryCall struct {
	attempt int
	delay   time.Duration
}

type fakeRouter struct {
	retries []retryCall
	dead    []error
	fail    error
}

func (f *fakeRouter) Retry(_ context.Context, _ amqp.Delivery, nextAttempt int, delay time.Duration) error {
	if f.fail != nil {
		return f.fail
	}
	f.retries = append(f.retries, retryCall{attempt: nextAttempt, delay: delay})
	return nil
}

func (f *fakeRouter) DeadLetter(_ context.Context, _ amqp.Delivery, _ int, cause error) error {
	if f.fail != nil {
		return f.fail
	}
	f.dead = append(f.dead, cause)
	return nil
}

func newTestConsumer(t *testing.T, router Router, handler JobHandler) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerConfig{
		Queue:   "jobs",
		Policy:  jobs.DefaultRetryPolicy(),
		Router:  router,
		Handler: handler,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

func delivery(t *testing.T, ack *fakeAck, attempt int) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(jobs.IngestJob{ID: "job-1", Payload: "00"})
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         body,
		Headers:      amqp.Table{AttemptHeader: int32(attempt)},
	}
}

func TestHandle_SuccessAcks(t *testing.T) {
	router := &fakeRouter{}
	var seen []int
	c := newTestConsumer(t, router, func(_ context.Context, job jobs.IngestJob, attempt int) error {
		assert.Equal(t, "job-1", job.ID)
		seen = append(seen, attempt)
		return nil
	})
	ack := &fakeAck{}

	c.handle(context.Background(), delivery(t, ack, 1))

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, []int{1}, seen)
	assert.Empty(t, router.retries)
	assert.Empty(t, router.dead)
}

func TestHandle_RetriesWithBackoffThenDead(t *testing.T) {
	router := &fakeRouter{}
	boom := errors.New("db unavailable")
	c := newTestConsumer(t, router, func(context.Context, jobs.IngestJob, int) error { return boom })

	for attempt := 1; attempt <= 3; attempt++ {
		ack := &fakeAck{}
		c.handle(context.Background(), delivery(t, ack, attempt))
		assert.Equal(t, 1, ack.acked)
	}

	assert.Equal(t, []retryCall{
		{attempt: 2, delay: time.Second},
		{attempt: 3, delay: 2 * time.Second},
	}, router.retries)
	require.Len(t, router.dead, 1)
	assert.ErrorIs(t, router.dead[0], boom)
}

func TestHandle_PermanentGoesStraightToDead(t *testing.T) {
	router := &fakeRouter{}
	c := newTestConsumer(t, router, func(context.Context, jobs.IngestJob, int) error {
		return jobs.Permanent(errors.New("bad job"))
	})
	ack := &fakeAck{}

	c.handle(context.Background(), delivery(t, ack, 1))

	assert.Empty(t, router.retries)
	assert.Len(t, router.dead, 1)
	assert.Equal(t, 1, ack.acked)
}

func TestHandle_MalformedBodyIsDead(t *testing.T) {
	router := &fakeRouter{}
	called := false
	c := newTestConsumer(t, router, func(context.Context, jobs.IngestJob, int) error {
		called = true
		return nil
	})
	ack := &fakeAck{}

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})

	assert.False(t, called)
	assert.Len(t, router.dead, 1)
	assert.Equal(t, 1, ack.acked)
}

func TestHandle_RouterFailureRequeues(t *testing.T) {
	router := &fakeRouter{fail: errors.New("channel closed")}
	c := newTestConsumer(t, router, func(context.Context, jobs.IngestJob, int) error {
		return errors.New("transient")
	})
	ack := &fakeAck{}

	c.handle(context.Background(), delivery(t, ack, 1))

	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestAttemptOf(t *testing.T) {
	assert.Equal(t, 1, attemptOf(nil))
	assert.Equal(t, 1, attemptOf(amqp.Table{AttemptHeader: "two"}))
	assert.Equal(t, 2, attemptOf(amqp.Table{AttemptHeader: int32(2)}))
	assert.Equal(t, 3, attemptOf(amqp.Table{AttemptHeader: int64(3)}))
	assert.Equal(t, 1, attemptOf(amqp.Table{AttemptHeader: int32(0)}))
}

func TestAmqpPriority(t *testing.T) {
	assert.Equal(t, uint8(3), amqpPriority(jobs.PriorityHigh))
	assert.Equal(t, uint8(2), amqpPriority(jobs.PriorityMedium))
	assert.Equal(t, uint8(1), amqpPriority(jobs.PriorityLow))
}

func TestTopologyNames(t *testing.T) {
	topo := DefaultTopology()
	assert.Equal(t, "water-telemetry.jobs.retry.2000ms", topo.RetryQueue(2*time.Second))
	assert.Equal(t, "tenant.t-1.readings", TenantRoutingKey("t-1"))
}

func TestConnection_LostOnlyOnBrokerClose(t *testing.T) {
	c := &Connection{lost: make(chan struct{})}
	c.closedBy(nil, zap.NewNop())
	assert.False(t, c.Healthy())
	select {
	case <-c.Lost():
		t.Fatal("graceful close must not report a lost connection")
	default:
	}

	c = &Connection{lost: make(chan struct{})}
	c.closedBy(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}, zap.NewNop())
	c.closedBy(&amqp.Error{Code: amqp.ConnectionForced, Reason: "again"}, zap.NewNop())
	select {
	case <-c.Lost():
	case <-time.After(time.Second):
		t.Fatal("expected lost connection to be reported")
	}
}
