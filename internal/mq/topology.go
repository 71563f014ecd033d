package mq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/septivank/water-telemetry-worker/internal/jobs"
)

const (
	// AttemptHeader carries the 1-based attempt number of a job message
	AttemptHeader = "x-attempt"
	// ErrorHeader carries the last failure of a dead-lettered job
	ErrorHeader = "x-error"

	maxPriority = 3
)

// Topology names the exchanges and queues of the job pipeline
type Topology struct {
	JobExchange      string
	JobQueue         string
	JobRoutingKey    string
	RetryQueuePrefix string
	DeadQueue        string
	RealtimeExchange string
}

// DefaultTopology returns the standard names
func DefaultTopology() Topology {
	return Topology{
		JobExchange:      "water-telemetry.jobs.exchange",
		JobQueue:         "water-telemetry.jobs.ingest",
		JobRoutingKey:    "job.ingest",
		RetryQueuePrefix: "water-telemetry.jobs.retry",
		DeadQueue:        "water-telemetry.jobs.dead",
		RealtimeExchange: "water-telemetry.realtime.exchange",
	}
}

// RetryQueue names the parking queue holding jobs for delay
func (t Topology) RetryQueue(delay time.Duration) string {
	return fmt.Sprintf("%s.%dms", t.RetryQueuePrefix, delay.Milliseconds())
}

// TenantRoutingKey is the realtime routing key of a tenant
func TenantRoutingKey(tenantID string) string {
	return "tenant." + tenantID + ".readings"
}

// AllTenantsBindingKey matches every tenant's realtime events
const AllTenantsBindingKey = "tenant.*.readings"

// Declare creates the exchanges and queues. Retry queues hold messages for
// their TTL and then dead-letter them back to the job exchange.
func (t Topology) Declare(ch *amqp.Channel, delays []time.Duration) error {
	if err := ch.ExchangeDeclare(
		t.JobExchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare job exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		t.JobQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(maxPriority)},
	); err != nil {
		return fmt.Errorf("failed to declare job queue: %w", err)
	}

	if err := ch.QueueBind(t.JobQueue, t.JobRoutingKey, t.JobExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind job queue: %w", err)
	}

	for _, d := range delays {
		if _, err := ch.QueueDeclare(
			t.RetryQueue(d),
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-message-ttl":             int32(d.Milliseconds()),
				"x-dead-letter-exchange":    t.JobExchange,
				"x-dead-letter-routing-key": t.JobRoutingKey,
			},
		); err != nil {
			return fmt.Errorf("failed to declare retry queue %s: %w", t.RetryQueue(d), err)
		}
	}

	if _, err := ch.QueueDeclare(t.DeadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead queue: %w", err)
	}

	if err := ch.ExchangeDeclare(t.RealtimeExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare realtime exchange: %w", err)
	}

	return nil
}

// amqpPriority maps job priority (1 highest) to AMQP priority (higher first)
func amqpPriority(p jobs.Priority) uint8 {
	switch p {
	case jobs.PriorityHigh:
		return 3
	case jobs.PriorityMedium:
		return 2
	default:
		return 1
	}
}

// attemptOf reads the attempt header, defaulting to the first attempt
func attemptOf(headers amqp.Table) int {
	switch v := headers[AttemptHeader].(type) {
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	case int:
		return max(v, 1)
	default:
		return 1
	}
}
