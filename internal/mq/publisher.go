package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/jobs"
)

// Publisher handles message publishing to RabbitMQ. Job publishes wait for
// the broker's confirmation so an accepted job is known to be durable.
type Publisher struct {
	channel  *amqp.Channel
	topology Topology
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher and declares the topology
func NewPublisher(conn *Connection, topology Topology, retryDelays []time.Duration, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := topology.Declare(ch, retryDelays); err != nil {
		ch.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Publisher{
		channel:  ch,
		topology: topology,
		logger:   logger,
	}, nil
}

// Enqueue durably queues a new job at its priority
func (p *Publisher) Enqueue(ctx context.Context, job jobs.IngestJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.publish(ctx, p.topology.JobExchange, p.topology.JobRoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(job.Priority),
		MessageId:    job.ID,
		Timestamp:    job.ReceivedAt,
		Headers:      amqp.Table{AttemptHeader: int32(1)},
	})
	if err != nil {
		return err
	}

	p.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.Int("priority", int(job.Priority)),
	)
	return nil
}

// Retry parks a failed job in the retry queue for delay
func (p *Publisher) Retry(ctx context.Context, msg amqp.Delivery, nextAttempt int, delay time.Duration) error {
	return p.publish(ctx, "", p.topology.RetryQueue(delay), amqp.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		Priority:     msg.Priority,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Headers:      amqp.Table{AttemptHeader: int32(nextAttempt)},
	})
}

// DeadLetter moves a job to the dead queue for inspection
func (p *Publisher) DeadLetter(ctx context.Context, msg amqp.Delivery, attempt int, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return p.publish(ctx, "", p.topology.DeadQueue, amqp.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Headers: amqp.Table{
			AttemptHeader: int32(attempt),
			ErrorHeader:   reason,
		},
	})
}

// PublishEvent publishes a JSON event on the realtime exchange
func (p *Publisher) PublishEvent(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.publish(ctx, p.topology.RealtimeExchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message for %s", routingKey)
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
