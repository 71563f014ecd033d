package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/jobs"
	"github.com/septivank/water-telemetry-worker/internal/metrics"
)

// JobHandler processes one attempt of a job
type JobHandler func(ctx context.Context, job jobs.IngestJob, attempt int) error

// Router parks or dead-letters jobs that did not succeed
type Router interface {
	Retry(ctx context.Context, msg amqp.Delivery, nextAttempt int, delay time.Duration) error
	DeadLetter(ctx context.Context, msg amqp.Delivery, attempt int, cause error) error
}

// Consumer runs a pool of workers over the job queue
type Consumer struct {
	conn        *Connection
	channel     *amqp.Channel
	queue       string
	concurrency int
	policy      jobs.RetryPolicy
	router      Router
	handler     JobHandler
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection  *Connection
	Queue       string
	Concurrency int
	Policy      jobs.RetryPolicy
	Router      Router
	Handler     JobHandler
	Logger      *zap.Logger
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	c := &Consumer{
		conn:        cfg.Connection,
		queue:       cfg.Queue,
		concurrency: cfg.Concurrency,
		policy:      cfg.Policy,
		router:      cfg.Router,
		handler:     cfg.Handler,
		logger:      cfg.Logger,
	}
	if cfg.Connection == nil {
		return c, nil
	}

	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Prefetch one message per worker
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	c.channel = ch

	return c, nil
}

// Start starts the worker pool; workers stop when ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("concurrency", c.concurrency),
	)

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						c.logger.Warn("message channel closed", zap.Int("worker", worker))
						return
					}
					c.handle(ctx, msg)
				}
			}
		}(i)
	}

	return nil
}

// handle runs one attempt and settles the delivery. The delivery is only
// acknowledged once its next state is durable elsewhere.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	attempt := attemptOf(msg.Headers)

	var job jobs.IngestJob
	var err error
	if uerr := json.Unmarshal(msg.Body, &job); uerr != nil {
		err = jobs.Permanent(fmt.Errorf("failed to unmarshal job: %w", uerr))
	} else {
		err = c.handler(ctx, job, attempt)
	}

	state := c.policy.Next(attempt, err)
	logger := c.logger.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", attempt),
		zap.Stringer("state", state),
	)

	switch state.Status {
	case jobs.StatusSucceeded:
		logger.Debug("job succeeded")

	case jobs.StatusRetrying:
		logger.Warn("job failed, scheduling retry", zap.Error(err), zap.Duration("delay", state.Delay))
		if rerr := c.router.Retry(ctx, msg, attempt+1, state.Delay); rerr != nil {
			logger.Error("failed to schedule retry, requeueing", zap.Error(rerr))
			c.nack(msg, true)
			return
		}

	case jobs.StatusDead:
		logger.Error("job dead-lettered", zap.Error(err))
		if derr := c.router.DeadLetter(ctx, msg, attempt, err); derr != nil {
			logger.Error("failed to dead-letter job, requeueing", zap.Error(derr))
			c.nack(msg, true)
			return
		}
	}

	metrics.JobOutcome(string(state.Status))
	if ackErr := msg.Ack(false); ackErr != nil {
		logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

func (c *Consumer) nack(msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		c.logger.Error("failed to NACK message", zap.Error(err))
	}
}

// Close closes the consumer channel and waits for in-flight jobs
func (c *Consumer) Close() error {
	var err error
	if c.channel != nil {
		err = c.channel.Close()
	}
	c.wg.Wait()
	return err
}
