package mq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	dialAttempts  = 5
	dialBaseDelay = 500 * time.Millisecond
	dialMaxDelay  = 8 * time.Second
)

// Connection wraps the broker connection shared by the publisher, the job
// consumer and the realtime subscriber
type Connection struct {
	conn     *amqp.Connection
	closed   atomic.Bool
	lost     chan struct{}
	lostOnce sync.Once
}

// ConnectionConfig holds broker connection settings
type ConnectionConfig struct {
	URL  string
	Name string
}

// NewConnection dials the broker, retrying with exponential backoff while it
// is still starting, and closes the connection on fx stop
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, cfg ConnectionConfig) (*Connection, error) {
	props := amqp.NewConnectionProperties()
	if cfg.Name != "" {
		props.SetClientConnectionName(cfg.Name)
	}

	conn, err := dialWithRetry(cfg.URL, amqp.Config{Properties: props}, logger)
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ, check that it is running and RABBITMQ_URL is correct: %w", err)
	}

	c := &Connection{conn: conn, lost: make(chan struct{})}
	go c.watch(logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.closed.Store(true)
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return c, nil
}

func dialWithRetry(url string, cfg amqp.Config, logger *zap.Logger) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * dialBaseDelay
			if delay > dialMaxDelay {
				delay = dialMaxDelay
			}
			logger.Warn("retrying rabbitmq connection",
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", dialAttempts),
			)
			time.Sleep(delay)
		}

		conn, err := amqp.DialConfig(url, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Error("rabbitmq connection failed", zap.Error(err))
	}
	return nil, lastErr
}

// watch waits for the connection to close
func (c *Connection) watch(logger *zap.Logger) {
	// a graceful Close closes the channel without a reason
	reason := <-c.conn.NotifyClose(make(chan *amqp.Error, 1))
	c.closedBy(reason, logger)
}

// closedBy records a closed connection. A nil reason is our own Close; any
// other reason means the broker dropped us and Lost fires.
func (c *Connection) closedBy(reason *amqp.Error, logger *zap.Logger) {
	c.closed.Store(true)
	if reason == nil {
		return
	}
	logger.Error("rabbitmq connection lost",
		zap.Int("code", reason.Code),
		zap.String("reason", reason.Reason),
	)
	c.lostOnce.Do(func() { close(c.lost) })
}

// Lost is closed when the broker drops the connection. Consumers and the
// realtime subscriber do not survive that, so the process should restart.
func (c *Connection) Lost() <-chan struct{} {
	return c.lost
}

// Channel opens a new channel on the connection
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// Healthy reports whether the connection is still open
func (c *Connection) Healthy() bool {
	return c.conn != nil && !c.closed.Load() && !c.conn.IsClosed()
}
