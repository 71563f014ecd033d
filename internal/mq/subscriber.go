package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscribe binds a private, auto-deleted queue to exchange and streams its
// deliveries until ctx is cancelled. Deliveries are auto-acknowledged.
func (c *Connection) Subscribe(ctx context.Context, exchange, bindingKey string) (<-chan amqp.Delivery, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare subscription queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, bindingKey, exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind subscription queue: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume subscription queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	return msgs, nil
}
