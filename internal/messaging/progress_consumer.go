package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"fable-engine/internal/model"
)

// ProgressConsumer subscribes to the progress fanout with an exclusive
// auto-deleted queue. Used by the API to feed live subscribers; losing an
// event is fine, the Redis snapshot covers catch-up.
type ProgressConsumer struct {
	conn    *amqp.Connection
	handler func(event model.ProgressEvent)
	logger  *zap.Logger
	channel *amqp.Channel
	done    chan struct{}
}

// NewProgressConsumer creates a ProgressConsumer.
func NewProgressConsumer(conn *amqp.Connection, handler func(event model.ProgressEvent), logger *zap.Logger) *ProgressConsumer {
	return &ProgressConsumer{
		conn:    conn,
		handler: handler,
		logger:  logger.Named("ProgressConsumer"),
		done:    make(chan struct{}),
	}
}

// Start declares the exchange binding and begins consuming.
func (c *ProgressConsumer) Start(ctx context.Context) error {
	var err error
	c.channel, err = c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err = c.channel.ExchangeDeclare(
		ExchangeProgress,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = c.channel.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", ExchangeProgress, err)
	}

	q, err := c.channel.QueueDeclare(
		"",    // auto-generated name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = c.channel.Close()
		return fmt.Errorf("failed to declare progress queue: %w", err)
	}

	if err = c.channel.QueueBind(q.Name, "", ExchangeProgress, false, nil); err != nil {
		_ = c.channel.Close()
		return fmt.Errorf("failed to bind progress queue: %w", err)
	}

	msgs, err := c.channel.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = c.channel.Close()
		return fmt.Errorf("failed to register progress consumer: %w", err)
	}

	c.logger.Info("Progress consumer started", zap.String("queue", q.Name))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Panic recovered in progress consumer goroutine", zap.Any("panic", r))
			}
			close(c.done)
		}()

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Info("Progress consumer channel closed, exiting")
					return
				}
				var event model.ProgressEvent
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					c.logger.Warn("Failed to unmarshal progress event", zap.Error(err))
					continue
				}
				c.handler(event)
			case <-ctx.Done():
				c.logger.Info("Context cancelled, stopping progress consumer")
				return
			}
		}
	}()

	return nil
}

// Stop closes the subscription and waits for the goroutine.
func (c *ProgressConsumer) Stop() error {
	if c.channel != nil {
		if err := c.channel.Cancel("", false); err != nil {
			c.logger.Warn("Error cancelling progress consumer", zap.Error(err))
		}
	}

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Timeout waiting for progress consumer goroutine to stop")
	}

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("Error closing progress consumer channel", zap.Error(err))
		}
	}
	return nil
}
