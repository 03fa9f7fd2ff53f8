package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TaskHandler processes one generation task. A nil return acks the
// delivery; an error nacks it without requeue, because every retryable
// failure mode is already handled inside the pipeline and a poison task
// must not loop.
type TaskHandler func(ctx context.Context, task GenerationTaskPayload) error

// TaskConsumer consumes the durable generation task queue one message at
// a time.
type TaskConsumer struct {
	conn    *amqp.Connection
	handler TaskHandler
	logger  *zap.Logger
	channel *amqp.Channel
	done    chan struct{}
}

// NewTaskConsumer creates a TaskConsumer.
func NewTaskConsumer(conn *amqp.Connection, handler TaskHandler, logger *zap.Logger) *TaskConsumer {
	return &TaskConsumer{
		conn:    conn,
		handler: handler,
		logger:  logger.Named("TaskConsumer"),
		done:    make(chan struct{}),
	}
}

// Start declares the queue and begins consuming. Prefetch is one: a story
// generation holds the worker for minutes, so a second task must stay
// visible to other workers.
func (c *TaskConsumer) Start(ctx context.Context) error {
	var err error
	c.channel, err = c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err = c.channel.QueueDeclare(
		QueueGenerationTasks,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = c.channel.Close()
		return fmt.Errorf("failed to declare queue %s: %w", QueueGenerationTasks, err)
	}

	if err = c.channel.Qos(1, 0, false); err != nil {
		_ = c.channel.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := c.channel.Consume(
		QueueGenerationTasks,
		"",    // consumer tag (auto-generated)
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = c.channel.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Task consumer started", zap.String("queue", QueueGenerationTasks))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Panic recovered in task consumer goroutine", zap.Any("panic", r))
			}
			close(c.done)
		}()

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Info("Task consumer channel closed, exiting")
					return
				}
				c.handleDelivery(ctx, msg)
			case <-ctx.Done():
				c.logger.Info("Context cancelled, stopping task consumer")
				return
			}
		}
	}()

	return nil
}

func (c *TaskConsumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	var task GenerationTaskPayload
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		c.logger.Error("Failed to unmarshal task, discarding",
			zap.Error(err), zap.String("body", string(msg.Body)))
		_ = msg.Nack(false, false)
		return
	}

	c.logger.Info("Task received",
		zap.String("taskID", task.TaskID.String()),
		zap.String("storyID", task.StoryID.String()),
		zap.Bool("resume", task.Resume))

	if err := c.handler(ctx, task); err != nil {
		c.logger.Error("Task failed",
			zap.String("taskID", task.TaskID.String()), zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack task",
			zap.String("taskID", task.TaskID.String()), zap.Error(err))
	}
}

// Stop cancels the subscription and waits for the consumer goroutine.
func (c *TaskConsumer) Stop() error {
	if c.channel != nil {
		if err := c.channel.Cancel("", false); err != nil {
			c.logger.Warn("Error cancelling task consumer", zap.Error(err))
		}
	}

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Timeout waiting for task consumer goroutine to stop")
	}

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("Error closing task consumer channel", zap.Error(err))
		}
	}
	c.logger.Info("Task consumer stopped")
	return nil
}
