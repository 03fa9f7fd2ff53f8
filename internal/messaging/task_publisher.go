package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TaskPublisher enqueues generation tasks.
type TaskPublisher interface {
	Publish(ctx context.Context, task GenerationTaskPayload) error
	Close() error
}

type rabbitTaskPublisher struct {
	channel *amqp.Channel
	logger  *zap.Logger
}

// NewRabbitTaskPublisher opens a channel on conn and declares the durable
// task queue.
func NewRabbitTaskPublisher(conn *amqp.Connection, logger *zap.Logger) (TaskPublisher, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		QueueGenerationTasks,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", QueueGenerationTasks, err)
	}

	return &rabbitTaskPublisher{
		channel: channel,
		logger:  logger.Named("TaskPublisher"),
	}, nil
}

func (p *rabbitTaskPublisher) Publish(ctx context.Context, task GenerationTaskPayload) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		"",                   // default exchange
		QueueGenerationTasks, // routing key = queue
		false,                // mandatory
		false,                // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			AppId:        appID,
			MessageId:    task.TaskID.String(),
			Body:         body,
		})
	if err != nil {
		p.logger.Error("Failed to publish generation task",
			zap.String("taskID", task.TaskID.String()), zap.Error(err))
		return fmt.Errorf("failed to publish task: %w", err)
	}

	p.logger.Info("Generation task published",
		zap.String("taskID", task.TaskID.String()),
		zap.String("storyID", task.StoryID.String()),
		zap.Bool("resume", task.Resume))
	return nil
}

func (p *rabbitTaskPublisher) Close() error {
	return p.channel.Close()
}
