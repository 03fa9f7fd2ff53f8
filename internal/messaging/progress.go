package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fable-engine/internal/model"
)

// snapshotTTL bounds how long a finished story's last progress event stays
// readable.
const snapshotTTL = 24 * time.Hour

func snapshotKey(storyID uuid.UUID) string {
	return "progress:" + storyID.String()
}

// ProgressPublisher fans progress events out over RabbitMQ and keeps the
// latest event per story in Redis so a late subscriber can catch up.
// Delivery is best effort: publish failures are logged, never returned to
// the pipeline.
type ProgressPublisher struct {
	channel *amqp.Channel
	redis   *redis.Client
	logger  *zap.Logger
}

// NewProgressPublisher opens a channel on conn and declares the progress
// exchange. redisClient may be nil to skip snapshots.
func NewProgressPublisher(conn *amqp.Connection, redisClient *redis.Client, logger *zap.Logger) (*ProgressPublisher, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		ExchangeProgress,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", ExchangeProgress, err)
	}

	return &ProgressPublisher{
		channel: channel,
		redis:   redisClient,
		logger:  logger.Named("ProgressPublisher"),
	}, nil
}

// Publish implements engine.ProgressSink.
func (p *ProgressPublisher) Publish(ctx context.Context, event model.ProgressEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal progress event", zap.Error(err))
		return
	}

	if err := p.channel.PublishWithContext(ctx,
		ExchangeProgress,
		"",    // routing key (fanout)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			AppId:       appID,
			Body:        body,
		}); err != nil {
		p.logger.Warn("Failed to publish progress event",
			zap.String("storyID", event.StoryID.String()), zap.Error(err))
	}

	if p.redis != nil {
		if err := p.redis.Set(ctx, snapshotKey(event.StoryID), body, snapshotTTL).Err(); err != nil {
			p.logger.Warn("Failed to write progress snapshot",
				zap.String("storyID", event.StoryID.String()), zap.Error(err))
		}
	}

	p.logger.Debug("Progress published",
		zap.String("storyID", event.StoryID.String()),
		zap.String("phase", string(event.Phase)),
		zap.Int("percent", event.Percent))
}

// Close releases the AMQP channel.
func (p *ProgressPublisher) Close() error {
	return p.channel.Close()
}

// ErrNoSnapshot is returned when a story has no stored progress event.
var ErrNoSnapshot = errors.New("no progress snapshot")

// SnapshotReader serves the latest progress event per story from Redis.
type SnapshotReader struct {
	redis *redis.Client
}

// NewSnapshotReader creates a SnapshotReader.
func NewSnapshotReader(redisClient *redis.Client) *SnapshotReader {
	return &SnapshotReader{redis: redisClient}
}

// GetSnapshot returns the story's most recent progress event.
func (r *SnapshotReader) GetSnapshot(ctx context.Context, storyID uuid.UUID) (*model.ProgressEvent, error) {
	raw, err := r.redis.Get(ctx, snapshotKey(storyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to read progress snapshot: %w", err)
	}
	var event model.ProgressEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress snapshot: %w", err)
	}
	return &event, nil
}
