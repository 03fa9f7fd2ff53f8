// Package worker binds the task queue to the generation engine.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fable-engine/internal/ai"
	"fable-engine/internal/engine"
	"fable-engine/internal/messaging"
	"fable-engine/internal/stage"
)

// Handler processes generation tasks delivered by the queue consumer.
type Handler struct {
	orchestrator *engine.Orchestrator
	logger       *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(orchestrator *engine.Orchestrator, logger *zap.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		logger:       logger.Named("TaskHandler"),
	}
}

// Handle runs one task end to end. The returned error drives the ack
// decision in the consumer; a cancel is a successful outcome from the
// queue's point of view.
func (h *Handler) Handle(ctx context.Context, task messaging.GenerationTaskPayload) error {
	tasksReceived.Inc()
	started := time.Now()

	h.logger.Info("Processing generation task",
		zap.String("taskID", task.TaskID.String()),
		zap.String("storyID", task.StoryID.String()),
		zap.Bool("resume", task.Resume))

	err := h.orchestrator.WithPromptVersions(task.PromptVersions).Run(ctx, task.StoryID, task.Premise)
	taskDuration.Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		tasksSucceeded.Inc()
		return nil
	case errors.Is(err, engine.ErrCancelled):
		tasksCancelled.Inc()
		return nil
	case errors.Is(err, ai.ErrContentPolicyViolation):
		tasksFailed.WithLabelValues("content_policy").Inc()
	case errors.Is(err, stage.ErrAttemptsExhausted):
		tasksFailed.WithLabelValues("attempts_exhausted").Inc()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		tasksFailed.WithLabelValues("timeout").Inc()
	default:
		tasksFailed.WithLabelValues("internal").Inc()
	}
	return err
}
