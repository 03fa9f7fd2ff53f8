// Package engine sequences the generation stages for one story: phase by
// phase, checkpointing after every persisted unit so an interrupted run
// resumes from the last completed step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-engine/internal/evaluate"
	"fable-engine/internal/model"
	"fable-engine/internal/repository"
	"fable-engine/internal/seed"
	"fable-engine/internal/stage"
)

// ErrCancelled is returned when a cancel request stops the run between
// stage boundaries. Work persisted so far stays in place.
var ErrCancelled = errors.New("generation cancelled")

// ProgressSink receives progress events. Delivery is best effort; the
// pipeline never blocks or fails on a sink error.
type ProgressSink interface {
	Publish(ctx context.Context, event model.ProgressEvent)
}

// NopSink discards progress events.
type NopSink struct{}

func (NopSink) Publish(context.Context, model.ProgressEvent) {}

// Deps wires an Orchestrator.
type Deps struct {
	Generator   *stage.Generator
	Evaluator   *evaluate.Evaluator
	Ledger      seed.Ledger
	Stories     repository.StoryRepository
	Parts       repository.PartRepository
	Chapters    repository.ChapterRepository
	Scenes      repository.SceneRepository
	Checkpoints repository.CheckpointRepository
	Progress    ProgressSink
	Logger      *zap.Logger
}

// Orchestrator drives one story through the generation state machine.
type Orchestrator struct {
	gen         *stage.Generator
	eval        *evaluate.Evaluator
	ledger      seed.Ledger
	stories     repository.StoryRepository
	parts       repository.PartRepository
	chapters    repository.ChapterRepository
	scenes      repository.SceneRepository
	checkpoints repository.CheckpointRepository
	progress    ProgressSink
	logger      *zap.Logger
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	progress := deps.Progress
	if progress == nil {
		progress = NopSink{}
	}
	return &Orchestrator{
		gen:         deps.Generator,
		eval:        deps.Evaluator,
		ledger:      deps.Ledger,
		stories:     deps.Stories,
		parts:       deps.Parts,
		chapters:    deps.Chapters,
		scenes:      deps.Scenes,
		checkpoints: deps.Checkpoints,
		progress:    progress,
		logger:      deps.Logger.Named("Orchestrator"),
	}
}

// WithPromptVersions returns a copy of o whose stage generator renders the
// listed stages at the given template versions.
func (o *Orchestrator) WithPromptVersions(versions map[string]int) *Orchestrator {
	if len(versions) == 0 || o.gen == nil {
		return o
	}
	clone := *o
	clone.gen = o.gen.WithPromptVersions(versions)
	return &clone
}

// Run generates the story identified by storyID from the user premise. If
// a checkpoint exists the run resumes after the last completed unit;
// already-persisted units are never regenerated.
func (o *Orchestrator) Run(ctx context.Context, storyID uuid.UUID, premise string) error {
	phase := model.PhaseSummarizing
	cp, err := o.checkpoints.Get(ctx, storyID)
	switch {
	case err == nil:
		if cp.Terminal() {
			o.logger.Info("Story already in terminal phase, nothing to do",
				zap.String("storyID", storyID.String()),
				zap.String("phase", string(cp.Phase)))
			return nil
		}
		phase = cp.Phase
		o.logger.Info("Resuming generation",
			zap.String("storyID", storyID.String()),
			zap.String("phase", string(phase)))
	case errors.Is(err, repository.ErrNotFound):
		if err := o.saveCheckpoint(ctx, &model.Checkpoint{StoryID: storyID, Phase: phase}); err != nil {
			return err
		}
	default:
		return err
	}

	if err := o.runFrom(ctx, storyID, premise, phase); err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		o.markFailed(ctx, storyID, err)
		return err
	}
	return nil
}

func (o *Orchestrator) runFrom(ctx context.Context, storyID uuid.UUID, premise string, phase model.GenerationPhase) error {
	var story *model.Story
	var err error

	if phase == model.PhaseSummarizing {
		story, err = o.summarize(ctx, storyID, premise)
		if err != nil {
			return err
		}
		phase = model.PhaseExpandingCast
	} else {
		story, err = o.stories.GetByID(ctx, storyID)
		if err != nil {
			return fmt.Errorf("failed to load story for resume: %w", err)
		}
	}

	steps := []struct {
		phase model.GenerationPhase
		run   func(context.Context, *model.Story) error
		next  model.GenerationPhase
	}{
		{model.PhaseExpandingCast, o.expandCast, model.PhasePartsPending},
		{model.PhasePartsPending, o.generateParts, model.PhaseChaptersPending},
		{model.PhaseChaptersPending, o.generateChapters, model.PhaseScenesPending},
		{model.PhaseScenesPending, o.generateSceneSpecs, model.PhaseContentPending},
		{model.PhaseContentPending, o.generateSceneContent, model.PhaseEvaluating},
		{model.PhaseEvaluating, o.evaluateStory, model.PhaseComplete},
	}

	started := false
	for _, step := range steps {
		if !started && step.phase != phase {
			continue
		}
		started = true

		if err := o.checkCancelled(ctx, storyID); err != nil {
			return err
		}
		if err := step.run(ctx, story); err != nil {
			return err
		}
		if err := o.saveCheckpoint(ctx, &model.Checkpoint{StoryID: storyID, Phase: step.next}); err != nil {
			return err
		}
	}

	if err := o.stories.UpdateStatus(ctx, storyID, model.StoryStatusComplete); err != nil {
		return err
	}
	o.publish(ctx, storyID, model.PhaseComplete, 100, "story complete")
	o.logger.Info("Generation complete", zap.String("storyID", storyID.String()))
	return nil
}

// checkCancelled polls the cancel flag. Called between units so a cancel
// lands at the next boundary, never mid-call.
func (o *Orchestrator) checkCancelled(ctx context.Context, storyID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := o.checkpoints.Get(ctx, storyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if !cp.CancelRequested {
		return nil
	}

	// The interrupted phase rides FailedStage so a later resume knows
	// where to pick the run back up.
	cp.FailedStage = string(cp.Phase)
	cp.Phase = model.PhaseCancelled
	if err := o.saveCheckpoint(ctx, cp); err != nil {
		return err
	}
	if err := o.stories.UpdateStatus(ctx, storyID, model.StoryStatusCancelled); err != nil {
		o.logger.Warn("Failed to mark story cancelled", zap.Error(err))
	}
	o.publish(ctx, storyID, model.PhaseCancelled, 0, "generation cancelled")
	o.logger.Info("Generation cancelled", zap.String("storyID", storyID.String()))
	return ErrCancelled
}

// markFailed records the failure without discarding prior output.
func (o *Orchestrator) markFailed(ctx context.Context, storyID uuid.UUID, cause error) {
	cp, err := o.checkpoints.Get(ctx, storyID)
	if err != nil {
		cp = &model.Checkpoint{StoryID: storyID}
	}
	failedStage := string(cp.Phase)
	cp.Phase = model.PhaseFailed
	cp.FailedStage = failedStage
	cp.Reason = cause.Error()
	if err := o.saveCheckpoint(ctx, cp); err != nil {
		o.logger.Error("Failed to persist failure checkpoint", zap.Error(err))
	}
	if err := o.stories.UpdateStatus(ctx, storyID, model.StoryStatusFailed); err != nil {
		o.logger.Warn("Failed to mark story failed", zap.Error(err))
	}
	o.publish(ctx, storyID, model.PhaseFailed, 0, cause.Error())
	o.logger.Error("Generation failed",
		zap.String("storyID", storyID.String()),
		zap.String("stage", failedStage),
		zap.Error(cause))
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	if err := o.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, storyID uuid.UUID, phase model.GenerationPhase, percent int, message string) {
	o.progress.Publish(ctx, model.ProgressEvent{
		StoryID: storyID,
		Phase:   phase,
		Percent: percent,
		Message: message,
		At:      time.Now().UTC(),
	})
}
