package stage

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fable-engine/internal/ai"
	"fable-engine/internal/model"
	"fable-engine/internal/prompts"
	"fable-engine/internal/schemas"
)

type characterExpansionData struct {
	Story     *model.Story
	Character model.Character
}

// ExpandCast runs the character-expansion stage for every character of the
// story, concurrently up to the configured limit. Identity fields are
// never touched; only the expansion fields are filled in. The story's
// characters are updated in place.
func (g *Generator) ExpandCast(ctx context.Context, story *model.Story) (ai.Usage, error) {
	limit := g.opts.ExpandConcurrency
	if limit <= 0 {
		limit = 1
	}

	// Snapshot the foundation so prompt rendering never races the
	// per-character writes below.
	foundation := *story
	foundation.Characters = append([]model.Character(nil), story.Characters...)

	var mu sync.Mutex
	var total ai.Usage

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for i := range story.Characters {
		eg.Go(func() error {
			character := foundation.Characters[i]
			usage, err := g.runStage(egCtx, story.ID, prompts.StageCharacterExpansion,
				characterExpansionData{Story: &foundation, Character: character},
				func(text string) error {
					return schemas.ParseCharacterExpansion(text, &character)
				})

			mu.Lock()
			total.Add(usage)
			if err == nil {
				story.Characters[i] = character
			}
			mu.Unlock()
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return total, err
	}

	g.logger.Info("Cast expanded",
		zap.String("storyID", story.ID.String()),
		zap.Int("characters", len(story.Characters)))
	return total, nil
}
