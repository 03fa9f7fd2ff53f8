package stage

import (
	"context"

	"go.uber.org/zap"

	"fable-engine/internal/ai"
	"fable-engine/internal/model"
	"fable-engine/internal/prompts"
	"fable-engine/internal/schemas"
)

type sceneSpecData struct {
	Chapter *model.Chapter
}

// GenerateSceneSpecs runs the scene-specification stage for one chapter.
// Phase coverage and the long virtue scene are enforced at parse time, so
// a violating set is retried within the attempt budget.
func (g *Generator) GenerateSceneSpecs(ctx context.Context, story *model.Story, chapter *model.Chapter) ([]model.Scene, ai.Usage, error) {
	var scenes []model.Scene

	usage, err := g.runStage(ctx, story.ID, prompts.StageSceneSpec,
		sceneSpecData{Chapter: chapter},
		func(text string) error {
			parsed, err := schemas.ParseSceneSpecs(text, chapter.ID)
			if err != nil {
				return err
			}
			scenes = parsed
			return nil
		})
	if err != nil {
		return nil, usage, err
	}

	g.logger.Debug("Scene specifications generated",
		zap.String("chapterID", chapter.ID.String()),
		zap.Int("scenes", len(scenes)))
	return scenes, usage, nil
}
