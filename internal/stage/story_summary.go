package stage

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-engine/internal/ai"
	"fable-engine/internal/model"
	"fable-engine/internal/prompts"
	"fable-engine/internal/schemas"
)

type storySummaryData struct {
	Premise string
}

// plotEventPattern catches premises that narrate a concrete event instead
// of describing the world and its moral pressure. Matches are rejected and
// regenerated within the attempt budget.
var plotEventPattern = regexp.MustCompile(`(?i)\b(one day|until the day|suddenly|kills|murders|is killed|dies|discovers|betrays|steals|escapes|sets out to)\b`)

// GenerateStorySummary runs the story-summary stage on a user premise. The
// result carries a fresh story id and validated character foundations.
func (g *Generator) GenerateStorySummary(ctx context.Context, userPremise string) (*model.Story, ai.Usage, error) {
	var story *model.Story

	usage, err := g.runStage(ctx, uuid.Nil, prompts.StageStorySummary,
		storySummaryData{Premise: userPremise},
		func(text string) error {
			parsed, err := schemas.ParseStorySummary(text)
			if err != nil {
				return err
			}
			if plotEventPattern.MatchString(parsed.Premise) {
				return fmt.Errorf("%w: premise narrates a plot event: %q",
					schemas.ErrMalformed, parsed.Premise)
			}
			story = parsed
			return nil
		})
	if err != nil {
		return nil, usage, err
	}

	g.logger.Info("Story summary generated",
		zap.String("storyID", story.ID.String()),
		zap.Int("characters", len(story.Characters)))
	return story, usage, nil
}
