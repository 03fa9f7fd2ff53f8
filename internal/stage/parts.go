package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-engine/internal/ai"
	"fable-engine/internal/model"
	"fable-engine/internal/prompts"
	"fable-engine/internal/schemas"
)

type partData struct {
	Story        *model.Story
	MismatchNote string
}

// minChainedTokens is the number of substantive tokens a part's
// new-adversity must share with the same character's next-part adversity
// for the chain to count as intact.
const minChainedTokens = 2

// GenerateParts runs the part stage and verifies macro-cycle chaining:
// each character's new adversity in act N must be the material of their
// adversity in act N+1. One flagged re-invocation is spent on a broken
// chain; a chain still broken after that is logged and accepted.
func (g *Generator) GenerateParts(ctx context.Context, story *model.Story) ([]model.Part, ai.Usage, error) {
	var total ai.Usage

	parts, usage, err := g.generatePartsOnce(ctx, story, "")
	total.Add(usage)
	if err != nil {
		return nil, total, err
	}

	breaks := chainBreaks(story, parts)
	if len(breaks) == 0 {
		return parts, total, nil
	}

	note := "The following arcs do not chain between acts:\n- " + strings.Join(breaks, "\n- ")
	g.logger.Warn("Arc chaining verification failed, re-invoking part stage",
		zap.String("storyID", story.ID.String()),
		zap.Int("breaks", len(breaks)))

	retried, usage, err := g.generatePartsOnce(ctx, story, note)
	total.Add(usage)
	if err != nil {
		return nil, total, err
	}

	if remaining := chainBreaks(story, retried); len(remaining) > 0 {
		g.logger.Warn("Arc chaining still broken after re-invocation, accepting",
			zap.String("storyID", story.ID.String()),
			zap.Strings("arcs", remaining))
	}
	return retried, total, nil
}

func (g *Generator) generatePartsOnce(ctx context.Context, story *model.Story, mismatchNote string) ([]model.Part, ai.Usage, error) {
	var parts []model.Part
	usage, err := g.runStage(ctx, story.ID, prompts.StagePart,
		partData{Story: story, MismatchNote: mismatchNote},
		func(text string) error {
			parsed, err := schemas.ParseParts(text, story)
			if err != nil {
				return err
			}
			parts = parsed
			return nil
		})
	return parts, usage, err
}

// chainBreaks lists every (character, act) pair whose macro cycle does not
// hand off into the next act.
func chainBreaks(story *model.Story, parts []model.Part) []string {
	var breaks []string
	for _, c := range story.Characters {
		for i := 0; i < len(parts)-1; i++ {
			current := findArc(parts[i].Arcs, c.ID)
			next := findArc(parts[i+1].Arcs, c.ID)
			if current == nil || next == nil {
				continue
			}
			if !chained(current.Macro.NewAdversity, next.Macro.Adversity) {
				breaks = append(breaks, fmt.Sprintf(
					"%s: act %d newAdversity %q does not set up act %d adversity %q",
					c.Name, i+1, current.Macro.NewAdversity, i+2, next.Macro.Adversity))
			}
		}
	}
	return breaks
}

func findArc(arcs []model.CharacterArc, characterID uuid.UUID) *model.CharacterArc {
	for i := range arcs {
		if arcs[i].CharacterID == characterID {
			return &arcs[i]
		}
	}
	return nil
}

// chained approximates "B grows from A" by substantive token overlap.
func chained(from, to string) bool {
	fromTokens := substantiveTokens(from)
	toTokens := substantiveTokens(to)
	shared := 0
	for tok := range toTokens {
		if fromTokens[tok] {
			shared++
		}
	}
	return shared >= minChainedTokens
}

func substantiveTokens(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		tok := strings.Trim(field, ".,;:!?\"'()-")
		if len(tok) >= 4 {
			tokens[tok] = true
		}
	}
	return tokens
}
