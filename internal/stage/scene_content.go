package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fable-engine/internal/ai"
	"fable-engine/internal/model"
	"fable-engine/internal/prompts"
	"fable-engine/internal/schemas"
)

type sceneContentData struct {
	Scene           *model.Scene
	Phase           model.CyclePhase
	WritingMode     string
	PreviousContent string
	Corrections     string
	MinWords        int
	MaxWords        int
}

// writingModes are the per-phase prose instructions. The virtue phase gets
// the slowest, most interior treatment; transitions stay economical.
var writingModes = map[model.CyclePhase]string{
	model.PhaseSetup: "Ground the reader fast: place, time, pressure. " +
		"Economical sentences, concrete nouns, no interiority yet beyond one telling gesture.",
	model.PhaseConfrontation: "The adversity bites. Raise pace through shorter paragraphs " +
		"and harder verbs; let avoidance visibly stop working on the page.",
	model.PhaseVirtue: "Slow everything down. Maximal interiority: the cost of the act, " +
		"felt from inside, before and while it is paid. Sensory time dilation is welcome. " +
		"The act must read as who this character is, never as a move in a plan.",
	model.PhaseConsequence: "Let the unintended result land with a visible causal thread " +
		"back to an earlier detail. Restraint over melodrama; the reader connects the line.",
	model.PhaseTransition: "Wind down and hand off. Short scene, falling rhythm, and the " +
		"next pressure arriving at the edge of the frame.",
}

// SceneContentInput carries one prose generation call.
type SceneContentInput struct {
	Story *model.Story
	Scene *model.Scene
	// PreviousContent is the tail of the preceding scene's prose, for
	// continuity. Empty for the first scene of a chapter.
	PreviousContent string
	// Corrections carries evaluator feedback on a rejected draft; empty on
	// the first pass.
	Corrections string
}

// GenerateSceneContent runs the prose stage for one scene specification.
// A draft outside the word band gets exactly one corrective regeneration;
// a second miss is accepted and logged.
func (g *Generator) GenerateSceneContent(ctx context.Context, in SceneContentInput) (string, int, ai.Usage, error) {
	var total ai.Usage
	minWords, maxWords := model.WordBand(in.Scene.Spec.LengthClass)

	content, usage, err := g.generateSceneContentOnce(ctx, in, minWords, maxWords, in.Corrections)
	total.Add(usage)
	if err != nil {
		return "", 0, total, err
	}

	words := model.CountWords(content)
	if !model.WithinBand(in.Scene.Spec.LengthClass, words) {
		correction := fmt.Sprintf(
			"The draft was %d words; the %s band is %d-%d words. Rewrite to fit the band without dropping the specification's beats.",
			words, in.Scene.Spec.LengthClass, minWords, maxWords)
		if in.Corrections != "" {
			correction = in.Corrections + "\n" + correction
		}
		g.logger.Warn("Scene prose outside word band, regenerating",
			zap.String("sceneID", in.Scene.ID.String()),
			zap.Int("words", words),
			zap.String("lengthClass", string(in.Scene.Spec.LengthClass)))

		retried, usage, err := g.generateSceneContentOnce(ctx, in, minWords, maxWords, correction)
		total.Add(usage)
		if err != nil {
			return "", 0, total, err
		}
		retriedWords := model.CountWords(retried)
		if !model.WithinBand(in.Scene.Spec.LengthClass, retriedWords) {
			g.logger.Warn("Scene prose still outside word band, accepting",
				zap.String("sceneID", in.Scene.ID.String()),
				zap.Int("words", retriedWords))
		}
		return retried, retriedWords, total, nil
	}

	return content, words, total, nil
}

func (g *Generator) generateSceneContentOnce(ctx context.Context, in SceneContentInput, minWords, maxWords int, corrections string) (string, ai.Usage, error) {
	var content string
	usage, err := g.runStage(ctx, in.Story.ID, prompts.StageSceneContent,
		sceneContentData{
			Scene:           in.Scene,
			Phase:           in.Scene.Phase,
			WritingMode:     writingModes[in.Scene.Phase],
			PreviousContent: in.PreviousContent,
			Corrections:     corrections,
			MinWords:        minWords,
			MaxWords:        maxWords,
		},
		func(text string) error {
			parsed, err := schemas.ParseSceneContent(text)
			if err != nil {
				return err
			}
			content = parsed
			return nil
		})
	return content, usage, err
}
