package engine

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-engine/internal/evaluate"
	"fable-engine/internal/model"
	"fable-engine/internal/stage"
)

// previousContentTail bounds how much of the preceding scene's prose is
// carried into the next prose call for continuity.
const previousContentTail = 800

func (o *Orchestrator) summarize(ctx context.Context, storyID uuid.UUID, premise string) (*model.Story, error) {
	o.publish(ctx, storyID, model.PhaseSummarizing, 2, "generating story foundation")

	story, _, err := o.gen.GenerateStorySummary(ctx, premise)
	if err != nil {
		return nil, err
	}

	// The caller fixed the story id before the run started; rebind the
	// freshly parsed tree onto it.
	story.ID = storyID
	for i := range story.Characters {
		story.Characters[i].StoryID = storyID
	}

	if err := o.stories.Create(ctx, story); err != nil {
		return nil, fmt.Errorf("failed to persist story: %w", err)
	}
	if err := o.saveCheckpoint(ctx, &model.Checkpoint{StoryID: storyID, Phase: model.PhaseExpandingCast}); err != nil {
		return nil, err
	}
	o.publish(ctx, storyID, model.PhaseExpandingCast, 8, "story foundation ready")
	return story, nil
}

func (o *Orchestrator) expandCast(ctx context.Context, story *model.Story) error {
	if _, err := o.gen.ExpandCast(ctx, story); err != nil {
		return err
	}
	for i := range story.Characters {
		if err := o.stories.UpdateCharacter(ctx, &story.Characters[i]); err != nil {
			return fmt.Errorf("failed to persist character %s: %w", story.Characters[i].Name, err)
		}
	}
	o.publish(ctx, story.ID, model.PhaseExpandingCast, 15, "cast expanded")
	return nil
}

func (o *Orchestrator) generateParts(ctx context.Context, story *model.Story) error {
	existing, err := o.parts.ListByStory(ctx, story.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	parts, _, err := o.gen.GenerateParts(ctx, story)
	if err != nil {
		return err
	}
	for i := range parts {
		if err := o.parts.Create(ctx, &parts[i]); err != nil {
			return fmt.Errorf("failed to persist part %d: %w", parts[i].Index, err)
		}
	}
	o.publish(ctx, story.ID, model.PhasePartsPending, 25, "act structure ready")
	return nil
}

func (o *Orchestrator) generateChapters(ctx context.Context, story *model.Story) error {
	parts, err := o.parts.ListByStory(ctx, story.ID)
	if err != nil {
		return err
	}

	plans := make([][]stage.ChapterSlot, len(parts))
	totalChapters := 0
	for i := range parts {
		plans[i] = stage.PlanChapters(&parts[i])
		totalChapters += len(plans[i])
	}

	done := 0
	handoff := ""
	firstInStory := true
	for i := range parts {
		part := &parts[i]
		existing, err := o.chapters.ListByPart(ctx, part.ID)
		if err != nil {
			return err
		}
		// Already-persisted chapters are skipped; the handoff is rebuilt
		// from the last of them.
		for j := range existing {
			handoff = existing[j].CreatesNextAdversity
			firstInStory = false
			done++
		}

		for j := len(existing); j < len(plans[i]); j++ {
			if err := o.checkCancelled(ctx, story.ID); err != nil {
				return err
			}

			chapter, _, err := o.gen.GenerateChapter(ctx, stage.ChapterInput{
				Story:             story,
				Part:              part,
				Slot:              plans[i][j],
				ChapterNumber:     j + 1,
				TotalChapters:     len(plans[i]),
				PreviousAdversity: handoff,
				IsFirstInStory:    firstInStory,
			}, o.ledger)
			if err != nil {
				return err
			}
			if err := o.chapters.Create(ctx, chapter); err != nil {
				return fmt.Errorf("failed to persist chapter %d of part %d: %w", j+1, part.Index, err)
			}

			handoff = chapter.CreatesNextAdversity
			firstInStory = false
			done++

			if err := o.saveCheckpoint(ctx, &model.Checkpoint{
				StoryID:      story.ID,
				Phase:        model.PhaseChaptersPending,
				ActIndex:     part.Index,
				ChapterIndex: j + 1,
			}); err != nil {
				return err
			}
			o.publish(ctx, story.ID, model.PhaseChaptersPending,
				25+20*done/totalChapters,
				fmt.Sprintf("chapter %d/%d of part %d ready", j+1, len(plans[i]), part.Index))
		}

		assembled, err := o.chapters.ListByPart(ctx, part.ID)
		if err != nil {
			return err
		}
		if err := model.ValidateChapterSequence(assembled); err != nil {
			return fmt.Errorf("part %d chapter sequence invalid: %w", part.Index, err)
		}
	}
	return nil
}

func (o *Orchestrator) generateSceneSpecs(ctx context.Context, story *model.Story) error {
	return o.forEachChapter(ctx, story, func(part *model.Part, chapter *model.Chapter) error {
		existing, err := o.scenes.ListByChapter(ctx, chapter.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}

		scenes, _, err := o.gen.GenerateSceneSpecs(ctx, story, chapter)
		if err != nil {
			return err
		}
		for i := range scenes {
			if err := o.scenes.Create(ctx, &scenes[i]); err != nil {
				return fmt.Errorf("failed to persist scene %d: %w", scenes[i].Index, err)
			}
		}

		if err := o.saveCheckpoint(ctx, &model.Checkpoint{
			StoryID:      story.ID,
			Phase:        model.PhaseScenesPending,
			ActIndex:     part.Index,
			ChapterIndex: chapter.Index,
		}); err != nil {
			return err
		}
		o.publish(ctx, story.ID, model.PhaseScenesPending, 50,
			fmt.Sprintf("scenes planned for chapter %d of part %d", chapter.Index, part.Index))
		return nil
	})
}

func (o *Orchestrator) generateSceneContent(ctx context.Context, story *model.Story) error {
	total, written, err := o.sceneCounts(ctx, story)
	if err != nil {
		return err
	}

	return o.forEachChapter(ctx, story, func(part *model.Part, chapter *model.Chapter) error {
		scenes, err := o.scenes.ListByChapter(ctx, chapter.ID)
		if err != nil {
			return err
		}

		previous := ""
		for i := range scenes {
			scene := &scenes[i]
			if scene.Content != "" {
				previous = tail(scene.Content, previousContentTail)
				continue
			}
			if err := o.checkCancelled(ctx, story.ID); err != nil {
				return err
			}

			content, words, _, err := o.gen.GenerateSceneContent(ctx, stage.SceneContentInput{
				Story:           story,
				Scene:           scene,
				PreviousContent: previous,
			})
			if err != nil {
				return err
			}
			if err := o.scenes.UpdateContent(ctx, scene.ID, content, words); err != nil {
				return err
			}
			previous = tail(content, previousContentTail)
			written++

			if err := o.saveCheckpoint(ctx, &model.Checkpoint{
				StoryID:      story.ID,
				Phase:        model.PhaseContentPending,
				ActIndex:     part.Index,
				ChapterIndex: chapter.Index,
				SceneIndex:   scene.Index,
			}); err != nil {
				return err
			}
			percent := 55
			if total > 0 {
				percent = 55 + 35*written/total
			}
			o.publish(ctx, story.ID, model.PhaseContentPending, percent,
				fmt.Sprintf("scene %d of chapter %d written", scene.Index, chapter.Index))
		}
		return nil
	})
}

func (o *Orchestrator) evaluateStory(ctx context.Context, story *model.Story) error {
	input, err := o.assembleTree(ctx, story)
	if err != nil {
		return err
	}
	o.publish(ctx, story.ID, model.PhaseEvaluating, 92, "evaluating story")

	report, err := o.eval.Evaluate(ctx, *input)
	if err != nil {
		return err
	}
	if !report.NeedsRevision() {
		return nil
	}

	// One revision pass; the rewritten story is accepted regardless of
	// its second score. A scene earns its rewrite either on its own score
	// or, when the whole story fell below the bar, on any finding.
	o.logger.Info("Story below quality bar, revising flagged scenes",
		zap.String("storyID", story.ID.String()),
		zap.Float64("overall", report.Overall))

	storyBelowBar := report.Overall < 3.0
	for chapterID, scenes := range input.Scenes {
		previous := ""
		for i := range scenes {
			scene := &scenes[i]
			findings := report.SceneFindings(scene.ID)
			if len(findings) == 0 || (!storyBelowBar && report.SceneOverall(scene.ID) >= 3.0) {
				previous = tail(scene.Content, previousContentTail)
				continue
			}
			if err := o.checkCancelled(ctx, story.ID); err != nil {
				return err
			}

			content, words, _, err := o.gen.GenerateSceneContent(ctx, stage.SceneContentInput{
				Story:           story,
				Scene:           scene,
				PreviousContent: previous,
				Corrections:     evaluate.Corrections(findings),
			})
			if err != nil {
				return err
			}
			if err := o.scenes.UpdateContent(ctx, scene.ID, content, words); err != nil {
				return err
			}
			previous = tail(content, previousContentTail)
			o.logger.Debug("Scene revised",
				zap.String("chapterID", chapterID.String()),
				zap.String("sceneID", scene.ID.String()))
		}
	}

	revised, err := o.assembleTree(ctx, story)
	if err != nil {
		return err
	}
	final, err := o.eval.Evaluate(ctx, *revised)
	if err != nil {
		return err
	}
	o.logger.Info("Revision pass finished",
		zap.String("storyID", story.ID.String()),
		zap.Float64("before", report.Overall),
		zap.Float64("after", final.Overall))
	return nil
}

// forEachChapter walks the persisted tree in narrative order.
func (o *Orchestrator) forEachChapter(ctx context.Context, story *model.Story, fn func(*model.Part, *model.Chapter) error) error {
	parts, err := o.parts.ListByStory(ctx, story.ID)
	if err != nil {
		return err
	}
	for i := range parts {
		chapters, err := o.chapters.ListByPart(ctx, parts[i].ID)
		if err != nil {
			return err
		}
		for j := range chapters {
			if err := fn(&parts[i], &chapters[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) sceneCounts(ctx context.Context, story *model.Story) (total, written int, err error) {
	err = o.forEachChapter(ctx, story, func(_ *model.Part, chapter *model.Chapter) error {
		scenes, err := o.scenes.ListByChapter(ctx, chapter.ID)
		if err != nil {
			return err
		}
		for i := range scenes {
			total++
			if scenes[i].Content != "" {
				written++
			}
		}
		return nil
	})
	return total, written, err
}

func (o *Orchestrator) assembleTree(ctx context.Context, story *model.Story) (*evaluate.Input, error) {
	input := &evaluate.Input{
		Story:    story,
		Chapters: make(map[uuid.UUID][]model.Chapter),
		Scenes:   make(map[uuid.UUID][]model.Scene),
	}
	parts, err := o.parts.ListByStory(ctx, story.ID)
	if err != nil {
		return nil, err
	}
	input.Parts = parts
	for i := range parts {
		chapters, err := o.chapters.ListByPart(ctx, parts[i].ID)
		if err != nil {
			return nil, err
		}
		input.Chapters[parts[i].ID] = chapters
		for j := range chapters {
			scenes, err := o.scenes.ListByChapter(ctx, chapters[j].ID)
			if err != nil {
				return nil, err
			}
			input.Scenes[chapters[j].ID] = scenes
		}
	}
	return input, nil
}

// tail returns roughly the last n bytes of text, trimmed forward to a rune
// boundary so the continuity context never starts mid-character.
func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := len(text) - n
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	return text[cut:]
}
