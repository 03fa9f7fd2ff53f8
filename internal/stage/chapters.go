package stage

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-engine/internal/ai"
	"fable-engine/internal/model"
	"fable-engine/internal/prompts"
	"fable-engine/internal/schemas"
	"fable-engine/internal/seed"
)

// ChapterSlot assigns one chapter of a part to a character arc at a fixed
// arc position. The plan is deterministic so a resumed run rebuilds the
// same schedule.
type ChapterSlot struct {
	Arc         model.CharacterArc
	ArcPosition model.ArcPosition
}

// PlanChapters lays out a part's chapters by round-robin over its arcs,
// primary arcs first. Round-robin keeps any arc from holding more than two
// consecutive chapters; positions walk each arc from beginning to
// resolution with exactly one climax.
func PlanChapters(part *model.Part) []ChapterSlot {
	arcs := append([]model.CharacterArc(nil), part.Arcs...)
	sort.SliceStable(arcs, func(i, j int) bool {
		return arcs[i].Class == model.ArcPrimary && arcs[j].Class != model.ArcPrimary
	})

	remaining := make([]int, len(arcs))
	positions := make([][]model.ArcPosition, len(arcs))
	total := 0
	for i := range arcs {
		remaining[i] = arcs[i].EstimatedChapters
		positions[i] = arcPositions(arcs[i].EstimatedChapters)
		total += arcs[i].EstimatedChapters
	}

	slots := make([]ChapterSlot, 0, total)
	for len(slots) < total {
		for i := range arcs {
			if remaining[i] == 0 {
				continue
			}
			next := positions[i][len(positions[i])-remaining[i]]
			slots = append(slots, ChapterSlot{Arc: arcs[i], ArcPosition: next})
			remaining[i]--
		}
	}
	return slots
}

// arcPositions maps a chapter count onto the beginning/middle/climax/
// resolution walk.
func arcPositions(n int) []model.ArcPosition {
	switch n {
	case 2:
		return []model.ArcPosition{model.ArcPosBeginning, model.ArcPosClimax}
	case 3:
		return []model.ArcPosition{model.ArcPosBeginning, model.ArcPosClimax, model.ArcPosResolution}
	default:
		return []model.ArcPosition{model.ArcPosBeginning, model.ArcPosMiddle, model.ArcPosClimax, model.ArcPosResolution}
	}
}

type chapterData struct {
	Story             *model.Story
	Part              *model.Part
	Arc               model.CharacterArc
	ChapterNumber     int
	TotalChapters     int
	ArcPosition       model.ArcPosition
	PreviousAdversity string
	OpenSeeds         []model.Seed
	SeedNote          string
}

// ChapterInput carries everything one chapter generation call needs.
// PreviousAdversity is the previous chapter's createsNextAdversity, empty
// only for the first chapter of the story.
type ChapterInput struct {
	Story             *model.Story
	Part              *model.Part
	Slot              ChapterSlot
	ChapterNumber     int
	TotalChapters     int
	PreviousAdversity string
	IsFirstInStory    bool
}

// GenerateChapter runs the chapter stage for one slot and settles its seed
// section against the ledger. A rejected seed section gets exactly one
// flagged re-invocation; only the seed fields of the retry are merged.
func (g *Generator) GenerateChapter(ctx context.Context, in ChapterInput, ledger seed.Ledger) (*model.Chapter, ai.Usage, error) {
	var total ai.Usage

	open, err := ledger.Unresolved(ctx, in.Story.ID)
	if err != nil {
		return nil, total, fmt.Errorf("failed to list open seeds: %w", err)
	}

	parsed, usage, err := g.generateChapterOnce(ctx, in, open, "")
	total.Add(usage)
	if err != nil {
		return nil, total, err
	}

	chapter := parsed.Chapter
	chapter.ArcPosition = in.Slot.ArcPosition

	if seedErr := vetSeedSection(open, parsed); seedErr != nil {
		note := fmt.Sprintf("seed section rejected: %v", seedErr)
		g.logger.Warn("Chapter seed section rejected, re-invoking",
			zap.String("storyID", in.Story.ID.String()),
			zap.Int("chapter", in.ChapterNumber),
			zap.Error(seedErr))

		retried, usage, err := g.generateChapterOnce(ctx, in, open, note)
		total.Add(usage)
		if err != nil {
			return nil, total, err
		}
		if seedErr := vetSeedSection(open, retried); seedErr != nil {
			return nil, total, fmt.Errorf("seed section rejected twice: %w", seedErr)
		}
		// Keep the narrative fields of the first draft; only the seed
		// section is replaced.
		parsed.PlantedSeeds = retried.PlantedSeeds
		parsed.ResolvedSeeds = retried.ResolvedSeeds
	}

	if err := applySeeds(ctx, ledger, in.Story.ID, &chapter, parsed); err != nil {
		return nil, total, err
	}
	return &chapter, total, nil
}

func (g *Generator) generateChapterOnce(ctx context.Context, in ChapterInput, open []model.Seed, seedNote string) (*schemas.ParsedChapter, ai.Usage, error) {
	var parsed *schemas.ParsedChapter
	usage, err := g.runStage(ctx, in.Story.ID, prompts.StageChapter,
		chapterData{
			Story:             in.Story,
			Part:              in.Part,
			Arc:               in.Slot.Arc,
			ChapterNumber:     in.ChapterNumber,
			TotalChapters:     in.TotalChapters,
			ArcPosition:       in.Slot.ArcPosition,
			PreviousAdversity: in.PreviousAdversity,
			OpenSeeds:         open,
			SeedNote:          seedNote,
		},
		func(text string) error {
			p, err := schemas.ParseChapter(text, in.Part.ID, in.Slot.Arc.ID,
				in.ChapterNumber, in.IsFirstInStory)
			if err != nil {
				return err
			}
			parsed = p
			return nil
		})
	return parsed, usage, err
}

// vetSeedSection validates a parsed chapter's seed section without ledger
// writes: descriptions must be specific, resolutions must reference open
// seeds and resolve each at most once. A violation here costs the single
// flagged re-invocation, never a partial write.
func vetSeedSection(open []model.Seed, parsed *schemas.ParsedChapter) error {
	for _, s := range parsed.PlantedSeeds {
		if err := seed.CheckDescription(s.Description); err != nil {
			return err
		}
	}
	openSet := make(map[uuid.UUID]bool, len(open))
	for _, s := range open {
		openSet[s.ID] = true
	}
	resolved := make(map[uuid.UUID]bool)
	for _, r := range parsed.ResolvedSeeds {
		if resolved[r.SeedID] {
			return fmt.Errorf("%w: %s", seed.ErrAlreadyResolved, r.SeedID)
		}
		if !openSet[r.SeedID] {
			return fmt.Errorf("%w: %s", seed.ErrUnknownSeed, r.SeedID)
		}
		resolved[r.SeedID] = true
	}
	return nil
}

// applySeeds writes a vetted seed section to the ledger and mirrors it
// onto the chapter record.
func applySeeds(ctx context.Context, ledger seed.Ledger, storyID uuid.UUID, chapter *model.Chapter, parsed *schemas.ParsedChapter) error {
	for _, s := range parsed.PlantedSeeds {
		id, err := ledger.Plant(ctx, storyID, chapter.ID, s.Description, s.ExpectedPayoff)
		if err != nil {
			return fmt.Errorf("failed to plant seed: %w", err)
		}
		chapter.PlantedSeeds = append(chapter.PlantedSeeds, model.Seed{
			ID:             id,
			ChapterID:      chapter.ID,
			Description:    s.Description,
			ExpectedPayoff: s.ExpectedPayoff,
		})
	}
	for _, r := range parsed.ResolvedSeeds {
		if err := ledger.Resolve(ctx, r.SeedID, chapter.ID, r.Payoff); err != nil {
			return fmt.Errorf("failed to resolve seed %s: %w", r.SeedID, err)
		}
		chapter.ResolvedSeeds = append(chapter.ResolvedSeeds, model.SeedResolution{
			SeedID:    r.SeedID,
			ChapterID: chapter.ID,
			Payoff:    r.Payoff,
		})
	}
	return nil
}
