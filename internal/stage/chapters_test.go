package stage

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fable-engine/internal/ai"
	"fable-engine/internal/mocks"
	"fable-engine/internal/model"
	"fable-engine/internal/seed"
)

func TestPlanChapters(t *testing.T) {
	primary := model.CharacterArc{ID: uuid.New(), CharacterName: "Mira", Class: model.ArcPrimary, EstimatedChapters: 3}
	secondary := model.CharacterArc{ID: uuid.New(), CharacterName: "Joon", Class: model.ArcSecondary, EstimatedChapters: 2}
	// Secondary listed first; the plan must still lead with the primary arc.
	part := &model.Part{ID: uuid.New(), Index: 1, Arcs: []model.CharacterArc{secondary, primary}}

	slots := PlanChapters(part)
	require.Len(t, slots, 5)

	assert.Equal(t, primary.ID, slots[0].Arc.ID)
	assert.Equal(t, secondary.ID, slots[1].Arc.ID)
	assert.Equal(t, primary.ID, slots[2].Arc.ID)
	assert.Equal(t, secondary.ID, slots[3].Arc.ID)
	assert.Equal(t, primary.ID, slots[4].Arc.ID)

	assert.Equal(t, model.ArcPosBeginning, slots[0].ArcPosition)
	assert.Equal(t, model.ArcPosClimax, slots[2].ArcPosition)
	assert.Equal(t, model.ArcPosResolution, slots[4].ArcPosition)
	assert.Equal(t, model.ArcPosClimax, slots[3].ArcPosition)

	// The planned schedule satisfies the assembled-part invariants.
	chapters := make([]model.Chapter, len(slots))
	for i, slot := range slots {
		chapters[i] = model.Chapter{
			Index:              i + 1,
			CharacterArcID:     slot.Arc.ID,
			ArcPosition:        slot.ArcPosition,
			ConnectsToPrevious: "link",
		}
	}
	assert.NoError(t, model.ValidateChapterSequence(chapters))
}

func TestPlanChaptersIsDeterministic(t *testing.T) {
	part := &model.Part{ID: uuid.New(), Arcs: []model.CharacterArc{
		{ID: uuid.New(), Class: model.ArcPrimary, EstimatedChapters: 4},
		{ID: uuid.New(), Class: model.ArcSecondary, EstimatedChapters: 3},
		{ID: uuid.New(), Class: model.ArcSecondary, EstimatedChapters: 2},
	}}
	first := PlanChapters(part)
	second := PlanChapters(part)
	assert.Equal(t, first, second)
}

func chapterResponse(resolvedSeedID string) string {
	resolved := "[]"
	if resolvedSeedID != "" {
		resolved = fmt.Sprintf(`[{"seedId":%q,"payoff":"the favor comes back"}]`, resolvedSeedID)
	}
	return fmt.Sprintf(`{
		"title": "The Unbarred Door",
		"summary": "Mira shelters the collector's daughter.",
		"cycle": {"adversity":"a","virtue":"v","consequence":"c","newAdversity":"n"},
		"plantedSeeds": [{"description":"leaves the granary door unbarred for the refugees","expectedPayoff":"the refugees return the favor"}],
		"resolvedSeeds": %s,
		"connectsToPreviousChapter": "picks up from the storm",
		"createsNextAdversity": "the collector notices the missing grain"
	}`, resolved)
}

func chapterInput() ChapterInput {
	story := &model.Story{ID: uuid.New(), Premise: "p"}
	arc := model.CharacterArc{ID: uuid.New(), CharacterName: "Mira", Class: model.ArcPrimary, EstimatedChapters: 2}
	part := &model.Part{ID: uuid.New(), StoryID: story.ID, Index: 1, Arcs: []model.CharacterArc{arc}}
	return ChapterInput{
		Story:             story,
		Part:              part,
		Slot:              ChapterSlot{Arc: arc, ArcPosition: model.ArcPosBeginning},
		ChapterNumber:     2,
		TotalChapters:     5,
		PreviousAdversity: "the storm took the nets",
	}
}

func TestGenerateChapterAppliesSeedSection(t *testing.T) {
	ctx := context.Background()
	in := chapterInput()
	ledger := seed.NewMemoryLedger()
	openID, err := ledger.Plant(ctx, in.Story.ID, uuid.New(),
		"hides the deserter's letters inside the chapel organ", "the letters surface at the trial")
	require.NoError(t, err)

	client := mocks.NewMockAIClient(t)
	client.On("Generate", mock.Anything, mock.Anything).
		Return(ai.Response{Text: chapterResponse(openID.String())}, nil).Once()

	gen, _ := newTestGenerator(t, client)
	chapter, _, err := gen.GenerateChapter(ctx, in, ledger)
	require.NoError(t, err)

	assert.Equal(t, model.ArcPosBeginning, chapter.ArcPosition)
	require.Len(t, chapter.PlantedSeeds, 1)
	require.Len(t, chapter.ResolvedSeeds, 1)
	assert.Equal(t, openID, chapter.ResolvedSeeds[0].SeedID)

	// The ledger no longer lists the resolved seed; the new plant is open.
	open, err := ledger.Unresolved(ctx, in.Story.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, chapter.PlantedSeeds[0].ID, open[0].ID)
}

func TestGenerateChapterRetriesRejectedSeedSection(t *testing.T) {
	ctx := context.Background()
	in := chapterInput()
	ledger := seed.NewMemoryLedger()
	openID, err := ledger.Plant(ctx, in.Story.ID, uuid.New(),
		"hides the deserter's letters inside the chapel organ", "the letters surface at the trial")
	require.NoError(t, err)

	client := mocks.NewMockAIClient(t)
	// First draft resolves a seed that was never planted.
	client.On("Generate", mock.Anything, mock.Anything).
		Return(ai.Response{Text: chapterResponse(uuid.NewString())}, nil).Once()
	client.On("Generate", mock.Anything, mock.Anything).
		Return(ai.Response{Text: chapterResponse(openID.String())}, nil).Once()

	gen, _ := newTestGenerator(t, client)
	chapter, _, err := gen.GenerateChapter(ctx, in, ledger)
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "Generate", 2)

	// Only the retry's seed section was merged; nothing from the rejected
	// draft reached the ledger.
	require.Len(t, chapter.ResolvedSeeds, 1)
	assert.Equal(t, openID, chapter.ResolvedSeeds[0].SeedID)
	rate, err := ledger.ResolutionRate(ctx, in.Story.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rate, 1e-9)
}

func TestGenerateChapterSeedSectionRejectedTwice(t *testing.T) {
	ctx := context.Background()
	in := chapterInput()
	ledger := seed.NewMemoryLedger()

	client := mocks.NewMockAIClient(t)
	client.On("Generate", mock.Anything, mock.Anything).
		Return(ai.Response{Text: chapterResponse(uuid.NewString())}, nil).Twice()

	gen, _ := newTestGenerator(t, client)
	_, _, err := gen.GenerateChapter(ctx, in, ledger)
	assert.ErrorIs(t, err, seed.ErrUnknownSeed)
	client.AssertNumberOfCalls(t, "Generate", 2)

	rate, err := ledger.ResolutionRate(ctx, in.Story.ID)
	require.NoError(t, err)
	assert.Zero(t, rate)
}
