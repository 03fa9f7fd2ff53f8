package evaluate

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fable-engine/internal/model"
	"fable-engine/internal/seed"
)

func filler(words int) string {
	return strings.TrimSpace(strings.Repeat("word ", words))
}

// cleanInput builds a minimal tree that passes every structural check:
// one part, two arcs with one chapter each, five in-band scenes per chapter.
func cleanInput(storyID uuid.UUID) Input {
	part := model.Part{ID: uuid.New(), StoryID: storyID, Index: 1}
	arcA, arcB := uuid.New(), uuid.New()

	chapters := []model.Chapter{
		{ID: uuid.New(), PartID: part.ID, CharacterArcID: arcA, Index: 1, ArcPosition: model.ArcPosClimax},
		{ID: uuid.New(), PartID: part.ID, CharacterArcID: arcB, Index: 2, ArcPosition: model.ArcPosClimax, ConnectsToPrevious: "link"},
	}

	scenes := make(map[uuid.UUID][]model.Scene)
	for _, ch := range chapters {
		scenes[ch.ID] = []model.Scene{
			{ID: uuid.New(), ChapterID: ch.ID, Index: 1, Phase: model.PhaseSetup,
				Spec: model.SceneSpec{LengthClass: model.LengthShort}, Content: filler(400), WordCount: 400},
			{ID: uuid.New(), ChapterID: ch.ID, Index: 2, Phase: model.PhaseConfrontation,
				Spec: model.SceneSpec{LengthClass: model.LengthMedium}, Content: filler(600), WordCount: 600},
			{ID: uuid.New(), ChapterID: ch.ID, Index: 3, Phase: model.PhaseVirtue,
				Spec: model.SceneSpec{LengthClass: model.LengthLong}, Content: filler(900), WordCount: 900},
			{ID: uuid.New(), ChapterID: ch.ID, Index: 4, Phase: model.PhaseConsequence,
				Spec: model.SceneSpec{LengthClass: model.LengthMedium}, Content: filler(600), WordCount: 600},
			{ID: uuid.New(), ChapterID: ch.ID, Index: 5, Phase: model.PhaseTransition,
				Spec: model.SceneSpec{LengthClass: model.LengthShort}, Content: filler(400), WordCount: 400},
		}
	}

	return Input{
		Story:    &model.Story{ID: storyID},
		Parts:    []model.Part{part},
		Chapters: map[uuid.UUID][]model.Chapter{part.ID: chapters},
		Scenes:   scenes,
	}
}

// seedLedgerWithRate plants four seeds and resolves three, landing the
// resolution rate at 0.75.
func seedLedgerWithRate(t *testing.T, storyID uuid.UUID) seed.Ledger {
	t.Helper()
	ctx := context.Background()
	ledger := seed.NewMemoryLedger()
	chapterID := uuid.New()
	var ids []uuid.UUID
	for _, desc := range []string{
		"buries the signet ring beneath the oak at the crossroads",
		"teaches the ferryman's son to read the tide charts",
		"leaves the granary door unbarred for the refugees",
		"mends the rival smith's broken bellows overnight",
	} {
		id, err := ledger.Plant(ctx, storyID, chapterID, desc, "payoff")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids[:3] {
		require.NoError(t, ledger.Resolve(ctx, id, chapterID, "payoff lands"))
	}
	return ledger
}

func TestEvaluateCleanStory(t *testing.T) {
	storyID := uuid.New()
	e := New(seedLedgerWithRate(t, storyID), zap.NewNop())

	report, err := e.Evaluate(context.Background(), cleanInput(storyID))
	require.NoError(t, err)

	assert.Empty(t, report.Findings)
	assert.Equal(t, 4.0, report.CausalCoherence)
	assert.Equal(t, 4.0, report.EmotionalCraft)
	assert.Equal(t, 4.0, report.StructuralIntegrity)
	assert.InDelta(t, 0.75, report.SeedResolutionRate, 1e-9)
	assert.False(t, report.NeedsRevision())
}

func TestEvaluateFlagsTransactionalVirtueScene(t *testing.T) {
	storyID := uuid.New()
	in := cleanInput(storyID)

	chapters := in.Chapters[in.Parts[0].ID]
	scenes := in.Scenes[chapters[0].ID]
	scenes[2].Content = "She gave him the watch in order to win his trust. " + filler(890)

	e := New(seedLedgerWithRate(t, storyID), zap.NewNop())
	report, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, FlagTransactionalLanguage, report.Findings[0].Flag)
	assert.Equal(t, scenes[2].ID, report.Findings[0].SceneID)
	assert.Equal(t, 3.0, report.EmotionalCraft)

	// One bad virtue scene triggers revision even though the story mean
	// stays above the bar: the revision gate is per scene.
	assert.Greater(t, report.Overall, 3.0)
	assert.InDelta(t, 7.0/3.0, report.SceneOverall(scenes[2].ID), 1e-9)
	assert.Equal(t, 4.0, report.SceneOverall(scenes[0].ID))
	assert.True(t, report.NeedsRevision())

	sceneFindings := report.SceneFindings(scenes[2].ID)
	require.Len(t, sceneFindings, 1)
	assert.Contains(t, Corrections(sceneFindings), "transactionally")
}

func TestEvaluateFlagsDeusExMachina(t *testing.T) {
	storyID := uuid.New()
	in := cleanInput(storyID)

	chapters := in.Chapters[in.Parts[0].ID]
	scenes := in.Scenes[chapters[0].ID]
	scenes[3].Content = "A rescue party suddenly appeared on the ridge. " + filler(590)

	e := New(seedLedgerWithRate(t, storyID), zap.NewNop())
	report, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, FlagDeusExMachinaRisk, report.Findings[0].Flag)
	assert.Equal(t, 3.0, report.CausalCoherence)
}

func TestEvaluateFlagsResolutionRateOutOfBand(t *testing.T) {
	storyID := uuid.New()
	ctx := context.Background()

	// Nothing resolved: rate 0.
	ledger := seed.NewMemoryLedger()
	_, err := ledger.Plant(ctx, storyID, uuid.New(),
		"buries the signet ring beneath the oak at the crossroads", "payoff")
	require.NoError(t, err)

	e := New(ledger, zap.NewNop())
	report, err := e.Evaluate(ctx, cleanInput(storyID))
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, FlagSeedResolutionOutOfBand, report.Findings[0].Flag)
	assert.Equal(t, 3.5, report.CausalCoherence)
}

func TestEvaluateSkipsRateBandWhenNothingPlanted(t *testing.T) {
	storyID := uuid.New()

	// An empty ledger reports rate 0; with no seeds there is no rate to
	// judge, so the band check stays silent.
	e := New(seed.NewMemoryLedger(), zap.NewNop())
	report, err := e.Evaluate(context.Background(), cleanInput(storyID))
	require.NoError(t, err)

	assert.Empty(t, report.Findings)
	assert.Equal(t, 4.0, report.CausalCoherence)
	assert.False(t, report.NeedsRevision())
}

func TestEvaluateFlagsWordBandMiss(t *testing.T) {
	storyID := uuid.New()
	in := cleanInput(storyID)

	chapters := in.Chapters[in.Parts[0].ID]
	scenes := in.Scenes[chapters[0].ID]
	scenes[0].Content = filler(600)
	scenes[0].WordCount = 600 // short scene

	e := New(seedLedgerWithRate(t, storyID), zap.NewNop())
	report, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, FlagWordBandMiss, report.Findings[0].Flag)
	assert.Equal(t, 3.75, report.StructuralIntegrity)

	// A lone band miss already got its corrective regeneration at write
	// time; it scores above the bar and earns no second rewrite.
	assert.InDelta(t, 11.0/3.0, report.SceneOverall(scenes[0].ID), 1e-9)
	assert.False(t, report.NeedsRevision())
}

func TestEvaluateFlagsStructureViolations(t *testing.T) {
	storyID := uuid.New()
	in := cleanInput(storyID)

	chapters := in.Chapters[in.Parts[0].ID]
	// Drop the virtue scene from chapter one and break the chapter link.
	in.Scenes[chapters[0].ID] = append(
		in.Scenes[chapters[0].ID][:2], in.Scenes[chapters[0].ID][3:]...)
	chapters[1].ConnectsToPrevious = ""

	e := New(seedLedgerWithRate(t, storyID), zap.NewNop())
	report, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)

	var flags []Flag
	for _, f := range report.Findings {
		flags = append(flags, f.Flag)
	}
	assert.Contains(t, flags, FlagStructure)
	assert.Equal(t, 2.5, report.StructuralIntegrity)
}

func TestNeedsRevisionThreshold(t *testing.T) {
	storyID := uuid.New()
	in := cleanInput(storyID)

	// Pile on enough defects to push the overall mean under 3.0.
	chapters := in.Chapters[in.Parts[0].ID]
	for _, ch := range chapters {
		scenes := in.Scenes[ch.ID]
		scenes[2].Content = "He paid the toll hoping to be remembered kindly. " + filler(890)
		scenes[3].Content = "Gold arrived out of nowhere. " + filler(595)
	}

	e := New(seedLedgerWithRate(t, storyID), zap.NewNop())
	report, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 2.0, report.EmotionalCraft)
	assert.Equal(t, 2.0, report.CausalCoherence)
	assert.Equal(t, 4.0, report.StructuralIntegrity)
	assert.True(t, report.NeedsRevision())
	assert.Len(t, report.Findings, 4)
}

func TestCorrectionsEmpty(t *testing.T) {
	assert.Empty(t, Corrections(nil))
}
