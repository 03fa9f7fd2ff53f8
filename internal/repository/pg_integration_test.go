package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"fable-engine/internal/model"
	"fable-engine/internal/repository"
	"fable-engine/internal/seed"
)

// RepositoryIntegrationSuite runs the PostgreSQL repositories against a
// throwaway container with the real migrations applied.
type RepositoryIntegrationSuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	pool        *pgxpool.Pool
	logger      *zap.Logger
}

func TestRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	suite.Run(t, new(RepositoryIntegrationSuite))
}

func (s *RepositoryIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = zap.NewNop()

	var err error
	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("fable_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")

	dsn, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	require.NoError(s.T(), repository.Migrate(dsn, s.logger))

	s.pool, err = pgxpool.New(s.ctx, dsn)
	require.NoError(s.T(), err)
}

func (s *RepositoryIntegrationSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(s.ctx)
	}
}

func (s *RepositoryIntegrationSuite) newStory() *model.Story {
	id := uuid.New()
	return &model.Story{
		ID:             id,
		Premise:        "A fishing village where every debt is remembered in knotted cord.",
		Genre:          "literary fantasy",
		Tone:           "somber",
		MoralFramework: "generosity against scarcity",
		Status:         model.StoryStatusGenerating,
		Characters: []model.Character{
			{ID: uuid.New(), StoryID: id, Name: "Mira", CoreTrait: "steadfast",
				InternalFlaw: "Cannot accept help because her mentor's help once cost a life",
				ExternalGoal: "keep the boat"},
			{ID: uuid.New(), StoryID: id, Name: "Joon", CoreTrait: "curious",
				InternalFlaw: "Hoards kindness since the famine took his brother",
				ExternalGoal: "leave the village"},
		},
	}
}

func (s *RepositoryIntegrationSuite) TestStoryRoundtrip() {
	stories := repository.NewPgStoryRepository(s.pool, s.logger)
	story := s.newStory()

	s.Require().NoError(stories.Create(s.ctx, story))

	loaded, err := stories.GetByID(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(story.Premise, loaded.Premise)
	s.Len(loaded.Characters, 2)

	// Expansion fields update without touching identity.
	character := story.Characters[0]
	character.Backstory = "Raised on the north quay."
	character.Voice = "clipped"
	s.Require().NoError(stories.UpdateCharacter(s.ctx, &character))

	s.Require().NoError(stories.UpdateStatus(s.ctx, story.ID, model.StoryStatusComplete))

	loaded, err = stories.GetByID(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(model.StoryStatusComplete, loaded.Status)
	s.Equal("Raised on the north quay.", loaded.Characters[0].Backstory)
	s.Equal("Mira", loaded.Characters[0].Name)
}

func (s *RepositoryIntegrationSuite) TestStoryNotFound() {
	stories := repository.NewPgStoryRepository(s.pool, s.logger)
	_, err := stories.GetByID(s.ctx, uuid.New())
	s.ErrorIs(err, repository.ErrNotFound)
}

func (s *RepositoryIntegrationSuite) TestTreePersistence() {
	stories := repository.NewPgStoryRepository(s.pool, s.logger)
	parts := repository.NewPgPartRepository(s.pool, s.logger)
	chapters := repository.NewPgChapterRepository(s.pool, s.logger)
	scenes := repository.NewPgSceneRepository(s.pool, s.logger)

	story := s.newStory()
	s.Require().NoError(stories.Create(s.ctx, story))

	part := &model.Part{
		ID: uuid.New(), StoryID: story.ID, Index: 1, Title: "Act I",
		Summary: "s", IsLowestPoint: false,
		Arcs: []model.CharacterArc{{
			ID: uuid.New(), CharacterID: story.Characters[0].ID,
			CharacterName: "Mira", EstimatedChapters: 2, Class: model.ArcPrimary,
			Macro: model.Cycle{Adversity: "a", Virtue: "v", Consequence: "c", NewAdversity: "n"},
		}},
	}
	part.Arcs[0].PartID = part.ID
	s.Require().NoError(parts.Create(s.ctx, part))

	listed, err := parts.ListByStory(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Require().Len(listed, 1)
	s.Require().Len(listed[0].Arcs, 1)
	s.Equal("a", listed[0].Arcs[0].Macro.Adversity)

	chapter := &model.Chapter{
		ID: uuid.New(), PartID: part.ID, CharacterArcID: part.Arcs[0].ID,
		Index: 1, Title: "Ch 1", Summary: "sum",
		Micro:                model.Cycle{Adversity: "a", Virtue: "v", Consequence: "c", NewAdversity: "n"},
		ArcPosition:          model.ArcPosBeginning,
		CreatesNextAdversity: "the collector notices the missing grain",
	}
	s.Require().NoError(chapters.Create(s.ctx, chapter))

	chs, err := chapters.ListByPart(s.ctx, part.ID)
	s.Require().NoError(err)
	s.Require().Len(chs, 1)
	s.Equal(model.ArcPosBeginning, chs[0].ArcPosition)

	scene := &model.Scene{
		ID: uuid.New(), ChapterID: chapter.ID, Index: 1, Title: "The Quay",
		Spec: model.SceneSpec{
			Summary:        "s",
			SensoryAnchors: []string{"salt", "rope"},
			DialogueRatio:  "low",
			LengthClass:    model.LengthShort,
		},
		Phase:         model.PhaseSetup,
		EmotionalBeat: "dread",
	}
	s.Require().NoError(scenes.Create(s.ctx, scene))
	s.Require().NoError(scenes.UpdateContent(s.ctx, scene.ID, "The tide was out.", 4))

	scs, err := scenes.ListByChapter(s.ctx, chapter.ID)
	s.Require().NoError(err)
	s.Require().Len(scs, 1)
	s.Equal("The tide was out.", scs[0].Content)
	s.Equal(4, scs[0].WordCount)
	s.Equal([]string{"salt", "rope"}, scs[0].Spec.SensoryAnchors)
}

func (s *RepositoryIntegrationSuite) TestCheckpointLifecycle() {
	checkpoints := repository.NewPgCheckpointRepository(s.pool, s.logger)
	storyID := uuid.New()

	s.Require().NoError(checkpoints.Save(s.ctx, &model.Checkpoint{
		StoryID: storyID, Phase: model.PhaseSummarizing,
	}))
	s.Require().NoError(checkpoints.RequestCancel(s.ctx, storyID))

	// A later upsert must not lower a concurrent cancel request.
	s.Require().NoError(checkpoints.Save(s.ctx, &model.Checkpoint{
		StoryID: storyID, Phase: model.PhaseChaptersPending, ActIndex: 1, ChapterIndex: 2,
	}))
	cp, err := checkpoints.Get(s.ctx, storyID)
	s.Require().NoError(err)
	s.Equal(model.PhaseChaptersPending, cp.Phase)
	s.True(cp.CancelRequested)

	s.Require().NoError(checkpoints.ClearCancel(s.ctx, storyID))
	cp, err = checkpoints.Get(s.ctx, storyID)
	s.Require().NoError(err)
	s.False(cp.CancelRequested)

	s.ErrorIs(checkpoints.RequestCancel(s.ctx, uuid.New()), repository.ErrNotFound)
}

func (s *RepositoryIntegrationSuite) TestSeedLedger() {
	stories := repository.NewPgStoryRepository(s.pool, s.logger)
	parts := repository.NewPgPartRepository(s.pool, s.logger)
	chapters := repository.NewPgChapterRepository(s.pool, s.logger)
	ledger := seed.NewPgLedger(s.pool, s.logger)

	story := s.newStory()
	s.Require().NoError(stories.Create(s.ctx, story))
	part := &model.Part{ID: uuid.New(), StoryID: story.ID, Index: 1, Title: "Act I", Arcs: []model.CharacterArc{{
		ID: uuid.New(), CharacterID: story.Characters[0].ID, CharacterName: "Mira",
		EstimatedChapters: 2, Class: model.ArcPrimary,
	}}}
	part.Arcs[0].PartID = part.ID
	s.Require().NoError(parts.Create(s.ctx, part))
	chapterA := &model.Chapter{ID: uuid.New(), PartID: part.ID, CharacterArcID: part.Arcs[0].ID,
		Index: 1, Summary: "s", ArcPosition: model.ArcPosBeginning, CreatesNextAdversity: "n"}
	chapterB := &model.Chapter{ID: uuid.New(), PartID: part.ID, CharacterArcID: part.Arcs[0].ID,
		Index: 2, Summary: "s", ArcPosition: model.ArcPosClimax, ConnectsToPrevious: "link", CreatesNextAdversity: "n"}
	s.Require().NoError(chapters.Create(s.ctx, chapterA))
	s.Require().NoError(chapters.Create(s.ctx, chapterB))

	first, err := ledger.Plant(s.ctx, story.ID, chapterA.ID,
		"hides the deserter's letters inside the chapel organ", "the letters surface at the trial")
	s.Require().NoError(err)
	second, err := ledger.Plant(s.ctx, story.ID, chapterA.ID,
		"promises the widow first pick of the spring lambs", "the lambs seal the alliance")
	s.Require().NoError(err)

	s.Require().NoError(ledger.Resolve(s.ctx, first, chapterB.ID, "her testimony frees him"))
	s.ErrorIs(ledger.Resolve(s.ctx, first, chapterB.ID, "again"), seed.ErrAlreadyResolved)
	s.ErrorIs(ledger.Resolve(s.ctx, uuid.New(), chapterB.ID, "payoff"), seed.ErrUnknownSeed)

	rate, err := ledger.ResolutionRate(s.ctx, story.ID)
	s.Require().NoError(err)
	s.InDelta(0.5, rate, 1e-9)

	open, err := ledger.Unresolved(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.Equal(second, open[0].ID)

	// Chapter reads rejoin the seed rows.
	chs, err := chapters.ListByPart(s.ctx, part.ID)
	s.Require().NoError(err)
	s.Require().Len(chs, 2)
	s.Len(chs[0].PlantedSeeds, 2)
	s.Len(chs[1].ResolvedSeeds, 1)
}

func (s *RepositoryIntegrationSuite) TestAuditAppend() {
	audit := repository.NewPgAuditRepository(s.pool, s.logger)
	stories := repository.NewPgStoryRepository(s.pool, s.logger)
	story := s.newStory()
	s.Require().NoError(stories.Create(s.ctx, story))

	s.Require().NoError(audit.Append(s.ctx, &model.AuditRecord{
		ID:               uuid.New(),
		StoryID:          story.ID,
		Stage:            "story_summary",
		InputHash:        "deadbeef",
		Attempts:         2,
		PromptTokens:     120,
		CompletionTokens: 300,
		EstimatedCostUSD: 0.00013,
		DurationMs:       1800,
	}))
}
