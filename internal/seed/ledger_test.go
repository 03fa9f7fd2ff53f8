package seed

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDescription(t *testing.T) {
	t.Run("specific description passes", func(t *testing.T) {
		assert.NoError(t, CheckDescription("gives late husband's watch to veteran Marcus"))
	})

	t.Run("empty rejected", func(t *testing.T) {
		assert.ErrorIs(t, CheckDescription("   "), ErrVagueSeed)
	})

	t.Run("vague template rejected", func(t *testing.T) {
		for _, desc := range []string{
			"Mira is kind to a stranger on the road",
			"Joon does a good deed at the market",
			"she shows kindness",
		} {
			assert.ErrorIs(t, CheckDescription(desc), ErrVagueSeed, desc)
		}
	})

	t.Run("too short to name a recipient", func(t *testing.T) {
		assert.ErrorIs(t, CheckDescription("gives watch"), ErrVagueSeed)
	})
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	storyID := uuid.New()
	chapterA := uuid.New()
	chapterB := uuid.New()

	t.Run("plant and resolve once", func(t *testing.T) {
		ledger := NewMemoryLedger()

		seedID, err := ledger.Plant(ctx, storyID, chapterA,
			"shelters the tax collector's daughter during the storm", "she repays the debt at the trial")
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, seedID)

		require.NoError(t, ledger.Resolve(ctx, seedID, chapterB, "her testimony frees him"))
		assert.ErrorIs(t, ledger.Resolve(ctx, seedID, chapterB, "again"), ErrAlreadyResolved)
	})

	t.Run("resolving an unknown seed fails", func(t *testing.T) {
		ledger := NewMemoryLedger()
		assert.ErrorIs(t, ledger.Resolve(ctx, uuid.New(), chapterB, "payoff"), ErrUnknownSeed)
	})

	t.Run("vague description refused at plant time", func(t *testing.T) {
		ledger := NewMemoryLedger()
		_, err := ledger.Plant(ctx, storyID, chapterA, "helps someone", "payoff")
		assert.ErrorIs(t, err, ErrVagueSeed)
	})

	t.Run("resolution rate", func(t *testing.T) {
		ledger := NewMemoryLedger()

		rate, err := ledger.ResolutionRate(ctx, storyID)
		require.NoError(t, err)
		assert.Zero(t, rate)

		var ids []uuid.UUID
		for _, desc := range []string{
			"buries the signet ring beneath the oak at the crossroads",
			"teaches the ferryman's son to read the tide charts",
			"leaves the granary door unbarred for the refugees",
			"mends the rival smith's broken bellows overnight",
		} {
			id, err := ledger.Plant(ctx, storyID, chapterA, desc, "payoff")
			require.NoError(t, err)
			ids = append(ids, id)
		}
		require.NoError(t, ledger.Resolve(ctx, ids[0], chapterB, "the ring proves his claim"))
		require.NoError(t, ledger.Resolve(ctx, ids[1], chapterB, "the boy reads the warning in time"))
		require.NoError(t, ledger.Resolve(ctx, ids[2], chapterB, "the refugees return the favor"))

		rate, err = ledger.ResolutionRate(ctx, storyID)
		require.NoError(t, err)
		assert.InDelta(t, 0.75, rate, 1e-9)
	})

	t.Run("unresolved keeps planting order", func(t *testing.T) {
		ledger := NewMemoryLedger()

		first, err := ledger.Plant(ctx, storyID, chapterA,
			"hides the deserter's letters inside the chapel organ", "payoff")
		require.NoError(t, err)
		second, err := ledger.Plant(ctx, storyID, chapterA,
			"promises the widow first pick of the spring lambs", "payoff")
		require.NoError(t, err)
		third, err := ledger.Plant(ctx, storyID, chapterB,
			"carves his brother's name into the new keel", "payoff")
		require.NoError(t, err)

		require.NoError(t, ledger.Resolve(ctx, second, chapterB, "the lambs seal the alliance"))

		open, err := ledger.Unresolved(ctx, storyID)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, first, open[0].ID)
		assert.Equal(t, third, open[1].ID)
	})

	t.Run("stories are isolated", func(t *testing.T) {
		ledger := NewMemoryLedger()
		otherStory := uuid.New()
		_, err := ledger.Plant(ctx, storyID, chapterA,
			"smuggles seed grain past the blockade for the valley farms", "payoff")
		require.NoError(t, err)

		open, err := ledger.Unresolved(ctx, otherStory)
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}
