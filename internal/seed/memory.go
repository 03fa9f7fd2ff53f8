package seed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fable-engine/internal/model"
)

// memoryLedger is an in-process Ledger used by tests and offline runs.
type memoryLedger struct {
	mu          sync.Mutex
	seeds       map[uuid.UUID]*model.Seed
	resolutions map[uuid.UUID]*model.SeedResolution
	byStory     map[uuid.UUID][]uuid.UUID // planting order
}

// NewMemoryLedger creates an empty in-memory Ledger.
func NewMemoryLedger() Ledger {
	return &memoryLedger{
		seeds:       make(map[uuid.UUID]*model.Seed),
		resolutions: make(map[uuid.UUID]*model.SeedResolution),
		byStory:     make(map[uuid.UUID][]uuid.UUID),
	}
}

func (l *memoryLedger) Plant(_ context.Context, storyID, chapterID uuid.UUID, description, expectedPayoff string) (uuid.UUID, error) {
	if err := CheckDescription(description); err != nil {
		return uuid.Nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := &model.Seed{
		ID:             uuid.New(),
		ChapterID:      chapterID,
		Description:    description,
		ExpectedPayoff: expectedPayoff,
		PlantedAt:      time.Now().UTC(),
	}
	l.seeds[s.ID] = s
	l.byStory[storyID] = append(l.byStory[storyID], s.ID)
	return s.ID, nil
}

func (l *memoryLedger) Resolve(_ context.Context, seedID, chapterID uuid.UUID, payoff string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seeds[seedID]; !ok {
		return ErrUnknownSeed
	}
	if _, ok := l.resolutions[seedID]; ok {
		return ErrAlreadyResolved
	}
	l.resolutions[seedID] = &model.SeedResolution{
		SeedID:     seedID,
		ChapterID:  chapterID,
		Payoff:     payoff,
		ResolvedAt: time.Now().UTC(),
	}
	return nil
}

func (l *memoryLedger) ResolutionRate(_ context.Context, storyID uuid.UUID) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	planted := l.byStory[storyID]
	if len(planted) == 0 {
		return 0, nil
	}
	resolved := 0
	for _, id := range planted {
		if _, ok := l.resolutions[id]; ok {
			resolved++
		}
	}
	return float64(resolved) / float64(len(planted)), nil
}

func (l *memoryLedger) Unresolved(_ context.Context, storyID uuid.UUID) ([]model.Seed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.Seed
	for _, id := range l.byStory[storyID] {
		if _, ok := l.resolutions[id]; ok {
			continue
		}
		out = append(out, *l.seeds[id])
	}
	return out, nil
}
