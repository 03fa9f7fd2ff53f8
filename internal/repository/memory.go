package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fable-engine/internal/model"
)

// In-process implementations of the repository interfaces, used by unit
// tests and offline runs. Each store is independently safe for
// concurrent use.

// MemoryStoryRepository keeps stories and their characters in a map.
type MemoryStoryRepository struct {
	mu      sync.Mutex
	stories map[uuid.UUID]*model.Story
}

var _ StoryRepository = (*MemoryStoryRepository)(nil)

func NewMemoryStoryRepository() *MemoryStoryRepository {
	return &MemoryStoryRepository{stories: make(map[uuid.UUID]*model.Story)}
}

func (r *MemoryStoryRepository) Create(ctx context.Context, story *model.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *story
	copied.Characters = append([]model.Character(nil), story.Characters...)
	r.stories[story.ID] = &copied
	return nil
}

func (r *MemoryStoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	story, ok := r.stories[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *story
	copied.Characters = append([]model.Character(nil), story.Characters...)
	return &copied, nil
}

func (r *MemoryStoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.StoryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	story, ok := r.stories[id]
	if !ok {
		return ErrNotFound
	}
	story.Status = status
	story.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStoryRepository) UpdateCharacter(ctx context.Context, character *model.Character) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	story, ok := r.stories[character.StoryID]
	if !ok {
		return ErrNotFound
	}
	for i := range story.Characters {
		if story.Characters[i].ID == character.ID {
			story.Characters[i] = *character
			return nil
		}
	}
	return ErrNotFound
}

// MemoryPartRepository keeps parts keyed by story.
type MemoryPartRepository struct {
	mu    sync.Mutex
	parts map[uuid.UUID][]model.Part
}

var _ PartRepository = (*MemoryPartRepository)(nil)

func NewMemoryPartRepository() *MemoryPartRepository {
	return &MemoryPartRepository{parts: make(map[uuid.UUID][]model.Part)}
}

func (r *MemoryPartRepository) Create(ctx context.Context, part *model.Part) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts[part.StoryID] = append(r.parts[part.StoryID], *part)
	return nil
}

func (r *MemoryPartRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]model.Part, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Part(nil), r.parts[storyID]...), nil
}

// MemoryChapterRepository keeps chapters keyed by part.
type MemoryChapterRepository struct {
	mu       sync.Mutex
	chapters map[uuid.UUID][]model.Chapter
}

var _ ChapterRepository = (*MemoryChapterRepository)(nil)

func NewMemoryChapterRepository() *MemoryChapterRepository {
	return &MemoryChapterRepository{chapters: make(map[uuid.UUID][]model.Chapter)}
}

func (r *MemoryChapterRepository) Create(ctx context.Context, chapter *model.Chapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chapters[chapter.PartID] = append(r.chapters[chapter.PartID], *chapter)
	return nil
}

func (r *MemoryChapterRepository) ListByPart(ctx context.Context, partID uuid.UUID) ([]model.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Chapter(nil), r.chapters[partID]...), nil
}

// MemorySceneRepository keeps scenes keyed by chapter.
type MemorySceneRepository struct {
	mu     sync.Mutex
	scenes map[uuid.UUID][]model.Scene
}

var _ SceneRepository = (*MemorySceneRepository)(nil)

func NewMemorySceneRepository() *MemorySceneRepository {
	return &MemorySceneRepository{scenes: make(map[uuid.UUID][]model.Scene)}
}

func (r *MemorySceneRepository) Create(ctx context.Context, scene *model.Scene) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenes[scene.ChapterID] = append(r.scenes[scene.ChapterID], *scene)
	return nil
}

func (r *MemorySceneRepository) UpdateContent(ctx context.Context, sceneID uuid.UUID, content string, wordCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chapterID := range r.scenes {
		for i := range r.scenes[chapterID] {
			if r.scenes[chapterID][i].ID == sceneID {
				r.scenes[chapterID][i].Content = content
				r.scenes[chapterID][i].WordCount = wordCount
				return nil
			}
		}
	}
	return ErrNotFound
}

func (r *MemorySceneRepository) ListByChapter(ctx context.Context, chapterID uuid.UUID) ([]model.Scene, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Scene(nil), r.scenes[chapterID]...), nil
}

// MemoryCheckpointRepository keeps one checkpoint per story.
type MemoryCheckpointRepository struct {
	mu          sync.Mutex
	checkpoints map[uuid.UUID]*model.Checkpoint
}

var _ CheckpointRepository = (*MemoryCheckpointRepository)(nil)

func NewMemoryCheckpointRepository() *MemoryCheckpointRepository {
	return &MemoryCheckpointRepository{checkpoints: make(map[uuid.UUID]*model.Checkpoint)}
}

func (r *MemoryCheckpointRepository) Save(ctx context.Context, cp *model.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *cp
	copied.UpdatedAt = time.Now().UTC()
	if existing, ok := r.checkpoints[cp.StoryID]; ok {
		// RequestCancel wins over a concurrent Save, as in the SQL upsert.
		copied.CancelRequested = copied.CancelRequested || existing.CancelRequested
	}
	r.checkpoints[cp.StoryID] = &copied
	return nil
}

func (r *MemoryCheckpointRepository) Get(ctx context.Context, storyID uuid.UUID) (*model.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.checkpoints[storyID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cp
	return &copied, nil
}

func (r *MemoryCheckpointRepository) RequestCancel(ctx context.Context, storyID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.checkpoints[storyID]
	if !ok {
		return ErrNotFound
	}
	cp.CancelRequested = true
	return nil
}

func (r *MemoryCheckpointRepository) ClearCancel(ctx context.Context, storyID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.checkpoints[storyID]
	if !ok {
		return ErrNotFound
	}
	cp.CancelRequested = false
	return nil
}

// MemoryAuditRepository appends audit records to a slice.
type MemoryAuditRepository struct {
	mu      sync.Mutex
	records []model.AuditRecord
}

var _ AuditRepository = (*MemoryAuditRepository)(nil)

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) Append(ctx context.Context, rec *model.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

// Records returns a copy of the appended audit log.
func (r *MemoryAuditRepository) Records() []model.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AuditRecord(nil), r.records...)
}
