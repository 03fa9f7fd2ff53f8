// Package repository is the persistence boundary for the story tree and
// the generation bookkeeping. Contract with the pipeline: a write
// completes before the next stage reads it; no transactional guarantees
// across entities are offered or needed.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"fable-engine/internal/model"
)

// ErrNotFound is returned for reads of records that do not exist.
var ErrNotFound = errors.New("record not found")

// StoryRepository persists stories together with their characters.
type StoryRepository interface {
	Create(ctx context.Context, story *model.Story) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Story, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.StoryStatus) error
	// UpdateCharacter writes a character's expansion fields.
	UpdateCharacter(ctx context.Context, character *model.Character) error
}

// PartRepository persists parts together with their character arcs.
type PartRepository interface {
	Create(ctx context.Context, part *model.Part) error
	ListByStory(ctx context.Context, storyID uuid.UUID) ([]model.Part, error)
}

// ChapterRepository persists chapters. Seed rows live with the ledger;
// list reads rejoin them so callers see the full chapter record.
type ChapterRepository interface {
	Create(ctx context.Context, chapter *model.Chapter) error
	ListByPart(ctx context.Context, partID uuid.UUID) ([]model.Chapter, error)
}

// SceneRepository persists scenes. Content is written separately from the
// specification so prose can be regenerated without touching the plan.
type SceneRepository interface {
	Create(ctx context.Context, scene *model.Scene) error
	UpdateContent(ctx context.Context, sceneID uuid.UUID, content string, wordCount int) error
	ListByChapter(ctx context.Context, chapterID uuid.UUID) ([]model.Scene, error)
}

// CheckpointRepository persists the orchestrator's cursor. Save is an
// upsert; RequestCancel flips a flag the orchestrator polls between stage
// boundaries.
type CheckpointRepository interface {
	Save(ctx context.Context, cp *model.Checkpoint) error
	Get(ctx context.Context, storyID uuid.UUID) (*model.Checkpoint, error)
	RequestCancel(ctx context.Context, storyID uuid.UUID) error
	// ClearCancel drops a stale cancel flag before a resume. Save never
	// touches the flag, so this is the only way to lower it.
	ClearCancel(ctx context.Context, storyID uuid.UUID) error
}

// AuditRepository appends generation audit records. Used for cost
// tracking, not correctness; append failures are logged, never fatal.
type AuditRepository interface {
	Append(ctx context.Context, rec *model.AuditRecord) error
}
