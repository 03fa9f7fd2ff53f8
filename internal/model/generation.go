package model

import (
	"time"

	"github.com/google/uuid"
)

// GenerationPhase is one state of the orchestrator's state machine.
type GenerationPhase string

const (
	PhaseSummarizing     GenerationPhase = "summarizing"
	PhaseExpandingCast   GenerationPhase = "expanding_cast"
	PhasePartsPending    GenerationPhase = "parts_pending"
	PhaseChaptersPending GenerationPhase = "chapters_pending"
	PhaseScenesPending   GenerationPhase = "scenes_pending"
	PhaseContentPending  GenerationPhase = "content_pending"
	PhaseEvaluating      GenerationPhase = "evaluating"
	PhaseComplete        GenerationPhase = "complete"
	PhaseFailed          GenerationPhase = "failed"
	PhaseCancelled       GenerationPhase = "cancelled"
)

// Checkpoint is the persisted cursor of one story's generation. It is
// written after every successful unit so a restarted worker resumes from
// the last completed step instead of the beginning.
type Checkpoint struct {
	StoryID      uuid.UUID       `json:"storyId" db:"story_id"`
	Phase        GenerationPhase `json:"phase" db:"phase"`
	ActIndex     int             `json:"actIndex" db:"act_index"`
	ChapterIndex int             `json:"chapterIndex" db:"chapter_index"`
	SceneIndex   int             `json:"sceneIndex" db:"scene_index"`
	// FailedStage records the interrupted phase in the failed and
	// cancelled phases; resume rolls the checkpoint back to it. Reason is
	// set only on failure.
	FailedStage     string    `json:"failedStage,omitempty" db:"failed_stage"`
	Reason          string    `json:"reason,omitempty" db:"reason"`
	CancelRequested bool      `json:"cancelRequested" db:"cancel_requested"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// Terminal reports whether no further stages may be scheduled.
func (c *Checkpoint) Terminal() bool {
	switch c.Phase {
	case PhaseComplete, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// AuditRecord is appended after every successful stage call. It exists for
// cost tracking, not correctness.
type AuditRecord struct {
	ID               uuid.UUID `json:"id" db:"id"`
	StoryID          uuid.UUID `json:"storyId" db:"story_id"`
	Stage            string    `json:"stage" db:"stage"`
	InputHash        string    `json:"inputHash" db:"input_hash"`
	Attempts         int       `json:"attempts" db:"attempts"`
	PromptTokens     int       `json:"promptTokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completionTokens" db:"completion_tokens"`
	EstimatedCostUSD float64   `json:"estimatedCostUsd" db:"estimated_cost_usd"`
	DurationMs       int64     `json:"durationMs" db:"duration_ms"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// ProgressEvent is one entry of the monotonically increasing progress
// stream. Consumers tolerate duplicates and out-of-order percent values.
type ProgressEvent struct {
	StoryID uuid.UUID       `json:"storyId"`
	Phase   GenerationPhase `json:"phase"`
	Percent int             `json:"percent"`
	Message string          `json:"message"`
	At      time.Time       `json:"at"`
}
