// Package messaging carries generation tasks from the API to the worker
// and progress events back out. Tasks ride a durable queue with manual
// acks; progress is fanout plus a latest-value snapshot in Redis.
package messaging

import (
	"github.com/google/uuid"
)

const (
	// QueueGenerationTasks is the durable work queue the worker consumes.
	QueueGenerationTasks = "generation.tasks"
	// ExchangeProgress is the fanout exchange for progress events.
	ExchangeProgress = "generation.progress"

	appID = "fable-worker"
)

// GenerationTaskPayload is one unit of work on the task queue. A payload
// with Resume set continues from the story's checkpoint instead of
// starting over.
type GenerationTaskPayload struct {
	TaskID  uuid.UUID `json:"taskId"`
	StoryID uuid.UUID `json:"storyId"`
	UserID  string    `json:"userId,omitempty"`
	Premise string    `json:"premise"`
	Resume  bool      `json:"resume,omitempty"`
	// PromptVersions overrides template versions per stage name, for A/B
	// comparison of prompt revisions.
	PromptVersions map[string]int `json:"promptVersions,omitempty"`
}
