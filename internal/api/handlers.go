package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-engine/internal/messaging"
	"fable-engine/internal/model"
	"fable-engine/internal/repository"
)

// Handler serves the story API.
type Handler struct {
	stories     repository.StoryRepository
	parts       repository.PartRepository
	chapters    repository.ChapterRepository
	scenes      repository.SceneRepository
	checkpoints repository.CheckpointRepository
	tasks       messaging.TaskPublisher
	snapshots   *messaging.SnapshotReader
	hub         *Hub
	logger      *zap.Logger
}

// HandlerDeps wires a Handler.
type HandlerDeps struct {
	Stories     repository.StoryRepository
	Parts       repository.PartRepository
	Chapters    repository.ChapterRepository
	Scenes      repository.SceneRepository
	Checkpoints repository.CheckpointRepository
	Tasks       messaging.TaskPublisher
	Snapshots   *messaging.SnapshotReader
	Hub         *Hub
	Logger      *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		stories:     deps.Stories,
		parts:       deps.Parts,
		chapters:    deps.Chapters,
		scenes:      deps.Scenes,
		checkpoints: deps.Checkpoints,
		tasks:       deps.Tasks,
		snapshots:   deps.Snapshots,
		hub:         deps.Hub,
		logger:      deps.Logger.Named("APIHandler"),
	}
}

// RegisterRoutes attaches the story routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	stories := router.Group("/api/stories")
	{
		stories.POST("", h.createStory)
		stories.GET("/:id", h.getStory)
		stories.GET("/:id/progress", h.getProgress)
		stories.POST("/:id/cancel", h.cancelStory)
		stories.POST("/:id/resume", h.resumeStory)
		stories.GET("/:id/ws", h.hub.ServeWS)
	}
}

type createStoryRequest struct {
	Premise string `json:"premise" binding:"required"`
	UserID  string `json:"userId"`
	// PromptVersions selects template versions per stage name, for A/B
	// comparison of prompt revisions.
	PromptVersions map[string]int `json:"promptVersions"`
}

type createStoryResponse struct {
	StoryID uuid.UUID `json:"storyId"`
	TaskID  uuid.UUID `json:"taskId"`
}

// createStory enqueues a generation task and answers immediately; the
// story materializes asynchronously under the returned id.
func (h *Handler) createStory(c *gin.Context) {
	var req createStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "premise is required"})
		return
	}

	storyID := uuid.New()
	taskID := uuid.New()

	// The checkpoint row exists before the worker starts so a cancel
	// request always has something to flag.
	if err := h.checkpoints.Save(c.Request.Context(), &model.Checkpoint{
		StoryID: storyID,
		Phase:   model.PhaseSummarizing,
	}); err != nil {
		h.logger.Error("Failed to create checkpoint", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start generation"})
		return
	}

	if err := h.tasks.Publish(c.Request.Context(), messaging.GenerationTaskPayload{
		TaskID:         taskID,
		StoryID:        storyID,
		UserID:         req.UserID,
		Premise:        req.Premise,
		PromptVersions: req.PromptVersions,
	}); err != nil {
		h.logger.Error("Failed to publish generation task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue generation"})
		return
	}

	c.JSON(http.StatusAccepted, createStoryResponse{StoryID: storyID, TaskID: taskID})
}

type storyTreeResponse struct {
	Story *model.Story `json:"story"`
	Parts []partTree   `json:"parts"`
}

type partTree struct {
	model.Part
	Chapters []chapterTree `json:"chapters"`
}

type chapterTree struct {
	model.Chapter
	Scenes []model.Scene `json:"scenes"`
}

// getStory returns the full persisted tree, however far generation got.
func (h *Handler) getStory(c *gin.Context) {
	storyID, ok := h.storyID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	story, err := h.stories.GetByID(ctx, storyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
			return
		}
		h.logger.Error("Failed to load story", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load story"})
		return
	}

	parts, err := h.parts.ListByStory(ctx, storyID)
	if err != nil {
		h.logger.Error("Failed to load parts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load story"})
		return
	}

	resp := storyTreeResponse{Story: story, Parts: make([]partTree, 0, len(parts))}
	for i := range parts {
		chapters, err := h.chapters.ListByPart(ctx, parts[i].ID)
		if err != nil {
			h.logger.Error("Failed to load chapters", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load story"})
			return
		}
		pt := partTree{Part: parts[i], Chapters: make([]chapterTree, 0, len(chapters))}
		for j := range chapters {
			scenes, err := h.scenes.ListByChapter(ctx, chapters[j].ID)
			if err != nil {
				h.logger.Error("Failed to load scenes", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load story"})
				return
			}
			pt.Chapters = append(pt.Chapters, chapterTree{Chapter: chapters[j], Scenes: scenes})
		}
		resp.Parts = append(resp.Parts, pt)
	}

	c.JSON(http.StatusOK, resp)
}

// getProgress serves the latest progress snapshot, falling back to the
// checkpoint when no event was published yet.
func (h *Handler) getProgress(c *gin.Context) {
	storyID, ok := h.storyID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if h.snapshots != nil {
		event, err := h.snapshots.GetSnapshot(ctx, storyID)
		if err == nil {
			c.JSON(http.StatusOK, event)
			return
		}
		if !errors.Is(err, messaging.ErrNoSnapshot) {
			h.logger.Warn("Failed to read progress snapshot", zap.Error(err))
		}
	}

	cp, err := h.checkpoints.Get(ctx, storyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
			return
		}
		h.logger.Error("Failed to load checkpoint", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load progress"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"storyId": cp.StoryID,
		"phase":   cp.Phase,
	})
}

// cancelStory flags the checkpoint; the worker stops at the next stage
// boundary and keeps everything persisted so far.
func (h *Handler) cancelStory(c *gin.Context) {
	storyID, ok := h.storyID(c)
	if !ok {
		return
	}

	if err := h.checkpoints.RequestCancel(c.Request.Context(), storyID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
			return
		}
		h.logger.Error("Failed to request cancel", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"storyId": storyID, "status": "cancel_requested"})
}

type resumeStoryRequest struct {
	Premise string `json:"premise"`
}

// resumeStory re-enqueues a failed or cancelled story. The checkpoint
// phase is rolled back to the interrupted stage; completed units are never
// regenerated.
func (h *Handler) resumeStory(c *gin.Context) {
	storyID, ok := h.storyID(c)
	if !ok {
		return
	}
	var req resumeStoryRequest
	_ = c.ShouldBindJSON(&req)
	ctx := c.Request.Context()

	cp, err := h.checkpoints.Get(ctx, storyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
			return
		}
		h.logger.Error("Failed to load checkpoint", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume"})
		return
	}
	if cp.Phase != model.PhaseFailed && cp.Phase != model.PhaseCancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "story is not in a failed or cancelled state"})
		return
	}

	cp.Phase = model.GenerationPhase(cp.FailedStage)
	cp.FailedStage = ""
	cp.Reason = ""
	if err := h.checkpoints.Save(ctx, cp); err != nil {
		h.logger.Error("Failed to roll back checkpoint", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume"})
		return
	}
	if err := h.checkpoints.ClearCancel(ctx, storyID); err != nil {
		h.logger.Warn("Failed to clear cancel flag", zap.Error(err))
	}

	taskID := uuid.New()
	if err := h.tasks.Publish(ctx, messaging.GenerationTaskPayload{
		TaskID:  taskID,
		StoryID: storyID,
		Premise: req.Premise,
		Resume:  true,
	}); err != nil {
		h.logger.Error("Failed to publish resume task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume"})
		return
	}
	c.JSON(http.StatusAccepted, createStoryResponse{StoryID: storyID, TaskID: taskID})
}

func (h *Handler) storyID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid story id"})
		return uuid.Nil, false
	}
	return id, true
}
