package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"fable-engine/internal/model"
)

type pgCheckpointRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ CheckpointRepository = (*pgCheckpointRepository)(nil)

// NewPgCheckpointRepository creates a PostgreSQL-backed CheckpointRepository.
func NewPgCheckpointRepository(db *pgxpool.Pool, logger *zap.Logger) CheckpointRepository {
	return &pgCheckpointRepository{db: db, logger: logger.Named("CheckpointRepo")}
}

func (r *pgCheckpointRepository) Save(ctx context.Context, cp *model.Checkpoint) error {
	query := `
        INSERT INTO generation_checkpoints
            (story_id, phase, act_index, chapter_index, scene_index,
             failed_stage, reason, cancel_requested, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
        ON CONFLICT (story_id) DO UPDATE SET
            phase = EXCLUDED.phase,
            act_index = EXCLUDED.act_index,
            chapter_index = EXCLUDED.chapter_index,
            scene_index = EXCLUDED.scene_index,
            failed_stage = EXCLUDED.failed_stage,
            reason = EXCLUDED.reason,
            updated_at = NOW();
    `
	if _, err := r.db.Exec(ctx, query,
		cp.StoryID, cp.Phase, cp.ActIndex, cp.ChapterIndex, cp.SceneIndex,
		cp.FailedStage, cp.Reason, cp.CancelRequested); err != nil {
		r.logger.Error("Failed to save checkpoint",
			zap.String("storyID", cp.StoryID.String()), zap.Error(err))
		return fmt.Errorf("failed to save checkpoint for story %s: %w", cp.StoryID, err)
	}
	return nil
}

func (r *pgCheckpointRepository) Get(ctx context.Context, storyID uuid.UUID) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := pgxscan.Get(ctx, r.db, &cp, `
        SELECT story_id, phase, act_index, chapter_index, scene_index,
               failed_stage, reason, cancel_requested, updated_at
        FROM generation_checkpoints WHERE story_id = $1`, storyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint for story %s: %w", storyID, err)
	}
	return &cp, nil
}

func (r *pgCheckpointRepository) RequestCancel(ctx context.Context, storyID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE generation_checkpoints SET cancel_requested = TRUE, updated_at = NOW() WHERE story_id = $1`,
		storyID)
	if err != nil {
		return fmt.Errorf("failed to request cancel for story %s: %w", storyID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgCheckpointRepository) ClearCancel(ctx context.Context, storyID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE generation_checkpoints SET cancel_requested = FALSE, updated_at = NOW() WHERE story_id = $1`,
		storyID)
	if err != nil {
		return fmt.Errorf("failed to clear cancel for story %s: %w", storyID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
