package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"fable-engine/internal/model"
)

type pgAuditRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ AuditRepository = (*pgAuditRepository)(nil)

// NewPgAuditRepository creates a PostgreSQL-backed AuditRepository.
func NewPgAuditRepository(db *pgxpool.Pool, logger *zap.Logger) AuditRepository {
	return &pgAuditRepository{db: db, logger: logger.Named("AuditRepo")}
}

func (r *pgAuditRepository) Append(ctx context.Context, rec *model.AuditRecord) error {
	query := `
        INSERT INTO generation_audit
            (id, story_id, stage, input_hash, attempts,
             prompt_tokens, completion_tokens, estimated_cost_usd, duration_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
    `
	if _, err := r.db.Exec(ctx, query,
		rec.ID, rec.StoryID, rec.Stage, rec.InputHash, rec.Attempts,
		rec.PromptTokens, rec.CompletionTokens, rec.EstimatedCostUSD, rec.DurationMs); err != nil {
		r.logger.Error("Failed to append audit record",
			zap.String("stage", rec.Stage), zap.Error(err))
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}
