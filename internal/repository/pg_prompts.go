package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fable-engine/internal/prompts"
)

// pgPromptRepository implements prompts.Repository. Templates are
// immutable: there is no update, only new (stage, version) rows.
type pgPromptRepository struct {
	db *pgxpool.Pool
}

var _ prompts.Repository = (*pgPromptRepository)(nil)

// NewPgPromptRepository creates a PostgreSQL-backed prompt template store.
func NewPgPromptRepository(db *pgxpool.Pool) prompts.Repository {
	return &pgPromptRepository{db: db}
}

func (r *pgPromptRepository) GetAll(ctx context.Context) ([]prompts.Template, error) {
	var templates []prompts.Template
	err := pgxscan.Select(ctx, r.db, &templates, `
        SELECT id, stage, version, content, created_at
        FROM prompt_templates ORDER BY stage, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt templates: %w", err)
	}
	return templates, nil
}

func (r *pgPromptRepository) Get(ctx context.Context, stage prompts.Stage, version int) (*prompts.Template, error) {
	var tmpl prompts.Template
	err := pgxscan.Get(ctx, r.db, &tmpl, `
        SELECT id, stage, version, content, created_at
        FROM prompt_templates WHERE stage = $1 AND version = $2`, stage, version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prompts.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get prompt template %s/%d: %w", stage, version, err)
	}
	return &tmpl, nil
}

func (r *pgPromptRepository) Create(ctx context.Context, tmpl *prompts.Template) error {
	query := `
        INSERT INTO prompt_templates (stage, version, content)
        VALUES ($1, $2, $3)
        RETURNING id, created_at
    `
	err := r.db.QueryRow(ctx, query, tmpl.Stage, tmpl.Version, tmpl.Content).
		Scan(&tmpl.ID, &tmpl.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("prompt template %s/%d already exists", tmpl.Stage, tmpl.Version)
		}
		return fmt.Errorf("failed to create prompt template %s/%d: %w", tmpl.Stage, tmpl.Version, err)
	}
	return nil
}
