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

type pgStoryRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ StoryRepository = (*pgStoryRepository)(nil)

// NewPgStoryRepository creates a PostgreSQL-backed StoryRepository.
func NewPgStoryRepository(db *pgxpool.Pool, logger *zap.Logger) StoryRepository {
	return &pgStoryRepository{db: db, logger: logger.Named("StoryRepo")}
}

func (r *pgStoryRepository) Create(ctx context.Context, story *model.Story) error {
	query := `
        INSERT INTO stories (id, premise, genre, tone, moral_framework, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
        ON CONFLICT (id) DO UPDATE SET
            premise = EXCLUDED.premise,
            genre = EXCLUDED.genre,
            tone = EXCLUDED.tone,
            moral_framework = EXCLUDED.moral_framework,
            status = EXCLUDED.status,
            updated_at = NOW();
    `
	if _, err := r.db.Exec(ctx, query,
		story.ID, story.Premise, story.Genre, story.Tone, story.MoralFramework, story.Status); err != nil {
		r.logger.Error("Failed to save story", zap.String("storyID", story.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to save story %s: %w", story.ID, err)
	}

	for i := range story.Characters {
		if err := r.upsertCharacter(ctx, &story.Characters[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *pgStoryRepository) upsertCharacter(ctx context.Context, c *model.Character) error {
	query := `
        INSERT INTO characters
            (id, story_id, name, core_trait, internal_flaw, external_goal,
             backstory, relationships, voice, portrait_prompt)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            backstory = EXCLUDED.backstory,
            relationships = EXCLUDED.relationships,
            voice = EXCLUDED.voice,
            portrait_prompt = EXCLUDED.portrait_prompt;
    `
	if _, err := r.db.Exec(ctx, query,
		c.ID, c.StoryID, c.Name, c.CoreTrait, c.InternalFlaw, c.ExternalGoal,
		c.Backstory, c.Relationships, c.Voice, c.PortraitPrompt); err != nil {
		return fmt.Errorf("failed to save character %s: %w", c.ID, err)
	}
	return nil
}

func (r *pgStoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Story, error) {
	var story model.Story
	err := pgxscan.Get(ctx, r.db, &story, `
        SELECT id, premise, genre, tone, moral_framework, status, created_at, updated_at
        FROM stories WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get story %s: %w", id, err)
	}

	err = pgxscan.Select(ctx, r.db, &story.Characters, `
        SELECT id, story_id, name, core_trait, internal_flaw, external_goal,
               backstory, relationships, voice, portrait_prompt
        FROM characters WHERE story_id = $1 ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list characters for story %s: %w", id, err)
	}
	return &story, nil
}

func (r *pgStoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.StoryStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE stories SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update story %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgStoryRepository) UpdateCharacter(ctx context.Context, character *model.Character) error {
	return r.upsertCharacter(ctx, character)
}
