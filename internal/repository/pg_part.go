package repository

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"fable-engine/internal/model"
)

type pgPartRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ PartRepository = (*pgPartRepository)(nil)

// NewPgPartRepository creates a PostgreSQL-backed PartRepository.
func NewPgPartRepository(db *pgxpool.Pool, logger *zap.Logger) PartRepository {
	return &pgPartRepository{db: db, logger: logger.Named("PartRepo")}
}

func (r *pgPartRepository) Create(ctx context.Context, part *model.Part) error {
	query := `
        INSERT INTO parts (id, story_id, part_index, title, summary, is_lowest_point)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            title = EXCLUDED.title,
            summary = EXCLUDED.summary,
            is_lowest_point = EXCLUDED.is_lowest_point;
    `
	if _, err := r.db.Exec(ctx, query,
		part.ID, part.StoryID, part.Index, part.Title, part.Summary, part.IsLowestPoint); err != nil {
		r.logger.Error("Failed to save part", zap.String("partID", part.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to save part %s: %w", part.ID, err)
	}

	arcQuery := `
        INSERT INTO character_arcs
            (id, part_id, character_id, character_name,
             adversity, virtue, consequence, new_adversity,
             estimated_chapters, arc_class, strategy)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (id) DO NOTHING;
    `
	for i := range part.Arcs {
		arc := &part.Arcs[i]
		if _, err := r.db.Exec(ctx, arcQuery,
			arc.ID, arc.PartID, arc.CharacterID, arc.CharacterName,
			arc.Macro.Adversity, arc.Macro.Virtue, arc.Macro.Consequence, arc.Macro.NewAdversity,
			arc.EstimatedChapters, arc.Class, arc.Strategy); err != nil {
			return fmt.Errorf("failed to save character arc %s: %w", arc.ID, err)
		}
	}
	return nil
}

// arcRow flattens the macro cycle columns for scanning.
type arcRow struct {
	ID                uuid.UUID      `db:"id"`
	PartID            uuid.UUID      `db:"part_id"`
	CharacterID       uuid.UUID      `db:"character_id"`
	CharacterName     string         `db:"character_name"`
	Adversity         string         `db:"adversity"`
	Virtue            string         `db:"virtue"`
	Consequence       string         `db:"consequence"`
	NewAdversity      string         `db:"new_adversity"`
	EstimatedChapters int            `db:"estimated_chapters"`
	ArcClass          model.ArcClass `db:"arc_class"`
	Strategy          string         `db:"strategy"`
}

func (r *pgPartRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]model.Part, error) {
	var parts []model.Part
	err := pgxscan.Select(ctx, r.db, &parts, `
        SELECT id, story_id, part_index, title, summary, is_lowest_point
        FROM parts WHERE story_id = $1 ORDER BY part_index`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list parts for story %s: %w", storyID, err)
	}

	for i := range parts {
		var rows []arcRow
		err := pgxscan.Select(ctx, r.db, &rows, `
            SELECT id, part_id, character_id, character_name,
                   adversity, virtue, consequence, new_adversity,
                   estimated_chapters, arc_class, strategy
            FROM character_arcs WHERE part_id = $1 ORDER BY arc_class, character_name`, parts[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list arcs for part %s: %w", parts[i].ID, err)
		}
		for _, row := range rows {
			parts[i].Arcs = append(parts[i].Arcs, model.CharacterArc{
				ID:            row.ID,
				PartID:        row.PartID,
				CharacterID:   row.CharacterID,
				CharacterName: row.CharacterName,
				Macro: model.Cycle{
					Adversity:    row.Adversity,
					Virtue:       row.Virtue,
					Consequence:  row.Consequence,
					NewAdversity: row.NewAdversity,
				},
				EstimatedChapters: row.EstimatedChapters,
				Class:             row.ArcClass,
				Strategy:          row.Strategy,
			})
		}
	}
	return parts, nil
}
