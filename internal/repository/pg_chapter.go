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

type pgChapterRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ ChapterRepository = (*pgChapterRepository)(nil)

// NewPgChapterRepository creates a PostgreSQL-backed ChapterRepository.
func NewPgChapterRepository(db *pgxpool.Pool, logger *zap.Logger) ChapterRepository {
	return &pgChapterRepository{db: db, logger: logger.Named("ChapterRepo")}
}

func (r *pgChapterRepository) Create(ctx context.Context, chapter *model.Chapter) error {
	query := `
        INSERT INTO chapters
            (id, part_id, character_arc_id, chapter_index, title, summary,
             adversity, virtue, consequence, new_adversity,
             arc_position, connects_to_previous, creates_next_adversity)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (id) DO UPDATE SET
            title = EXCLUDED.title,
            summary = EXCLUDED.summary,
            arc_position = EXCLUDED.arc_position,
            connects_to_previous = EXCLUDED.connects_to_previous,
            creates_next_adversity = EXCLUDED.creates_next_adversity;
    `
	if _, err := r.db.Exec(ctx, query,
		chapter.ID, chapter.PartID, chapter.CharacterArcID, chapter.Index,
		chapter.Title, chapter.Summary,
		chapter.Micro.Adversity, chapter.Micro.Virtue, chapter.Micro.Consequence, chapter.Micro.NewAdversity,
		chapter.ArcPosition, chapter.ConnectsToPrevious, chapter.CreatesNextAdversity); err != nil {
		r.logger.Error("Failed to save chapter", zap.String("chapterID", chapter.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to save chapter %s: %w", chapter.ID, err)
	}
	return nil
}

type chapterRow struct {
	ID                   uuid.UUID         `db:"id"`
	PartID               uuid.UUID         `db:"part_id"`
	CharacterArcID       uuid.UUID         `db:"character_arc_id"`
	ChapterIndex         int               `db:"chapter_index"`
	Title                string            `db:"title"`
	Summary              string            `db:"summary"`
	Adversity            string            `db:"adversity"`
	Virtue               string            `db:"virtue"`
	Consequence          string            `db:"consequence"`
	NewAdversity         string            `db:"new_adversity"`
	ArcPosition          model.ArcPosition `db:"arc_position"`
	ConnectsToPrevious   string            `db:"connects_to_previous"`
	CreatesNextAdversity string            `db:"creates_next_adversity"`
}

func (r *pgChapterRepository) ListByPart(ctx context.Context, partID uuid.UUID) ([]model.Chapter, error) {
	var rows []chapterRow
	err := pgxscan.Select(ctx, r.db, &rows, `
        SELECT id, part_id, character_arc_id, chapter_index, title, summary,
               adversity, virtue, consequence, new_adversity,
               arc_position, connects_to_previous, creates_next_adversity
        FROM chapters WHERE part_id = $1 ORDER BY chapter_index`, partID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters for part %s: %w", partID, err)
	}

	chapters := make([]model.Chapter, 0, len(rows))
	for _, row := range rows {
		ch := model.Chapter{
			ID:             row.ID,
			PartID:         row.PartID,
			CharacterArcID: row.CharacterArcID,
			Index:          row.ChapterIndex,
			Title:          row.Title,
			Summary:        row.Summary,
			Micro: model.Cycle{
				Adversity:    row.Adversity,
				Virtue:       row.Virtue,
				Consequence:  row.Consequence,
				NewAdversity: row.NewAdversity,
			},
			ArcPosition:          row.ArcPosition,
			ConnectsToPrevious:   row.ConnectsToPrevious,
			CreatesNextAdversity: row.CreatesNextAdversity,
		}

		if err := pgxscan.Select(ctx, r.db, &ch.PlantedSeeds, `
            SELECT id, chapter_id, description, expected_payoff, planted_at
            FROM seeds WHERE chapter_id = $1 ORDER BY planted_at`, row.ID); err != nil {
			return nil, fmt.Errorf("failed to list planted seeds for chapter %s: %w", row.ID, err)
		}
		if err := pgxscan.Select(ctx, r.db, &ch.ResolvedSeeds, `
            SELECT seed_id, chapter_id, payoff, resolved_at
            FROM seed_resolutions WHERE chapter_id = $1 ORDER BY resolved_at`, row.ID); err != nil {
			return nil, fmt.Errorf("failed to list resolved seeds for chapter %s: %w", row.ID, err)
		}
		chapters = append(chapters, ch)
	}
	return chapters, nil
}
