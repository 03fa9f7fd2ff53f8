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

type pgSceneRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ SceneRepository = (*pgSceneRepository)(nil)

// NewPgSceneRepository creates a PostgreSQL-backed SceneRepository.
func NewPgSceneRepository(db *pgxpool.Pool, logger *zap.Logger) SceneRepository {
	return &pgSceneRepository{db: db, logger: logger.Named("SceneRepo")}
}

func (r *pgSceneRepository) Create(ctx context.Context, scene *model.Scene) error {
	query := `
        INSERT INTO scenes
            (id, chapter_id, scene_index, title, spec_summary, sensory_anchors,
             dialogue_ratio, length_class, phase, emotional_beat, content, word_count)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            title = EXCLUDED.title,
            spec_summary = EXCLUDED.spec_summary,
            sensory_anchors = EXCLUDED.sensory_anchors,
            dialogue_ratio = EXCLUDED.dialogue_ratio,
            length_class = EXCLUDED.length_class,
            phase = EXCLUDED.phase,
            emotional_beat = EXCLUDED.emotional_beat;
    `
	if _, err := r.db.Exec(ctx, query,
		scene.ID, scene.ChapterID, scene.Index, scene.Title,
		scene.Spec.Summary, scene.Spec.SensoryAnchors,
		scene.Spec.DialogueRatio, scene.Spec.LengthClass,
		scene.Phase, scene.EmotionalBeat, scene.Content, scene.WordCount); err != nil {
		r.logger.Error("Failed to save scene", zap.String("sceneID", scene.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to save scene %s: %w", scene.ID, err)
	}
	return nil
}

func (r *pgSceneRepository) UpdateContent(ctx context.Context, sceneID uuid.UUID, content string, wordCount int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scenes SET content = $1, word_count = $2 WHERE id = $3`,
		content, wordCount, sceneID)
	if err != nil {
		return fmt.Errorf("failed to update scene %s content: %w", sceneID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type sceneRow struct {
	ID             uuid.UUID         `db:"id"`
	ChapterID      uuid.UUID         `db:"chapter_id"`
	SceneIndex     int               `db:"scene_index"`
	Title          string            `db:"title"`
	SpecSummary    string            `db:"spec_summary"`
	SensoryAnchors []string          `db:"sensory_anchors"`
	DialogueRatio  string            `db:"dialogue_ratio"`
	LengthClass    model.LengthClass `db:"length_class"`
	Phase          model.CyclePhase  `db:"phase"`
	EmotionalBeat  string            `db:"emotional_beat"`
	Content        string            `db:"content"`
	WordCount      int               `db:"word_count"`
}

func (r *pgSceneRepository) ListByChapter(ctx context.Context, chapterID uuid.UUID) ([]model.Scene, error) {
	var rows []sceneRow
	err := pgxscan.Select(ctx, r.db, &rows, `
        SELECT id, chapter_id, scene_index, title, spec_summary, sensory_anchors,
               dialogue_ratio, length_class, phase, emotional_beat, content, word_count
        FROM scenes WHERE chapter_id = $1 ORDER BY scene_index`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes for chapter %s: %w", chapterID, err)
	}

	scenes := make([]model.Scene, 0, len(rows))
	for _, row := range rows {
		scenes = append(scenes, model.Scene{
			ID:        row.ID,
			ChapterID: row.ChapterID,
			Index:     row.SceneIndex,
			Title:     row.Title,
			Spec: model.SceneSpec{
				Summary:        row.SpecSummary,
				SensoryAnchors: row.SensoryAnchors,
				DialogueRatio:  row.DialogueRatio,
				LengthClass:    row.LengthClass,
			},
			Phase:         row.Phase,
			EmotionalBeat: row.EmotionalBeat,
			Content:       row.Content,
			WordCount:     row.WordCount,
		})
	}
	return scenes, nil
}
