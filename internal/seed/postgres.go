package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"fable-engine/internal/model"
)

// pgLedger persists the seed ledger in PostgreSQL. Seeds belong to the
// chapter that planted them; resolutions are cross-references keyed by
// seed id with a uniqueness constraint enforcing resolve-once.
type pgLedger struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ Ledger = (*pgLedger)(nil)

// NewPgLedger creates a PostgreSQL-backed Ledger.
func NewPgLedger(db *pgxpool.Pool, logger *zap.Logger) Ledger {
	return &pgLedger{db: db, logger: logger.Named("SeedLedger")}
}

func (l *pgLedger) Plant(ctx context.Context, storyID, chapterID uuid.UUID, description, expectedPayoff string) (uuid.UUID, error) {
	if err := CheckDescription(description); err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	query := `
        INSERT INTO seeds (id, story_id, chapter_id, description, expected_payoff, planted_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
    `
	if _, err := l.db.Exec(ctx, query, id, storyID, chapterID, description, expectedPayoff); err != nil {
		l.logger.Error("Failed to plant seed", zap.String("chapterID", chapterID.String()), zap.Error(err))
		return uuid.Nil, fmt.Errorf("failed to plant seed: %w", err)
	}
	l.logger.Debug("Seed planted",
		zap.String("seedID", id.String()), zap.String("description", description))
	return id, nil
}

func (l *pgLedger) Resolve(ctx context.Context, seedID, chapterID uuid.UUID, payoff string) error {
	var exists bool
	if err := l.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM seeds WHERE id = $1)`, seedID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up seed %s: %w", seedID, err)
	}
	if !exists {
		return ErrUnknownSeed
	}

	query := `
        INSERT INTO seed_resolutions (seed_id, chapter_id, payoff, resolved_at)
        VALUES ($1, $2, $3, NOW())
    `
	if _, err := l.db.Exec(ctx, query, seedID, chapterID, payoff); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrAlreadyResolved
		}
		l.logger.Error("Failed to resolve seed", zap.String("seedID", seedID.String()), zap.Error(err))
		return fmt.Errorf("failed to resolve seed %s: %w", seedID, err)
	}
	return nil
}

func (l *pgLedger) ResolutionRate(ctx context.Context, storyID uuid.UUID) (float64, error) {
	query := `
        SELECT
            COUNT(*) AS planted,
            COUNT(r.seed_id) AS resolved
        FROM seeds s
        LEFT JOIN seed_resolutions r ON r.seed_id = s.id
        WHERE s.story_id = $1
    `
	var planted, resolved int
	if err := l.db.QueryRow(ctx, query, storyID).Scan(&planted, &resolved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to compute resolution rate: %w", err)
	}
	if planted == 0 {
		return 0, nil
	}
	return float64(resolved) / float64(planted), nil
}

func (l *pgLedger) Unresolved(ctx context.Context, storyID uuid.UUID) ([]model.Seed, error) {
	query := `
        SELECT s.id, s.chapter_id, s.description, s.expected_payoff, s.planted_at
        FROM seeds s
        LEFT JOIN seed_resolutions r ON r.seed_id = s.id
        WHERE s.story_id = $1 AND r.seed_id IS NULL
        ORDER BY s.planted_at
    `
	var seeds []model.Seed
	if err := pgxscan.Select(ctx, l.db, &seeds, query, storyID); err != nil {
		return nil, fmt.Errorf("failed to list unresolved seeds: %w", err)
	}
	return seeds, nil
}
