// Package seed tracks planted narrative setups and their resolutions
// across chapters. Chapter generation is sequential, so the ledger needs
// no concurrent-write discipline beyond single-writer persistence.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fable-engine/internal/model"
)

var (
	// ErrVagueSeed rejects descriptions that name no specific action,
	// recipient or detail.
	ErrVagueSeed = errors.New("seed description is too vague")
	// ErrUnknownSeed is returned when resolving a seed that was never planted.
	ErrUnknownSeed = errors.New("seed was never planted")
	// ErrAlreadyResolved guards the resolve-once contract: a seed's payoff
	// manifests exactly once.
	ErrAlreadyResolved = errors.New("seed is already resolved")
)

// Ledger maintains the mapping from planted seeds to their resolutions.
type Ledger interface {
	// Plant registers a new seed for a chapter and returns its id.
	Plant(ctx context.Context, storyID, chapterID uuid.UUID, description, expectedPayoff string) (uuid.UUID, error)
	// Resolve records the payoff of a previously planted seed.
	Resolve(ctx context.Context, seedID, chapterID uuid.UUID, payoff string) error
	// ResolutionRate returns resolved/planted for a story. A well-formed
	// story sits around 0.5-0.85; values outside the band are a quality
	// signal, never an error.
	ResolutionRate(ctx context.Context, storyID uuid.UUID) (float64, error)
	// Unresolved lists a story's planted-but-unresolved seeds, in planting
	// order, for prompt context.
	Unresolved(ctx context.Context, storyID uuid.UUID) ([]model.Seed, error)
}

// vagueTemplates are description shapes that carry no payoff-able detail.
var vagueTemplates = []string{
	"is kind",
	"is brave",
	"is generous",
	"helps someone",
	"helps out",
	"does a good deed",
	"shows kindness",
	"acts selflessly",
	"something important",
}

// minSeedWords is the floor below which a description cannot name an
// action plus a specific recipient or object.
const minSeedWords = 4

// CheckDescription rejects empty or vague seed descriptions. "gives watch"
// fails; "gives late husband's watch to veteran Marcus" passes.
func CheckDescription(description string) error {
	trimmed := strings.TrimSpace(description)
	if trimmed == "" {
		return fmt.Errorf("%w: empty description", ErrVagueSeed)
	}
	lower := strings.ToLower(trimmed)
	for _, tmpl := range vagueTemplates {
		if strings.Contains(lower, tmpl) {
			return fmt.Errorf("%w: %q matches vague template %q", ErrVagueSeed, description, tmpl)
		}
	}
	if len(strings.Fields(trimmed)) < minSeedWords {
		return fmt.Errorf("%w: %q names no specific recipient or detail", ErrVagueSeed, description)
	}
	return nil
}
