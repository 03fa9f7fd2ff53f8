package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidCharacterCount = errors.New("story must have between 2 and 4 characters")
	ErrFlawWithoutCause      = errors.New("internal flaw must encode a cause")
	ErrInvalidPartCount      = errors.New("story must have exactly 3 parts")
	ErrNoLowestPointPart     = errors.New("exactly one part must be the lowest point")
	ErrArcChapterEstimate    = errors.New("estimated chapters must be between 2 and 4")
	ErrArcPositionOrder      = errors.New("arc positions must be non-decreasing")
	ErrClimaxCount           = errors.New("character arc must have exactly one climax chapter")
	ErrArcMonopoly           = errors.New("a character arc may not hold more than 2 consecutive chapters")
	ErrPhaseCoverage         = errors.New("scene set must cover all five cycle phases")
	ErrVirtueSceneCount      = errors.New("scene set must contain exactly one virtue scene")
	ErrVirtueSceneNotLong    = errors.New("the virtue scene must use the long length class")
	ErrSceneCountOutOfRange  = errors.New("chapter must have between 3 and 7 scenes")
	ErrMissingChapterLink    = errors.New("chapter after the first must connect to the previous chapter")
)

// flawCausePattern accepts "X because Y" style flaws, including a few
// equivalent causal connectives the model tends to produce.
var flawCausePattern = regexp.MustCompile(`(?i)\b(because|since|after|ever since|due to)\b`)

// Validate checks the character-count bound and each character's flaw.
func (s *Story) Validate() error {
	if len(s.Characters) < 2 || len(s.Characters) > 4 {
		return fmt.Errorf("%w: got %d", ErrInvalidCharacterCount, len(s.Characters))
	}
	for i := range s.Characters {
		if err := s.Characters[i].Validate(); err != nil {
			return fmt.Errorf("character %q: %w", s.Characters[i].Name, err)
		}
	}
	return nil
}

// Validate enforces the causal-flaw pattern.
func (c *Character) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("character name is empty")
	}
	if !flawCausePattern.MatchString(c.InternalFlaw) {
		return fmt.Errorf("%w: %q", ErrFlawWithoutCause, c.InternalFlaw)
	}
	return nil
}

// ValidateParts checks the act structure for a whole story: three parts,
// exactly one lowest point, arc estimates in range, and primary arcs
// receiving at least as many chapters as secondary arcs in the same part.
func ValidateParts(parts []Part) error {
	if len(parts) != 3 {
		return fmt.Errorf("%w: got %d", ErrInvalidPartCount, len(parts))
	}
	lowest := 0
	for i := range parts {
		if parts[i].IsLowestPoint {
			lowest++
		}
		minPrimary := 0
		maxSecondary := 0
		for j := range parts[i].Arcs {
			arc := &parts[i].Arcs[j]
			if arc.EstimatedChapters < 2 || arc.EstimatedChapters > 4 {
				return fmt.Errorf("part %d arc %q: %w (got %d)",
					parts[i].Index, arc.CharacterName, ErrArcChapterEstimate, arc.EstimatedChapters)
			}
			switch arc.Class {
			case ArcPrimary:
				if minPrimary == 0 || arc.EstimatedChapters < minPrimary {
					minPrimary = arc.EstimatedChapters
				}
			case ArcSecondary:
				if arc.EstimatedChapters > maxSecondary {
					maxSecondary = arc.EstimatedChapters
				}
			}
		}
		if minPrimary > 0 && maxSecondary > minPrimary {
			return fmt.Errorf("part %d: secondary arc receives %d chapters but a primary arc receives %d",
				parts[i].Index, maxSecondary, minPrimary)
		}
	}
	if lowest != 1 {
		return fmt.Errorf("%w: got %d", ErrNoLowestPointPart, lowest)
	}
	return nil
}

// ValidateChapterSequence checks an assembled part's chapter list:
// per-arc arc positions appear in non-decreasing narrative order with
// exactly one climax, no arc holds more than two consecutive chapters,
// and every chapter after the first links back to its predecessor.
func ValidateChapterSequence(chapters []Chapter) error {
	if len(chapters) == 0 {
		return errors.New("chapter list is empty")
	}

	lastRank := make(map[string]int)
	climaxes := make(map[string]int)
	prevArc := ""
	runLength := 0

	for i := range chapters {
		ch := &chapters[i]
		arcKey := ch.CharacterArcID.String()

		rank := ch.ArcPosition.Rank()
		if rank < 0 {
			return fmt.Errorf("chapter %d: unknown arc position %q", ch.Index, ch.ArcPosition)
		}
		if prev, ok := lastRank[arcKey]; ok && rank < prev {
			return fmt.Errorf("chapter %d: %w (%s after %s)",
				ch.Index, ErrArcPositionOrder, ch.ArcPosition, rankName(prev))
		}
		lastRank[arcKey] = rank
		if ch.ArcPosition == ArcPosClimax {
			climaxes[arcKey]++
		}

		if arcKey == prevArc {
			runLength++
			if runLength > 2 {
				return fmt.Errorf("chapter %d: %w", ch.Index, ErrArcMonopoly)
			}
		} else {
			prevArc = arcKey
			runLength = 1
		}

		if i > 0 && strings.TrimSpace(ch.ConnectsToPrevious) == "" {
			return fmt.Errorf("chapter %d: %w", ch.Index, ErrMissingChapterLink)
		}
	}

	for arcKey, n := range climaxes {
		if n != 1 {
			return fmt.Errorf("arc %s: %w (got %d)", arcKey, ErrClimaxCount, n)
		}
	}
	for arcKey := range lastRank {
		if climaxes[arcKey] == 0 {
			return fmt.Errorf("arc %s: %w (got 0)", arcKey, ErrClimaxCount)
		}
	}
	return nil
}

func rankName(rank int) ArcPosition {
	for p, r := range arcPositionOrder {
		if r == rank {
			return p
		}
	}
	return ""
}

// ValidateSceneSet checks one chapter's scene specifications: 3-7 scenes,
// all five phases covered, and exactly one virtue scene marked long.
func ValidateSceneSet(scenes []Scene) error {
	if len(scenes) < 3 || len(scenes) > 7 {
		return fmt.Errorf("%w: got %d", ErrSceneCountOutOfRange, len(scenes))
	}
	covered := make(map[CyclePhase]int)
	virtueLong := false
	for i := range scenes {
		covered[scenes[i].Phase]++
		if scenes[i].Phase == PhaseVirtue && scenes[i].Spec.LengthClass == LengthLong {
			virtueLong = true
		}
	}
	for _, phase := range CyclePhases {
		if covered[phase] == 0 {
			return fmt.Errorf("%w: missing %s", ErrPhaseCoverage, phase)
		}
	}
	if covered[PhaseVirtue] != 1 {
		return fmt.Errorf("%w: got %d", ErrVirtueSceneCount, covered[PhaseVirtue])
	}
	if !virtueLong {
		return ErrVirtueSceneNotLong
	}
	return nil
}

// WordBand returns the inclusive word-count band for a length class.
func WordBand(class LengthClass) (min, max int) {
	switch class {
	case LengthShort:
		return 300, 500
	case LengthMedium:
		return 500, 800
	case LengthLong:
		return 800, 1000
	default:
		return 500, 800
	}
}

// WithinBand reports whether words falls inside the class band extended by
// the 10% tolerance applied to each edge. Counts outside the tolerated
// band trigger one corrective regeneration.
func WithinBand(class LengthClass, words int) bool {
	min, max := WordBand(class)
	low := min - min/10
	high := max + max/10
	return words >= low && words <= high
}

// CountWords counts whitespace-delimited words in prose.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
