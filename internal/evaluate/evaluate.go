// Package evaluate scores a finished story against the craft rubric. The
// checks are heuristic and cheap: they run on the assembled tree without
// further model calls, and their findings drive at most one revision pass.
package evaluate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-engine/internal/model"
	"fable-engine/internal/seed"
)

// Flag names one detected craft defect.
type Flag string

const (
	// FlagTransactionalLanguage marks virtue-phase prose that frames the
	// act as an exchange rather than an expression of character.
	FlagTransactionalLanguage Flag = "transactional_language"
	// FlagDeusExMachinaRisk marks consequence-phase prose whose relief
	// arrives without a visible causal thread.
	FlagDeusExMachinaRisk Flag = "deus_ex_machina_risk"
	// FlagSeedResolutionOutOfBand marks a story whose resolution rate
	// left the 0.5-0.85 band.
	FlagSeedResolutionOutOfBand Flag = "seed_resolution_out_of_band"
	// FlagWordBandMiss marks prose that stayed outside its length band
	// even after the corrective regeneration.
	FlagWordBandMiss Flag = "word_band_miss"
	// FlagStructure marks a chapter or scene set that violates the
	// sequence invariants.
	FlagStructure Flag = "structure_violation"
)

// Finding is one rubric hit. SceneID is uuid.Nil for story-level findings.
type Finding struct {
	Flag      Flag      `json:"flag"`
	SceneID   uuid.UUID `json:"sceneId,omitempty"`
	ChapterID uuid.UUID `json:"chapterId,omitempty"`
	Detail    string    `json:"detail"`
}

// Report carries the three rubric scores (1..4 each) and every finding.
type Report struct {
	StoryID             uuid.UUID `json:"storyId"`
	CausalCoherence     float64   `json:"causalCoherence"`
	EmotionalCraft      float64   `json:"emotionalCraft"`
	StructuralIntegrity float64   `json:"structuralIntegrity"`
	Overall             float64   `json:"overall"`
	SeedResolutionRate  float64   `json:"seedResolutionRate"`
	Findings            []Finding `json:"findings"`
	// SceneScores holds the per-scene rubric overall for every flagged
	// scene. Unflagged scenes score a full 4.0 and are not listed.
	SceneScores map[uuid.UUID]float64 `json:"sceneScores,omitempty"`
}

// NeedsRevision reports whether anything earns the single revision pass:
// a story mean below the bar, or any individual scene scoring below it.
func (r *Report) NeedsRevision() bool {
	if r.Overall < 3.0 {
		return true
	}
	for _, score := range r.SceneScores {
		if score < 3.0 {
			return true
		}
	}
	return false
}

// SceneOverall returns a scene's rubric score; 4.0 for unflagged scenes.
func (r *Report) SceneOverall(sceneID uuid.UUID) float64 {
	if score, ok := r.SceneScores[sceneID]; ok {
		return score
	}
	return 4.0
}

// SceneFindings returns the findings attached to a specific scene.
func (r *Report) SceneFindings(sceneID uuid.UUID) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.SceneID == sceneID {
			out = append(out, f)
		}
	}
	return out
}

// Input is the assembled story tree.
type Input struct {
	Story *model.Story
	Parts []model.Part
	// Chapters by part id, Scenes by chapter id, both in order.
	Chapters map[uuid.UUID][]model.Chapter
	Scenes   map[uuid.UUID][]model.Scene
}

// transactionalPhrases frame a virtuous act as a calculated exchange.
var transactionalPhrases = []string{
	"in order to",
	"so that",
	"hoping to",
	"with the expectation",
	"in exchange for",
	"knowing it would earn",
}

// rescuePhrases signal relief arriving from outside the causal weave.
var rescuePhrases = []string{
	"out of nowhere",
	"suddenly appeared",
	"miraculously",
	"by sheer luck",
	"by pure chance",
	"as if by magic",
}

// Evaluator runs the rubric. The seed ledger supplies the resolution rate.
type Evaluator struct {
	ledger seed.Ledger
	logger *zap.Logger
}

// New creates an Evaluator.
func New(ledger seed.Ledger, logger *zap.Logger) *Evaluator {
	return &Evaluator{ledger: ledger, logger: logger.Named("Evaluator")}
}

// Evaluate scores the assembled tree. It never fails a story outright;
// scores and findings are advisory input to the single revision pass.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Report, error) {
	report := &Report{
		StoryID:     in.Story.ID,
		SceneScores: make(map[uuid.UUID]float64),
	}

	rate, err := e.ledger.ResolutionRate(ctx, in.Story.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed resolution rate: %w", err)
	}
	report.SeedResolutionRate = rate

	causalPenalty := 0.0
	emotionalPenalty := 0.0
	structuralPenalty := 0.0

	if outOfBand, err := e.rateOutOfBand(ctx, in.Story.ID, rate); err != nil {
		return nil, err
	} else if outOfBand {
		report.Findings = append(report.Findings, Finding{
			Flag:   FlagSeedResolutionOutOfBand,
			Detail: fmt.Sprintf("resolution rate %.2f is outside 0.50-0.85", rate),
		})
		causalPenalty += 0.5
	}

	for _, part := range in.Parts {
		chapters := in.Chapters[part.ID]
		if err := model.ValidateChapterSequence(chapters); err != nil {
			report.Findings = append(report.Findings, Finding{
				Flag:   FlagStructure,
				Detail: fmt.Sprintf("part %d: %v", part.Index, err),
			})
			structuralPenalty += 1.0
		}

		for i := range chapters {
			chapter := &chapters[i]
			scenes := in.Scenes[chapter.ID]
			if err := model.ValidateSceneSet(scenes); err != nil {
				report.Findings = append(report.Findings, Finding{
					Flag:      FlagStructure,
					ChapterID: chapter.ID,
					Detail:    err.Error(),
				})
				structuralPenalty += 0.5
			}

			for j := range scenes {
				scene := &scenes[j]
				findings := evaluateScene(scene)
				if len(findings) == 0 {
					continue
				}
				report.Findings = append(report.Findings, findings...)
				report.SceneScores[scene.ID] = scoreScene(findings)
				for _, f := range findings {
					switch f.Flag {
					case FlagTransactionalLanguage:
						emotionalPenalty += 1.0
					case FlagDeusExMachinaRisk:
						causalPenalty += 1.0
					case FlagWordBandMiss:
						structuralPenalty += 0.25
					}
				}
			}
		}
	}

	report.CausalCoherence = clampScore(4.0 - causalPenalty)
	report.EmotionalCraft = clampScore(4.0 - emotionalPenalty)
	report.StructuralIntegrity = clampScore(4.0 - structuralPenalty)
	report.Overall = (report.CausalCoherence + report.EmotionalCraft + report.StructuralIntegrity) / 3.0

	e.logger.Info("Story evaluated",
		zap.String("storyID", in.Story.ID.String()),
		zap.Float64("overall", report.Overall),
		zap.Float64("resolutionRate", rate),
		zap.Int("findings", len(report.Findings)))
	return report, nil
}

// rateOutOfBand applies the 0.5-0.85 band. A story that planted nothing
// has no rate to judge: a rate below the band counts only when unresolved
// seeds exist, which any story with plantings and a low rate must have.
func (e *Evaluator) rateOutOfBand(ctx context.Context, storyID uuid.UUID, rate float64) (bool, error) {
	if rate > 0.85 {
		return true, nil
	}
	if rate >= 0.5 {
		return false, nil
	}
	unresolved, err := e.ledger.Unresolved(ctx, storyID)
	if err != nil {
		return false, fmt.Errorf("failed to list unresolved seeds: %w", err)
	}
	return len(unresolved) > 0, nil
}

func evaluateScene(scene *model.Scene) []Finding {
	var findings []Finding
	content := strings.ToLower(scene.Content)

	if scene.Phase == model.PhaseVirtue {
		for _, phrase := range transactionalPhrases {
			if strings.Contains(content, phrase) {
				findings = append(findings, Finding{
					Flag:      FlagTransactionalLanguage,
					SceneID:   scene.ID,
					ChapterID: scene.ChapterID,
					Detail:    fmt.Sprintf("virtue scene phrases the act transactionally (%q)", phrase),
				})
				break
			}
		}
	}

	if scene.Phase == model.PhaseConsequence {
		for _, phrase := range rescuePhrases {
			if strings.Contains(content, phrase) {
				findings = append(findings, Finding{
					Flag:      FlagDeusExMachinaRisk,
					SceneID:   scene.ID,
					ChapterID: scene.ChapterID,
					Detail:    fmt.Sprintf("consequence arrives without causal thread (%q)", phrase),
				})
				break
			}
		}
	}

	if scene.Content != "" && !model.WithinBand(scene.Spec.LengthClass, scene.WordCount) {
		findings = append(findings, Finding{
			Flag:      FlagWordBandMiss,
			SceneID:   scene.ID,
			ChapterID: scene.ChapterID,
			Detail: fmt.Sprintf("%d words outside the %s band",
				scene.WordCount, scene.Spec.LengthClass),
		})
	}
	return findings
}

// scoreScene applies the phase rubric to one scene's findings: three
// dimensions scored 1..4, the scene overall is their mean. A transactional
// or rescue phrase voids the beat it belongs to, so the phrasing dimension
// bottoms out and the motivation reads extrinsic. A lone band miss after
// its corrective regeneration is a pacing blemish, not a revision trigger.
func scoreScene(findings []Finding) float64 {
	motivation, phrasing, pacing := 4.0, 4.0, 4.0
	for _, f := range findings {
		switch f.Flag {
		case FlagTransactionalLanguage, FlagDeusExMachinaRisk:
			phrasing = 1.0
			motivation = 2.0
		case FlagWordBandMiss:
			pacing = 3.0
		}
	}
	return (motivation + phrasing + pacing) / 3.0
}

// Corrections renders a scene's findings as the correction block for its
// revision call.
func Corrections(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	lines := make([]string, 0, len(findings))
	for _, f := range findings {
		lines = append(lines, "- "+f.Detail)
	}
	return strings.Join(lines, "\n")
}

func clampScore(v float64) float64 {
	if v < 1.0 {
		return 1.0
	}
	if v > 4.0 {
		return 4.0
	}
	return v
}
