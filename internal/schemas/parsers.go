// Package schemas parses model output into stage payloads. Every
// inter-stage document is validated at this boundary; a parse failure is
// retried upstream rather than propagated as partially-typed data.
package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fable-engine/internal/model"
)

// ErrMalformed marks output that failed schema extraction or parsing.
// Stage generators retry these within their attempt budget.
var ErrMalformed = errors.New("model output failed schema parse")

// ExtractJSONObject pulls the outermost JSON object out of a model
// response, tolerating markdown code fences and commentary around it.
func ExtractJSONObject(text string) (string, error) {
	trimmed := strings.TrimSpace(text)

	// Strip a ```json ... ``` fence if the whole payload is fenced.
	if strings.HasPrefix(trimmed, "```") {
		if idx := strings.Index(trimmed, "\n"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}
	return trimmed[start : end+1], nil
}

func unmarshalObject(text string, out any) error {
	raw, err := ExtractJSONObject(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// --- Story summary ---

type storySummaryPayload struct {
	Premise        string `json:"premise"`
	Genre          string `json:"genre"`
	Tone           string `json:"tone"`
	MoralFramework string `json:"moralFramework"`
	Characters     []struct {
		Name         string `json:"name"`
		CoreTrait    string `json:"coreTrait"`
		InternalFlaw string `json:"internalFlaw"`
		ExternalGoal string `json:"externalGoal"`
	} `json:"characters"`
}

// ParseStorySummary parses the story-summary stage output. The returned
// story and characters carry fresh ids.
func ParseStorySummary(text string) (*model.Story, error) {
	var payload storySummaryPayload
	if err := unmarshalObject(text, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.Premise) == "" {
		return nil, fmt.Errorf("%w: premise is empty", ErrMalformed)
	}

	story := &model.Story{
		ID:             uuid.New(),
		Premise:        strings.TrimSpace(payload.Premise),
		Genre:          payload.Genre,
		Tone:           payload.Tone,
		MoralFramework: payload.MoralFramework,
		Status:         model.StoryStatusGenerating,
	}
	for _, c := range payload.Characters {
		story.Characters = append(story.Characters, model.Character{
			ID:           uuid.New(),
			StoryID:      story.ID,
			Name:         strings.TrimSpace(c.Name),
			CoreTrait:    c.CoreTrait,
			InternalFlaw: c.InternalFlaw,
			ExternalGoal: c.ExternalGoal,
		})
	}
	if err := story.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return story, nil
}

// --- Character expansion ---

type characterExpansionPayload struct {
	Backstory      string `json:"backstory"`
	Relationships  string `json:"relationships"`
	Voice          string `json:"voice"`
	PortraitPrompt string `json:"portraitPrompt"`
}

// ParseCharacterExpansion applies expansion fields onto a character
// without touching its fixed identity.
func ParseCharacterExpansion(text string, character *model.Character) error {
	var payload characterExpansionPayload
	if err := unmarshalObject(text, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Backstory) == "" {
		return fmt.Errorf("%w: backstory is empty", ErrMalformed)
	}
	character.Backstory = payload.Backstory
	character.Relationships = payload.Relationships
	character.Voice = payload.Voice
	character.PortraitPrompt = payload.PortraitPrompt
	return nil
}

// --- Parts ---

type partsPayload struct {
	Parts []struct {
		Title         string `json:"title"`
		Summary       string `json:"summary"`
		IsLowestPoint bool   `json:"isLowestPoint"`
		Arcs          []struct {
			CharacterName     string `json:"characterName"`
			Adversity         string `json:"adversity"`
			Virtue            string `json:"virtue"`
			Consequence       string `json:"consequence"`
			NewAdversity      string `json:"newAdversity"`
			EstimatedChapters int    `json:"estimatedChapters"`
			Class             string `json:"class"`
			Strategy          string `json:"strategy"`
		} `json:"arcs"`
	} `json:"parts"`
}

// ParseParts parses the part stage output into three acts with one arc per
// story character each. Character names must match the foundation.
func ParseParts(text string, story *model.Story) ([]model.Part, error) {
	var payload partsPayload
	if err := unmarshalObject(text, &payload); err != nil {
		return nil, err
	}

	charByName := make(map[string]uuid.UUID, len(story.Characters))
	for _, c := range story.Characters {
		charByName[strings.ToLower(c.Name)] = c.ID
	}

	parts := make([]model.Part, 0, len(payload.Parts))
	for i, p := range payload.Parts {
		part := model.Part{
			ID:            uuid.New(),
			StoryID:       story.ID,
			Index:         i + 1,
			Title:         p.Title,
			Summary:       p.Summary,
			IsLowestPoint: p.IsLowestPoint,
		}
		if len(p.Arcs) != len(story.Characters) {
			return nil, fmt.Errorf("%w: part %d has %d arcs for %d characters",
				ErrMalformed, i+1, len(p.Arcs), len(story.Characters))
		}
		for _, a := range p.Arcs {
			charID, ok := charByName[strings.ToLower(strings.TrimSpace(a.CharacterName))]
			if !ok {
				return nil, fmt.Errorf("%w: part %d references unknown character %q",
					ErrMalformed, i+1, a.CharacterName)
			}
			class := model.ArcClass(strings.ToLower(a.Class))
			if class != model.ArcPrimary && class != model.ArcSecondary {
				return nil, fmt.Errorf("%w: unknown arc class %q", ErrMalformed, a.Class)
			}
			part.Arcs = append(part.Arcs, model.CharacterArc{
				ID:            uuid.New(),
				PartID:        part.ID,
				CharacterID:   charID,
				CharacterName: strings.TrimSpace(a.CharacterName),
				Macro: model.Cycle{
					Adversity:    a.Adversity,
					Virtue:       a.Virtue,
					Consequence:  a.Consequence,
					NewAdversity: a.NewAdversity,
				},
				EstimatedChapters: a.EstimatedChapters,
				Class:             class,
				Strategy:          a.Strategy,
			})
		}
		parts = append(parts, part)
	}

	if err := model.ValidateParts(parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return parts, nil
}

// --- Chapter ---

type chapterPayload struct {
	Title        string      `json:"title"`
	Summary      string      `json:"summary"`
	Cycle        model.Cycle `json:"cycle"`
	PlantedSeeds []struct {
		Description    string `json:"description"`
		ExpectedPayoff string `json:"expectedPayoff"`
	} `json:"plantedSeeds"`
	ResolvedSeeds []struct {
		SeedID string `json:"seedId"`
		Payoff string `json:"payoff"`
	} `json:"resolvedSeeds"`
	ConnectsToPrevious   string `json:"connectsToPreviousChapter"`
	CreatesNextAdversity string `json:"createsNextAdversity"`
}

// ParsedChapter is the chapter stage payload before the seed ledger has
// accepted its seed section. Seeds carry no ids yet; resolutions
// reference previously planted seed ids.
type ParsedChapter struct {
	Chapter       model.Chapter
	PlantedSeeds  []ParsedSeed
	ResolvedSeeds []ParsedResolution
}

type ParsedSeed struct {
	Description    string
	ExpectedPayoff string
}

type ParsedResolution struct {
	SeedID uuid.UUID
	Payoff string
}

// ParseChapter parses one chapter stage output.
func ParseChapter(text string, partID, arcID uuid.UUID, index int, isFirstInStory bool) (*ParsedChapter, error) {
	var payload chapterPayload
	if err := unmarshalObject(text, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return nil, fmt.Errorf("%w: chapter summary is empty", ErrMalformed)
	}
	if strings.TrimSpace(payload.CreatesNextAdversity) == "" {
		return nil, fmt.Errorf("%w: createsNextAdversity is empty", ErrMalformed)
	}
	if !isFirstInStory && strings.TrimSpace(payload.ConnectsToPrevious) == "" {
		return nil, fmt.Errorf("%w: connectsToPreviousChapter is empty", ErrMalformed)
	}

	parsed := &ParsedChapter{
		Chapter: model.Chapter{
			ID:                   uuid.New(),
			PartID:               partID,
			CharacterArcID:       arcID,
			Index:                index,
			Title:                payload.Title,
			Summary:              payload.Summary,
			Micro:                payload.Cycle,
			ConnectsToPrevious:   payload.ConnectsToPrevious,
			CreatesNextAdversity: payload.CreatesNextAdversity,
		},
	}
	for _, s := range payload.PlantedSeeds {
		parsed.PlantedSeeds = append(parsed.PlantedSeeds, ParsedSeed{
			Description:    s.Description,
			ExpectedPayoff: s.ExpectedPayoff,
		})
	}
	for _, r := range payload.ResolvedSeeds {
		id, err := uuid.Parse(strings.TrimSpace(r.SeedID))
		if err != nil {
			return nil, fmt.Errorf("%w: resolvedSeeds contains invalid seed id %q", ErrMalformed, r.SeedID)
		}
		parsed.ResolvedSeeds = append(parsed.ResolvedSeeds, ParsedResolution{SeedID: id, Payoff: r.Payoff})
	}
	return parsed, nil
}

// --- Scene specifications ---

type sceneSpecsPayload struct {
	Scenes []struct {
		Title          string   `json:"title"`
		Summary        string   `json:"summary"`
		SensoryAnchors []string `json:"sensoryAnchors"`
		DialogueRatio  string   `json:"dialogueRatio"`
		LengthClass    string   `json:"lengthClass"`
		Phase          string   `json:"phase"`
		EmotionalBeat  string   `json:"emotionalBeat"`
	} `json:"scenes"`
}

// ParseSceneSpecs parses the scene-specification stage output and enforces
// the phase-coverage invariants.
func ParseSceneSpecs(text string, chapterID uuid.UUID) ([]model.Scene, error) {
	var payload sceneSpecsPayload
	if err := unmarshalObject(text, &payload); err != nil {
		return nil, err
	}

	scenes := make([]model.Scene, 0, len(payload.Scenes))
	for i, s := range payload.Scenes {
		phase := model.CyclePhase(strings.ToLower(strings.TrimSpace(s.Phase)))
		if !phase.Valid() {
			return nil, fmt.Errorf("%w: unknown cycle phase %q", ErrMalformed, s.Phase)
		}
		class := model.LengthClass(strings.ToLower(strings.TrimSpace(s.LengthClass)))
		switch class {
		case model.LengthShort, model.LengthMedium, model.LengthLong:
		default:
			return nil, fmt.Errorf("%w: unknown length class %q", ErrMalformed, s.LengthClass)
		}
		scenes = append(scenes, model.Scene{
			ID:        uuid.New(),
			ChapterID: chapterID,
			Index:     i + 1,
			Title:     s.Title,
			Spec: model.SceneSpec{
				Summary:        s.Summary,
				SensoryAnchors: s.SensoryAnchors,
				DialogueRatio:  s.DialogueRatio,
				LengthClass:    class,
			},
			Phase:         phase,
			EmotionalBeat: s.EmotionalBeat,
		})
	}

	if err := model.ValidateSceneSet(scenes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return scenes, nil
}

// --- Scene content ---

type sceneContentPayload struct {
	Content string `json:"content"`
}

// ParseSceneContent parses the prose stage output.
func ParseSceneContent(text string) (string, error) {
	var payload sceneContentPayload
	if err := unmarshalObject(text, &payload); err != nil {
		return "", err
	}
	content := strings.TrimSpace(payload.Content)
	if content == "" {
		return "", fmt.Errorf("%w: scene content is empty", ErrMalformed)
	}
	return content, nil
}
