package model

import (
	"time"

	"github.com/google/uuid"
)

// Cycle is one adversity-triumph unit. It appears at macro scale on a
// CharacterArc and at micro scale on a Chapter summary.
type Cycle struct {
	Adversity    string `json:"adversity"`
	Virtue       string `json:"virtue"`
	Consequence  string `json:"consequence"`
	NewAdversity string `json:"newAdversity"`
}

// Story is the top-level entity produced by the story-summary stage.
// Premise describes the world and moral frame only; concrete plot events
// belong to later stages.
type Story struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	Premise        string      `json:"premise" db:"premise"`
	Genre          string      `json:"genre" db:"genre"`
	Tone           string      `json:"tone" db:"tone"`
	MoralFramework string      `json:"moralFramework" db:"moral_framework"`
	Characters     []Character `json:"characters" db:"-"`
	Status         StoryStatus `json:"status" db:"status"`
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time   `json:"updatedAt" db:"updated_at"`
}

// StoryStatus reflects where the story sits in its generation lifecycle.
type StoryStatus string

const (
	StoryStatusPending    StoryStatus = "pending"
	StoryStatusGenerating StoryStatus = "generating"
	StoryStatusComplete   StoryStatus = "complete"
	StoryStatusFailed     StoryStatus = "failed"
	StoryStatusCancelled  StoryStatus = "cancelled"
)

// Character identity is fixed by the story-summary stage; the expansion
// pass fills Backstory, Relationships, Voice and PortraitPrompt later.
type Character struct {
	ID           uuid.UUID `json:"id" db:"id"`
	StoryID      uuid.UUID `json:"storyId" db:"story_id"`
	Name         string    `json:"name" db:"name"`
	CoreTrait    string    `json:"coreTrait" db:"core_trait"`
	InternalFlaw string    `json:"internalFlaw" db:"internal_flaw"`
	ExternalGoal string    `json:"externalGoal" db:"external_goal"`

	Backstory     string `json:"backstory,omitempty" db:"backstory"`
	Relationships string `json:"relationships,omitempty" db:"relationships"`
	Voice         string `json:"voice,omitempty" db:"voice"`
	PortraitPrompt string `json:"portraitPrompt,omitempty" db:"portrait_prompt"`
}

// Part is one act of the three-act structure.
type Part struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	StoryID       uuid.UUID      `json:"storyId" db:"story_id"`
	Index         int            `json:"index" db:"part_index"` // 1..3
	Title         string         `json:"title" db:"title"`
	Summary       string         `json:"summary" db:"summary"`
	IsLowestPoint bool           `json:"isLowestPoint" db:"is_lowest_point"`
	Arcs          []CharacterArc `json:"arcs" db:"-"`
}

// ArcClass splits a part's arcs into primary and secondary threads.
type ArcClass string

const (
	ArcPrimary   ArcClass = "primary"
	ArcSecondary ArcClass = "secondary"
)

// CharacterArc is one character's macro cycle within one part.
type CharacterArc struct {
	ID                uuid.UUID `json:"id" db:"id"`
	PartID            uuid.UUID `json:"partId" db:"part_id"`
	CharacterID       uuid.UUID `json:"characterId" db:"character_id"`
	CharacterName     string    `json:"characterName" db:"character_name"`
	Macro             Cycle     `json:"macro" db:"-"`
	EstimatedChapters int       `json:"estimatedChapters" db:"estimated_chapters"` // 2..4
	Class             ArcClass  `json:"class" db:"arc_class"`
	Strategy          string    `json:"strategy" db:"strategy"`
}

// ArcPosition marks where a chapter sits inside its character arc.
type ArcPosition string

const (
	ArcPosBeginning  ArcPosition = "beginning"
	ArcPosMiddle     ArcPosition = "middle"
	ArcPosClimax     ArcPosition = "climax"
	ArcPosResolution ArcPosition = "resolution"
)

// arcPositionOrder gives the narrative ordering used by the
// non-decreasing invariant.
var arcPositionOrder = map[ArcPosition]int{
	ArcPosBeginning:  0,
	ArcPosMiddle:     1,
	ArcPosClimax:     2,
	ArcPosResolution: 3,
}

// Rank returns the position's place in narrative order, or -1 if unknown.
func (p ArcPosition) Rank() int {
	r, ok := arcPositionOrder[p]
	if !ok {
		return -1
	}
	return r
}

// Chapter encodes one complete micro cycle.
type Chapter struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	PartID         uuid.UUID   `json:"partId" db:"part_id"`
	CharacterArcID uuid.UUID   `json:"characterArcId" db:"character_arc_id"`
	Index          int         `json:"index" db:"chapter_index"`
	Title          string      `json:"title" db:"title"`
	Summary        string      `json:"summary" db:"summary"`
	Micro          Cycle       `json:"micro" db:"-"`
	ArcPosition    ArcPosition `json:"arcPosition" db:"arc_position"`

	PlantedSeeds  []Seed           `json:"plantedSeeds" db:"-"`
	ResolvedSeeds []SeedResolution `json:"resolvedSeeds" db:"-"`

	// ConnectsToPrevious ties this chapter's opening to the previous
	// chapter's resolution; empty only for the first chapter of a part.
	ConnectsToPrevious string `json:"connectsToPreviousChapter" db:"connects_to_previous"`
	// CreatesNextAdversity is consumed verbatim by the next chapter's
	// generation call.
	CreatesNextAdversity string `json:"createsNextAdversity" db:"creates_next_adversity"`
}

// Seed is a planted narrative setup owned by the chapter that planted it.
type Seed struct {
	ID             uuid.UUID `json:"id" db:"id"`
	ChapterID      uuid.UUID `json:"chapterId" db:"chapter_id"`
	Description    string    `json:"description" db:"description"`
	ExpectedPayoff string    `json:"expectedPayoff" db:"expected_payoff"`
	PlantedAt      time.Time `json:"plantedAt" db:"planted_at"`
}

// SeedResolution is a read-only cross-reference from a later chapter back
// to a planted seed. A seed resolves at most once.
type SeedResolution struct {
	SeedID     uuid.UUID `json:"seedId" db:"seed_id"`
	ChapterID  uuid.UUID `json:"chapterId" db:"chapter_id"`
	Payoff     string    `json:"payoff" db:"payoff"`
	ResolvedAt time.Time `json:"resolvedAt" db:"resolved_at"`
}

// CyclePhase tags a scene with its role inside the chapter's cycle.
type CyclePhase string

const (
	PhaseSetup         CyclePhase = "setup"
	PhaseConfrontation CyclePhase = "confrontation"
	PhaseVirtue        CyclePhase = "virtue"
	PhaseConsequence   CyclePhase = "consequence"
	PhaseTransition    CyclePhase = "transition"
)

// CyclePhases lists all five phases in narrative order.
var CyclePhases = []CyclePhase{
	PhaseSetup, PhaseConfrontation, PhaseVirtue, PhaseConsequence, PhaseTransition,
}

// Valid reports whether p is one of the five cycle phases.
func (p CyclePhase) Valid() bool {
	for _, known := range CyclePhases {
		if p == known {
			return true
		}
	}
	return false
}

// LengthClass maps to a target word-count band for scene prose.
type LengthClass string

const (
	LengthShort  LengthClass = "short"
	LengthMedium LengthClass = "medium"
	LengthLong   LengthClass = "long"
)

// SceneSpec is the planning layer of a scene, produced before any prose.
type SceneSpec struct {
	Summary       string      `json:"summary"`
	SensoryAnchors []string   `json:"sensoryAnchors"`
	DialogueRatio string      `json:"dialogueRatio"`
	LengthClass   LengthClass `json:"lengthClass"`
}

// Scene is created in two passes: specification first, prose second.
// Content may be regenerated without touching the spec.
type Scene struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	ChapterID     uuid.UUID  `json:"chapterId" db:"chapter_id"`
	Index         int        `json:"index" db:"scene_index"`
	Title         string     `json:"title" db:"title"`
	Spec          SceneSpec  `json:"spec" db:"-"`
	Phase         CyclePhase `json:"phase" db:"phase"`
	EmotionalBeat string     `json:"emotionalBeat" db:"emotional_beat"`
	Content       string     `json:"content" db:"content"`
	WordCount     int        `json:"wordCount" db:"word_count"`
}
