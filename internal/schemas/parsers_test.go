package schemas

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable-engine/internal/model"
)

func TestExtractJSONObject(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		raw, err := ExtractJSONObject(`{"a":1}`)
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, raw)
	})

	t.Run("fenced object with commentary", func(t *testing.T) {
		raw, err := ExtractJSONObject("Here is the result:\n```json\n{\"a\": 1}\n```\nHope this helps!")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, raw)
	})

	t.Run("no object", func(t *testing.T) {
		_, err := ExtractJSONObject("I cannot produce JSON right now.")
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

const summaryJSON = `{
	"premise": "A fishing village where every debt is remembered in knotted cord.",
	"genre": "literary fantasy",
	"tone": "somber, hopeful",
	"moralFramework": "generosity against scarcity",
	"characters": [
		{"name": "Mira", "coreTrait": "steadfast", "internalFlaw": "Cannot accept help because her mentor's help once cost a life", "externalGoal": "keep the boat"},
		{"name": "Joon", "coreTrait": "curious", "internalFlaw": "Hoards kindness since the famine took his brother", "externalGoal": "leave the village"}
	]
}`

func TestParseStorySummary(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		story, err := ParseStorySummary(summaryJSON)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, story.ID)
		assert.Equal(t, model.StoryStatusGenerating, story.Status)
		require.Len(t, story.Characters, 2)
		assert.Equal(t, story.ID, story.Characters[0].StoryID)
	})

	t.Run("flaw without cause is malformed", func(t *testing.T) {
		bad := `{"premise":"x y z","characters":[
			{"name":"A","internalFlaw":"Is stubborn"},
			{"name":"B","internalFlaw":"Lies since the war"}]}`
		_, err := ParseStorySummary(bad)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("one character is malformed", func(t *testing.T) {
		bad := `{"premise":"x y z","characters":[{"name":"A","internalFlaw":"Lies since the war"}]}`
		_, err := ParseStorySummary(bad)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestParseCharacterExpansion(t *testing.T) {
	c := model.Character{ID: uuid.New(), Name: "Mira", InternalFlaw: "flaw because reason"}

	t.Run("expansion fills mutable fields only", func(t *testing.T) {
		got := c
		err := ParseCharacterExpansion(`{"backstory":"Raised on the north quay.","relationships":"Owes Joon a season's wages.","voice":"clipped","portraitPrompt":"weathered woman, oilskin coat"}`, &got)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, c.Name, got.Name)
		assert.Equal(t, "Raised on the north quay.", got.Backstory)
		assert.Equal(t, "clipped", got.Voice)
	})

	t.Run("empty backstory is malformed", func(t *testing.T) {
		got := c
		err := ParseCharacterExpansion(`{"backstory":" "}`, &got)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func storyWithCharacters() *model.Story {
	story, _ := ParseStorySummary(summaryJSON)
	return story
}

func partsJSON(arcClassPart1Mira string) string {
	return `{"parts":[
	{"title":"Act I","summary":"s","isLowestPoint":false,"arcs":[
		{"characterName":"Mira","adversity":"the debt ledger burns","virtue":"courage","consequence":"c","newAdversity":"the debt ledger burns colder","estimatedChapters":3,"class":"` + arcClassPart1Mira + `","strategy":"st"},
		{"characterName":"Joon","adversity":"a","virtue":"v","consequence":"c","newAdversity":"n","estimatedChapters":2,"class":"secondary","strategy":"st"}]},
	{"title":"Act II","summary":"s","isLowestPoint":true,"arcs":[
		{"characterName":"Mira","adversity":"the debt ledger burns colder","virtue":"v","consequence":"c","newAdversity":"n2","estimatedChapters":3,"class":"primary","strategy":"st"},
		{"characterName":"Joon","adversity":"a2","virtue":"v","consequence":"c","newAdversity":"n2","estimatedChapters":2,"class":"secondary","strategy":"st"}]},
	{"title":"Act III","summary":"s","isLowestPoint":false,"arcs":[
		{"characterName":"Mira","adversity":"a3","virtue":"v","consequence":"c","newAdversity":"n3","estimatedChapters":2,"class":"primary","strategy":"st"},
		{"characterName":"Joon","adversity":"a3","virtue":"v","consequence":"c","newAdversity":"n3","estimatedChapters":2,"class":"secondary","strategy":"st"}]}
]}`
}

func TestParseParts(t *testing.T) {
	story := storyWithCharacters()

	t.Run("valid payload", func(t *testing.T) {
		parts, err := ParseParts(partsJSON("primary"), story)
		require.NoError(t, err)
		require.Len(t, parts, 3)
		assert.True(t, parts[1].IsLowestPoint)
		assert.Equal(t, story.Characters[0].ID, parts[0].Arcs[0].CharacterID)
		assert.Equal(t, model.ArcPrimary, parts[0].Arcs[0].Class)
	})

	t.Run("unknown arc class", func(t *testing.T) {
		_, err := ParseParts(partsJSON("lead"), story)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown character name", func(t *testing.T) {
		// Replace a known name so the arc count still matches.
		bad := strings.Replace(partsJSON("primary"), `"characterName":"Joon"`, `"characterName":"Ghost"`, 1)
		_, err := ParseParts(bad, story)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

const chapterJSON = `{
	"title": "The Unbarred Door",
	"summary": "Mira shelters the collector's daughter.",
	"cycle": {"adversity":"a","virtue":"v","consequence":"c","newAdversity":"n"},
	"plantedSeeds": [{"description":"leaves the granary door unbarred for the refugees","expectedPayoff":"the refugees return the favor"}],
	"resolvedSeeds": [],
	"connectsToPreviousChapter": "picks up from the storm",
	"createsNextAdversity": "the collector notices the missing grain"
}`

func TestParseChapter(t *testing.T) {
	partID, arcID := uuid.New(), uuid.New()

	t.Run("valid chapter", func(t *testing.T) {
		parsed, err := ParseChapter(chapterJSON, partID, arcID, 2, false)
		require.NoError(t, err)
		assert.Equal(t, 2, parsed.Chapter.Index)
		assert.Equal(t, arcID, parsed.Chapter.CharacterArcID)
		require.Len(t, parsed.PlantedSeeds, 1)
	})

	t.Run("first chapter may omit the link", func(t *testing.T) {
		noLink := strings.Replace(chapterJSON, `"connectsToPreviousChapter": "picks up from the storm"`, `"connectsToPreviousChapter": ""`, 1)
		_, err := ParseChapter(noLink, partID, arcID, 1, true)
		assert.NoError(t, err)

		_, err = ParseChapter(noLink, partID, arcID, 2, false)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("invalid resolved seed id", func(t *testing.T) {
		bad := strings.Replace(chapterJSON, `"resolvedSeeds": []`, `"resolvedSeeds": [{"seedId":"not-a-uuid","payoff":"p"}]`, 1)
		_, err := ParseChapter(bad, partID, arcID, 2, false)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing createsNextAdversity", func(t *testing.T) {
		bad := strings.Replace(chapterJSON, `"createsNextAdversity": "the collector notices the missing grain"`, `"createsNextAdversity": ""`, 1)
		_, err := ParseChapter(bad, partID, arcID, 1, true)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

const sceneSpecsJSON = `{"scenes":[
	{"title":"t1","summary":"s","sensoryAnchors":["salt"],"dialogueRatio":"low","lengthClass":"short","phase":"setup","emotionalBeat":"dread"},
	{"title":"t2","summary":"s","sensoryAnchors":["rope"],"dialogueRatio":"high","lengthClass":"medium","phase":"confrontation","emotionalBeat":"anger"},
	{"title":"t3","summary":"s","sensoryAnchors":["rain"],"dialogueRatio":"low","lengthClass":"long","phase":"virtue","emotionalBeat":"resolve"},
	{"title":"t4","summary":"s","sensoryAnchors":["smoke"],"dialogueRatio":"medium","lengthClass":"medium","phase":"consequence","emotionalBeat":"relief"},
	{"title":"t5","summary":"s","sensoryAnchors":["dawn"],"dialogueRatio":"low","lengthClass":"short","phase":"transition","emotionalBeat":"unease"}
]}`

func TestParseSceneSpecs(t *testing.T) {
	chapterID := uuid.New()

	t.Run("valid payload", func(t *testing.T) {
		scenes, err := ParseSceneSpecs(sceneSpecsJSON, chapterID)
		require.NoError(t, err)
		require.Len(t, scenes, 5)
		assert.Equal(t, model.PhaseVirtue, scenes[2].Phase)
		assert.Equal(t, model.LengthLong, scenes[2].Spec.LengthClass)
		assert.Equal(t, 1, scenes[0].Index)
	})

	t.Run("virtue scene not long is malformed", func(t *testing.T) {
		bad := strings.Replace(sceneSpecsJSON, `"lengthClass":"long","phase":"virtue"`, `"lengthClass":"short","phase":"virtue"`, 1)
		_, err := ParseSceneSpecs(bad, chapterID)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown phase is malformed", func(t *testing.T) {
		bad := strings.Replace(sceneSpecsJSON, `"phase":"transition"`, `"phase":"denouement"`, 1)
		_, err := ParseSceneSpecs(bad, chapterID)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestParseSceneContent(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		content, err := ParseSceneContent("```json\n{\"content\":\"The tide was out when she reached the quay.\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "The tide was out when she reached the quay.", content)
	})

	t.Run("empty content is malformed", func(t *testing.T) {
		_, err := ParseSceneContent(`{"content":"  "}`)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}
