package stage

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fable-engine/internal/ai"
	"fable-engine/internal/mocks"
	"fable-engine/internal/model"
)

func prose(words int) string {
	return strings.TrimSpace(strings.Repeat("word ", words))
}

func contentResponse(t *testing.T, words int) string {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"content": prose(words)})
	require.NoError(t, err)
	return string(raw)
}

func sceneContentInput() SceneContentInput {
	return SceneContentInput{
		Story: &model.Story{ID: uuid.New(), Premise: "p"},
		Scene: &model.Scene{
			ID:    uuid.New(),
			Index: 1,
			Title: "The Quay",
			Spec:  model.SceneSpec{Summary: "s", LengthClass: model.LengthShort},
			Phase: model.PhaseSetup,
		},
	}
}

func TestGenerateSceneContentWithinBand(t *testing.T) {
	client := mocks.NewMockAIClient(t)
	client.On("Generate", mock.Anything, mock.Anything).
		Return(ai.Response{Text: contentResponse(t, 400)}, nil).Once()

	gen, _ := newTestGenerator(t, client)
	content, words, _, err := gen.GenerateSceneContent(context.Background(), sceneContentInput())
	require.NoError(t, err)
	assert.Equal(t, 400, words)
	assert.Equal(t, prose(400), content)
	client.AssertNumberOfCalls(t, "Generate", 1)
}

func TestGenerateSceneContentRegeneratesOutOfBandDraft(t *testing.T) {
	client := mocks.NewMockAIClient(t)
	var second ai.Request
	// 551 words breaks the tolerated short band (270-550).
	client.On("Generate", mock.Anything, mock.Anything).
		Return(ai.Response{Text: contentResponse(t, 551)}, nil).Once()
	client.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { second = args.Get(1).(ai.Request) }).
		Return(ai.Response{Text: contentResponse(t, 450)}, nil).Once()

	gen, _ := newTestGenerator(t, client)
	_, words, _, err := gen.GenerateSceneContent(context.Background(), sceneContentInput())
	require.NoError(t, err)
	assert.Equal(t, 450, words)
	client.AssertNumberOfCalls(t, "Generate", 2)

	// The regeneration prompt names the miss and the target band.
	assert.Contains(t, second.UserInput, "551 words")
	assert.Contains(t, second.UserInput, "300-500")
}

func TestGenerateSceneContentAcceptsSecondMiss(t *testing.T) {
	client := mocks.NewMockAIClient(t)
	client.On("Generate", mock.Anything, mock.Anything).
		Return(ai.Response{Text: contentResponse(t, 551)}, nil).Once()
	client.On("Generate", mock.Anything, mock.Anything).
		Return(ai.Response{Text: contentResponse(t, 600)}, nil).Once()

	gen, _ := newTestGenerator(t, client)
	content, words, _, err := gen.GenerateSceneContent(context.Background(), sceneContentInput())
	require.NoError(t, err)
	assert.Equal(t, 600, words)
	assert.Equal(t, prose(600), content)
	client.AssertNumberOfCalls(t, "Generate", 2)
}
