package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompletion struct {
	response string
	err      error

	lastMessages []openai.ChatCompletionMessageParamUnion
}

func (f *fakeCompletion) Completions(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, model string) (openai.ChatCompletionMessage, error) {
	f.lastMessages = messages
	if f.err != nil {
		return openai.ChatCompletionMessage{}, f.err
	}
	return openai.ChatCompletionMessage{Content: f.response}, nil
}

func consolidationTestEngine(fake *fakeCompletion) *Engine {
	return &Engine{
		logger:             log.New(io.Discard),
		completions:        fake,
		consolidationModel: "test-model",
	}
}

func TestConsolidateWithLLMFiltersInvalidActions(t *testing.T) {
	fake := &fakeCompletion{response: `[
		{"action": "create", "text": "太郎はラーメンが好き", "reason": "ok"},
		{"action": "create", "text": "", "reason": "missing text"},
		{"action": "update", "learning_id": "` + uuid.New().String() + `", "text": "更新", "reason": "ok"},
		{"action": "update", "text": "no learning id"},
		{"action": "skip"}
	]`}
	e := consolidationTestEngine(fake)

	actions := e.consolidateWithLLM(context.Background(), "太郎はラーメンを食べた", nil, "")
	require.Len(t, actions, 2)
	assert.Equal(t, "create", actions[0].Action)
	assert.Equal(t, "update", actions[1].Action)
}

func TestConsolidateWithLLMMissionSection(t *testing.T) {
	fake := &fakeCompletion{response: `[]`}
	e := consolidationTestEngine(fake)

	e.consolidateWithLLM(context.Background(), "事実", nil, "ユーザーの健康管理")

	raw, err := json.Marshal(fake.lastMessages)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ミッション: ユーザーの健康管理")
	assert.Contains(t, string(raw), "記憶統合システム")
}

func TestConsolidateWithLLMNoMission(t *testing.T) {
	fake := &fakeCompletion{response: `[]`}
	e := consolidationTestEngine(fake)

	e.consolidateWithLLM(context.Background(), "事実", nil, "")

	raw, err := json.Marshal(fake.lastMessages)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "ミッション:")
}

func TestConsolidateWithLLMObservationPayloadCaps(t *testing.T) {
	fake := &fakeCompletion{response: `[]`}
	e := consolidationTestEngine(fake)

	memories := make([]sourceMemory, 5)
	for i := range memories {
		memories[i] = sourceMemory{Text: "記憶"}
	}
	obs := []relatedObservation{{
		ID:             uuid.New(),
		Text:           "観察",
		ProofCount:     4,
		SourceMemories: memories,
	}}

	e.consolidateWithLLM(context.Background(), "事実", obs, "")

	raw, err := json.Marshal(fake.lastMessages)
	require.NoError(t, err)
	// at most three source memories make it into the payload
	assert.Equal(t, 3, strings.Count(string(raw), `\"text\":\"記憶\"`))
}

func TestConsolidateWithLLMErrorsYieldNoActions(t *testing.T) {
	e := consolidationTestEngine(&fakeCompletion{err: errors.New("upstream down")})
	assert.Nil(t, e.consolidateWithLLM(context.Background(), "事実", nil, ""))

	e = consolidationTestEngine(&fakeCompletion{response: "no json here"})
	assert.Nil(t, e.consolidateWithLLM(context.Background(), "事実", nil, ""))
}
