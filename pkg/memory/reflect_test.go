package memory

import (
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReflectContext() *reflectContext {
	return &reflectContext{
		availableMemoryIDs:      make(map[uuid.UUID]struct{}),
		availableMentalModelIDs: make(map[uuid.UUID]struct{}),
		availableObservationIDs: make(map[uuid.UUID]struct{}),
	}
}

func TestToolDoneRejectsEvidenceFreeAnswer(t *testing.T) {
	e := &Engine{logger: log.New(io.Discard)}
	rc := newReflectContext()

	result, outcome := e.toolDone(rc, `{"answer": "答えです"}`, 0, 10)
	assert.Nil(t, outcome)

	errMap, ok := result.(map[string]string)
	require.True(t, ok)
	assert.Contains(t, errMap["error"], "証拠が収集されていません")
}

func TestToolDoneAcceptsOnFinalIteration(t *testing.T) {
	e := &Engine{logger: log.New(io.Discard)}
	rc := newReflectContext()

	// no evidence, but the loop is out of iterations
	result, outcome := e.toolDone(rc, `{"answer": "答えです"}`, 9, 10)
	require.NotNil(t, outcome)
	assert.Equal(t, "答えです", outcome.Answer)
	assert.Empty(t, outcome.MemoryIDs)

	status, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", status["status"])
}

func TestToolDoneValidatesCitedIDs(t *testing.T) {
	e := &Engine{logger: log.New(io.Discard)}
	rc := newReflectContext()

	seen := uuid.New()
	rc.availableMemoryIDs[seen] = struct{}{}

	arguments := `{"answer": "答え", "memory_ids": ["` + seen.String() + `", "` + uuid.New().String() + `", "not-a-uuid"]}`
	_, outcome := e.toolDone(rc, arguments, 3, 10)
	require.NotNil(t, outcome)

	// only the ID the model actually retrieved survives
	assert.Equal(t, []uuid.UUID{seen}, outcome.MemoryIDs)
}

func TestToolDoneMalformedInput(t *testing.T) {
	e := &Engine{logger: log.New(io.Discard)}
	rc := newReflectContext()

	result, outcome := e.toolDone(rc, `not json`, 0, 10)
	assert.Nil(t, outcome)
	errMap, ok := result.(map[string]string)
	require.True(t, ok)
	assert.NotEmpty(t, errMap["error"])
}

func TestBuildReflectToolsDirectiveCompliance(t *testing.T) {
	plain := buildReflectTools(false)
	require.Len(t, plain, 5)

	doneParams := plain[4].Function.Parameters
	assert.Equal(t, []string{"answer"}, doneParams["required"])

	withDirectives := buildReflectTools(true)
	doneParams = withDirectives[4].Function.Parameters
	assert.Equal(t, []string{"answer", "directive_compliance"}, doneParams["required"])

	props, ok := doneParams["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "directive_compliance")
}

func TestBuildReflectToolNames(t *testing.T) {
	tools := buildReflectTools(false)
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Function.Name
	}
	assert.Equal(t, []string{"search_mental_models", "search_observations", "recall", "expand", "done"}, names)
}

func TestBuildReflectSystemPromptAssemblyOrder(t *testing.T) {
	directives := []string{"常に敬語を使う"}
	disposition := Disposition{Skepticism: 5, Literalism: 3, Empathy: 3}

	prompt := buildReflectSystemPrompt(disposition, directives)

	section := strings.Index(prompt, "## ディレクティブ（必須）")
	guidance := strings.Index(prompt, "## 推論ガイダンス")
	body := strings.Index(prompt, "検索階層")
	reminder := strings.Index(prompt, "**回答前の確認**")

	require.True(t, section >= 0 && guidance >= 0 && body >= 0 && reminder >= 0)
	assert.Less(t, section, guidance)
	assert.Less(t, guidance, body)
	assert.Less(t, body, reminder)
}

func TestBuildReflectSystemPromptBare(t *testing.T) {
	prompt := buildReflectSystemPrompt(defaultDisposition(), nil)
	assert.Equal(t, reflectSystemPrompt, prompt)
}

func TestSetToSlice(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	out := setToSlice(map[uuid.UUID]struct{}{a: {}, b: {}})
	assert.ElementsMatch(t, []uuid.UUID{a, b}, out)
	assert.Empty(t, setToSlice(nil))
}
