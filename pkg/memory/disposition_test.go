package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampAxis(t *testing.T) {
	assert.Equal(t, 1, clampAxis(0))
	assert.Equal(t, 1, clampAxis(-10))
	assert.Equal(t, 3, clampAxis(3))
	assert.Equal(t, 5, clampAxis(5))
	assert.Equal(t, 5, clampAxis(99))
}

func TestBuildDispositionPromptNeutral(t *testing.T) {
	assert.Empty(t, buildDispositionPrompt(defaultDisposition()))
}

func TestBuildDispositionPromptHighSkepticism(t *testing.T) {
	prompt := buildDispositionPrompt(Disposition{Skepticism: 5, Literalism: 3, Empathy: 3})
	assert.True(t, strings.HasPrefix(prompt, "## 推論ガイダンス"))
	assert.Contains(t, prompt, "懐疑的")
	assert.NotContains(t, prompt, "文字通り")
}

func TestBuildDispositionPromptAllExtremes(t *testing.T) {
	prompt := buildDispositionPrompt(Disposition{Skepticism: 1, Literalism: 5, Empathy: 1})
	assert.Contains(t, prompt, "額面通り")
	assert.Contains(t, prompt, "文字通り")
	assert.Contains(t, prompt, "事実と結果")
	assert.Equal(t, 3, strings.Count(prompt, "- "))
}
