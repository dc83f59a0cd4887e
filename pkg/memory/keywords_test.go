package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractKeywordsStripsParticles(t *testing.T) {
	keywords := extractKeywords("田中さんはラーメンが好きですか")
	assert.Equal(t, []string{"田中さん", "ラーメン", "好き"}, keywords)
}

func TestExtractKeywordsCompoundBeforeSingle(t *testing.T) {
	// について must be removed whole; stripping に first would leave ついて.
	keywords := extractKeywords("プロジェクトについて教えて")
	assert.Contains(t, keywords, "プロジェクト")
	assert.NotContains(t, keywords, "ついて")
}

func TestExtractKeywordsDropsShortTokens(t *testing.T) {
	for _, kw := range extractKeywords("犬と猫と散歩について") {
		assert.GreaterOrEqual(t, len([]rune(kw)), minKeywordRunes)
	}
}

func TestExtractKeywordsDeduplicates(t *testing.T) {
	keywords := extractKeywords("会議の内容と会議の場所")
	count := 0
	for _, kw := range keywords {
		if kw == "会議" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestExtractKeywordsEmptyQuery(t *testing.T) {
	assert.Empty(t, extractKeywords(""))
	assert.Empty(t, extractKeywords("はがをに"))
}

func TestExtractKeywordsMixedScripts(t *testing.T) {
	keywords := extractKeywords("GoogleのAPIキーはどこですか")
	assert.Contains(t, keywords, "Google")
	assert.Contains(t, keywords, "APIキー")
}
