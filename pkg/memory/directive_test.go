package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildDirectivesSection(t *testing.T) {
	assert.Empty(t, buildDirectivesSection(nil))

	section := buildDirectivesSection([]string{"常に敬語を使う", "推測を事実として述べない"})
	assert.True(t, strings.HasPrefix(section, "## ディレクティブ（必須）"))
	assert.Contains(t, section, "1. 常に敬語を使う")
	assert.Contains(t, section, "2. 推測を事実として述べない")
	assert.Contains(t, section, "いかなる状況でも許可されません")
}

func TestBuildDirectivesReminder(t *testing.T) {
	assert.Empty(t, buildDirectivesReminder(nil))

	reminder := buildDirectivesReminder([]string{"常に敬語を使う"})
	assert.Contains(t, reminder, "**回答前の確認**")
	assert.Contains(t, reminder, "  1. 常に敬語を使う")
}
