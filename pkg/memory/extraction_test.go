package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindJSONArrayPlainArray(t *testing.T) {
	raw := findJSONArray(`[{"a": 1}, {"a": 2}]`)
	require.NotNil(t, raw)
	var probe []map[string]int
	require.NoError(t, json.Unmarshal(raw, &probe))
	assert.Len(t, probe, 2)
}

func TestFindJSONArrayWrappedInProse(t *testing.T) {
	text := "Here are the facts:\n```json\n[{\"text\": \"hello\"}]\n```\nDone."
	raw := findJSONArray(text)
	require.NotNil(t, raw)
	assert.Equal(t, `[{"text": "hello"}]`, string(raw))
}

func TestFindJSONArrayBracketsInsideStrings(t *testing.T) {
	text := `prefix [{"text": "array chars ] inside [ a string"}] suffix`
	raw := findJSONArray(text)
	require.NotNil(t, raw)

	var probe []map[string]string
	require.NoError(t, json.Unmarshal(raw, &probe))
	assert.Equal(t, "array chars ] inside [ a string", probe[0]["text"])
}

func TestFindJSONArrayEscapedQuotes(t *testing.T) {
	text := `[{"text": "a \"quoted ]\" value"}]`
	raw := findJSONArray(text)
	require.NotNil(t, raw)

	var probe []map[string]string
	require.NoError(t, json.Unmarshal(raw, &probe))
	assert.Equal(t, `a "quoted ]" value`, probe[0]["text"])
}

func TestFindJSONArrayNone(t *testing.T) {
	assert.Nil(t, findJSONArray("no array here"))
	assert.Nil(t, findJSONArray("unbalanced [ never closes"))
}

func TestExtractJSONArrayParsesFacts(t *testing.T) {
	text := `[{"text": "太郎はピザが好き", "fact_type": "world", "fact_kind": "conversation"}]`
	raws := extractJSONArray(text)
	require.Len(t, raws, 1)
	assert.Equal(t, "太郎はピザが好き", raws[0].Text)
}

func TestExtractJSONArrayGarbage(t *testing.T) {
	assert.Nil(t, extractJSONArray("sorry, I can't help with that"))
	assert.Nil(t, extractJSONArray(`{"not": "an array"}`))
}

func TestParseFactDefaultsAndDates(t *testing.T) {
	fact := parseFact(rawFact{
		Text:      "会議があった",
		FactKind:  "bogus",
		FactType:  "nonsense",
		EventDate: "2026-01-15",
	})
	assert.Equal(t, FactKindConversation, fact.FactKind)
	assert.Equal(t, FactTypeWorld, fact.FactType)
	require.NotNil(t, fact.EventDate)
	assert.Equal(t, date(2026, time.January, 15), *fact.EventDate)
}

func TestParseISOTime(t *testing.T) {
	got := parseISOTime("2026-01-15T10:30:00Z")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, time.January, 15, 10, 30, 0, 0, time.UTC), *got)

	assert.Nil(t, parseISOTime(""))
	assert.Nil(t, parseISOTime("null"))
	assert.Nil(t, parseISOTime("not a date"))
}
