package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildEmbeddingText(t *testing.T) {
	assert.Equal(t, "ラーメンを食べた", buildEmbeddingText(Fact{Text: "ラーメンを食べた"}))

	eventDate := date(2026, time.January, 15)
	got := buildEmbeddingText(Fact{Text: "ラーメンを食べた", EventDate: &eventDate})
	assert.Equal(t, "ラーメンを食べた (happened on 2026-01-15)", got)
}

func TestDuplicateBucket(t *testing.T) {
	morning := time.Date(2026, time.January, 15, 9, 30, 0, 0, time.UTC)
	start, end := duplicateBucket(morning)
	assert.Equal(t, time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC), end)

	evening := time.Date(2026, time.January, 15, 23, 59, 0, 0, time.UTC)
	start, end = duplicateBucket(evening)
	assert.Equal(t, time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, time.January, 16, 0, 0, 0, 0, time.UTC), end)

	// same window regardless of position inside it
	other := time.Date(2026, time.January, 15, 2, 0, 0, 0, time.UTC)
	otherStart, _ := duplicateBucket(other)
	morningStart, _ := duplicateBucket(morning)
	assert.Equal(t, morningStart, otherStart)
}
