package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTagsWhereClauseAny(t *testing.T) {
	clause, params, next := buildTagsWhereClause([]string{"work"}, 3, TagMatchAny)
	assert.Equal(t, "(tags IS NULL OR tags = '{}' OR tags && $3::text[])", clause)
	require.Len(t, params, 1)
	assert.Equal(t, []string{"work"}, params[0])
	assert.Equal(t, 4, next)
}

func TestBuildTagsWhereClauseAll(t *testing.T) {
	clause, _, _ := buildTagsWhereClause([]string{"a", "b"}, 1, TagMatchAll)
	assert.Equal(t, "(tags IS NULL OR tags = '{}' OR tags @> $1::text[])", clause)
}

func TestBuildTagsWhereClauseAnyStrict(t *testing.T) {
	clause, _, _ := buildTagsWhereClause([]string{"a"}, 2, TagMatchAnyStrict)
	assert.Equal(t, "tags IS NOT NULL AND tags != '{}' AND tags && $2::text[]", clause)
}

func TestBuildTagsWhereClauseAllStrict(t *testing.T) {
	clause, _, _ := buildTagsWhereClause([]string{"a"}, 2, TagMatchAllStrict)
	assert.Equal(t, "tags IS NOT NULL AND tags != '{}' AND tags @> $2::text[]", clause)
}

func TestBuildTagsWhereClauseUnknownModeFallsBack(t *testing.T) {
	clause, _, next := buildTagsWhereClause([]string{"a"}, 5, TagMatchMode("bogus"))
	assert.Equal(t, "(tags IS NULL OR tags = '{}' OR tags && $5::text[])", clause)
	assert.Equal(t, 6, next)
}

func TestValidTagMatchMode(t *testing.T) {
	assert.True(t, validTagMatchMode(TagMatchAny))
	assert.True(t, validTagMatchMode(TagMatchAllStrict))
	assert.False(t, validTagMatchMode(TagMatchMode("")))
	assert.False(t, validTagMatchMode(TagMatchMode("some")))
}
