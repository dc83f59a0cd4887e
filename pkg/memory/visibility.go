package memory

import "fmt"

// TagMatchMode controls how tag filters treat untagged rows.
type TagMatchMode string

const (
	// TagMatchAny matches rows sharing at least one tag; untagged rows pass.
	TagMatchAny TagMatchMode = "any"
	// TagMatchAll matches rows containing every tag; untagged rows pass.
	TagMatchAll TagMatchMode = "all"
	// TagMatchAnyStrict is TagMatchAny with untagged rows excluded.
	TagMatchAnyStrict TagMatchMode = "any_strict"
	// TagMatchAllStrict is TagMatchAll with untagged rows excluded.
	TagMatchAllStrict TagMatchMode = "all_strict"
)

func validTagMatchMode(mode TagMatchMode) bool {
	switch mode {
	case TagMatchAny, TagMatchAll, TagMatchAnyStrict, TagMatchAllStrict:
		return true
	}
	return false
}

// buildTagsWhereClause returns a WHERE fragment (without the keyword) for
// the tags column, the parameter to bind, and the next placeholder number.
// An unknown mode falls back to TagMatchAny.
func buildTagsWhereClause(tags []string, paramOffset int, mode TagMatchMode) (string, []any, int) {
	if !validTagMatchMode(mode) {
		mode = TagMatchAny
	}

	placeholder := fmt.Sprintf("$%d", paramOffset)

	strict := mode == TagMatchAnyStrict || mode == TagMatchAllStrict
	operator := "&&"
	if mode == TagMatchAll || mode == TagMatchAllStrict {
		operator = "@>"
	}

	tagCondition := fmt.Sprintf("tags %s %s::text[]", operator, placeholder)

	var clause string
	if strict {
		clause = "tags IS NOT NULL AND tags != '{}' AND " + tagCondition
	} else {
		clause = "(tags IS NULL OR tags = '{}' OR " + tagCondition + ")"
	}

	return clause, []any{tags}, paramOffset + 1
}
