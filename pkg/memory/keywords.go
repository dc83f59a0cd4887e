package memory

import "strings"

// Compound particles are stripped before single particles so that "について"
// does not leave a dangling "に". Order within each list is longest first.
var compoundParticles = []string{
	"について", "に関して", "によって", "に対して", "における", "として",
	"という", "による", "ですか", "ました", "します", "したい",
	"ください", "かどうか", "でしょうか",
}

var singleParticles = []string{
	"は", "が", "を", "に", "で", "と", "も", "の", "へ", "や", "か", "ね", "よ",
	"、", "。", "？", "！", "?", "!", ",", ".", " ", "　",
}

const minKeywordRunes = 2

// extractKeywords splits a query into content keywords by removing
// particles. Tokens shorter than two runes and duplicates are dropped.
func extractKeywords(query string) []string {
	s := query
	for _, p := range compoundParticles {
		s = strings.ReplaceAll(s, p, "\x00")
	}
	for _, p := range singleParticles {
		s = strings.ReplaceAll(s, p, "\x00")
	}

	seen := make(map[string]struct{})
	var keywords []string
	for _, tok := range strings.Split(s, "\x00") {
		tok = strings.TrimSpace(tok)
		if len([]rune(tok)) < minKeywordRunes {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		keywords = append(keywords, tok)
	}
	return keywords
}
