package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLCSRatio(t *testing.T) {
	assert.InDelta(t, 1.0, lcsRatio("tanaka", "tanaka"), 1e-9)
	assert.InDelta(t, 0.0, lcsRatio("abc", "xyz"), 1e-9)
	assert.Equal(t, 0.0, lcsRatio("", "abc"))
	assert.Equal(t, 0.0, lcsRatio("abc", ""))

	// LCS("たなか", "たなかさん") = 3, ratio = 6/8
	assert.InDelta(t, 0.75, lcsRatio("たなか", "たなかさん"), 1e-9)

	// LCS("abxd", "abyd") = 3, ratio = 6/8
	assert.InDelta(t, 0.75, lcsRatio("abxd", "abyd"), 1e-9)
}

func TestScoreEntityCandidateExactMatch(t *testing.T) {
	cand := &entityCandidate{ID: uuid.New(), CanonicalName: "Tanaka"}
	score := scoreEntityCandidate("tanaka", cand, nil, nil, nil)
	assert.Equal(t, 1.0, score)
}

func TestScoreEntityCandidateNameOnly(t *testing.T) {
	cand := &entityCandidate{ID: uuid.New(), CanonicalName: "abcdef"}
	// LCS("abcd", "abcdef") = 4, ratio = 8/10 = 0.8
	score := scoreEntityCandidate("abcd", cand, nil, nil, nil)
	assert.InDelta(t, 0.8*entityWeightName, score, 1e-9)
}

func TestScoreEntityCandidateAllComponents(t *testing.T) {
	id := uuid.New()
	lastSeen := date(2026, time.January, 10)
	cand := &entityCandidate{ID: id, CanonicalName: "abcdef", LastSeen: &lastSeen}

	nearby := map[string]struct{}{"sara": {}, "acme": {}}
	cooc := map[uuid.UUID]map[string]struct{}{
		id: {"sara": {}},
	}
	eventDate := lastSeen

	score := scoreEntityCandidate("abcd", cand, nearby, cooc, &eventDate)

	// name 0.8*0.5 + cooc 0.5*0.3 + temporal 1.0*0.2
	assert.InDelta(t, 0.4+0.15+0.2, score, 1e-9)
}

func TestScoreEntityCandidateTemporalWindow(t *testing.T) {
	id := uuid.New()
	lastSeen := date(2026, time.January, 10)
	cand := &entityCandidate{ID: id, CanonicalName: "abcdef", LastSeen: &lastSeen}

	outside := lastSeen.AddDate(0, 0, entityTemporalWindowDay+1)
	score := scoreEntityCandidate("abcd", cand, nil, nil, &outside)
	assert.InDelta(t, 0.8*entityWeightName, score, 1e-9)

	// partway into the window scales the temporal weight linearly
	within := lastSeen.AddDate(0, 0, 3)
	score = scoreEntityCandidate("abcd", cand, nil, nil, &within)
	expectedTemporal := (1.0 - 3.0/float64(entityTemporalWindowDay)) * entityWeightTemporal
	assert.InDelta(t, 0.8*entityWeightName+expectedTemporal, score, 1e-9)
}
