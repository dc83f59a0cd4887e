package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeFreshnessNoEvidence(t *testing.T) {
	now := date(2026, time.February, 19)
	assert.Equal(t, FreshnessStale, computeFreshness(nil, now))
}

func TestComputeFreshnessAllOld(t *testing.T) {
	now := date(2026, time.February, 19)
	evidence := []time.Time{
		now.AddDate(0, 0, -90),
		now.AddDate(0, 0, -60),
	}
	assert.Equal(t, FreshnessStale, computeFreshness(evidence, now))
}

func TestComputeFreshnessAllRecent(t *testing.T) {
	now := date(2026, time.February, 19)
	evidence := []time.Time{
		now.AddDate(0, 0, -1),
		now.AddDate(0, 0, -5),
	}
	assert.Equal(t, FreshnessNew, computeFreshness(evidence, now))
}

func TestComputeFreshnessStrengthening(t *testing.T) {
	now := date(2026, time.February, 19)
	// five recent sightings against one distant sighting
	evidence := []time.Time{
		now.AddDate(0, 0, -1),
		now.AddDate(0, 0, -3),
		now.AddDate(0, 0, -7),
		now.AddDate(0, 0, -10),
		now.AddDate(0, 0, -14),
		now.AddDate(0, 0, -300),
	}
	assert.Equal(t, FreshnessStrengthening, computeFreshness(evidence, now))
}

func TestComputeFreshnessWeakening(t *testing.T) {
	now := date(2026, time.February, 19)
	// one recent sighting against a dense older history
	evidence := []time.Time{now.AddDate(0, 0, -29)}
	for d := 31; d <= 90; d += 2 {
		evidence = append(evidence, now.AddDate(0, 0, -d))
	}
	assert.Equal(t, FreshnessWeakening, computeFreshness(evidence, now))
}

func TestComputeFreshnessStable(t *testing.T) {
	now := date(2026, time.February, 19)
	// evenly spread: one sighting every 10 days over 60 days
	var evidence []time.Time
	for d := 5; d <= 60; d += 10 {
		evidence = append(evidence, now.AddDate(0, 0, -d))
	}
	assert.Equal(t, FreshnessStable, computeFreshness(evidence, now))
}
