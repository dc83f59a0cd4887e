package memory

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVector(t *testing.T) {
	vec := normalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestNormalizeVectorZero(t *testing.T) {
	zero := []float32{0, 0, 0}
	assert.Equal(t, zero, normalizeVector(zero))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}

func TestBestEventTime(t *testing.T) {
	eventDate := date(2026, time.January, 5)
	occurred := date(2026, time.January, 8)
	mentioned := date(2026, time.January, 10)

	got := bestEventTime(&eventDate, &occurred, &mentioned)
	require.NotNil(t, got)
	assert.Equal(t, eventDate, *got)

	got = bestEventTime(nil, &occurred, &mentioned)
	require.NotNil(t, got)
	assert.Equal(t, occurred, *got)

	assert.Nil(t, bestEventTime(nil, nil, nil))
}

func TestResolveBestDatePrefersMidpoint(t *testing.T) {
	start := date(2026, time.January, 1)
	end := date(2026, time.January, 11)
	mentioned := date(2026, time.February, 1)

	got := resolveBestDate(&start, &end, &mentioned)
	require.NotNil(t, got)
	assert.Equal(t, date(2026, time.January, 6), *got)

	got = resolveBestDate(&start, nil, &mentioned)
	require.NotNil(t, got)
	assert.Equal(t, start, *got)

	got = resolveBestDate(nil, nil, &mentioned)
	require.NotNil(t, got)
	assert.Equal(t, mentioned, *got)

	assert.Nil(t, resolveBestDate(nil, nil, nil))
}

func TestTemporalProximity(t *testing.T) {
	mid := date(2026, time.January, 15)

	// at the midpoint
	assert.InDelta(t, 1.0, temporalProximity(mid, mid, 30), 1e-9)
	// at the range edge
	edge := mid.AddDate(0, 0, 15)
	assert.InDelta(t, 0.0, temporalProximity(edge, mid, 30), 1e-9)
	// halfway out
	half := mid.AddDate(0, 0, 7)
	expected := 1.0 - 7.0/15.0
	assert.InDelta(t, expected, temporalProximity(half, mid, 30), 1e-9)
	// beyond the edge clamps to zero
	far := mid.AddDate(0, 0, 100)
	assert.Equal(t, 0.0, temporalProximity(far, mid, 30))
}

func TestTemporalProximityDegenerateRange(t *testing.T) {
	mid := date(2026, time.January, 15)
	assert.Equal(t, 1.0, temporalProximity(mid.Add(time.Hour), mid, 0))
	assert.Equal(t, 0.0, temporalProximity(mid.AddDate(0, 0, 2), mid, 0))
}

func TestComputeRecency(t *testing.T) {
	now := date(2026, time.February, 19)

	fresh := now
	assert.InDelta(t, 1.0, computeRecency(&fresh, now), 1e-9)

	half := now.AddDate(0, 0, -recencyDecayDays/2)
	got := computeRecency(&half, now)
	assert.InDelta(t, 0.5, got, 0.01)

	old := now.AddDate(-3, 0, 0)
	assert.Equal(t, 0.0, computeRecency(&old, now))

	assert.Equal(t, 0.0, computeRecency(nil, now))
}

func TestToFloat32(t *testing.T) {
	out := toFloat32([]float64{0.5, -0.25})
	assert.Equal(t, []float32{0.5, -0.25}, out)
	assert.Empty(t, toFloat32(nil))
}

func TestCausalBoost(t *testing.T) {
	assert.Equal(t, 2.0, causalBoost("causes"))
	assert.Equal(t, 2.0, causalBoost("caused_by"))
	assert.Equal(t, 1.0, causalBoost("temporal"))
	assert.Equal(t, 1.0, causalBoost("semantic"))
}

func TestTemporalLinkWeight(t *testing.T) {
	assert.InDelta(t, 1.0, temporalLinkWeight(0), 1e-9)
	assert.InDelta(t, 0.5, temporalLinkWeight(12), 1e-9)
	// never below the floor even past the window
	assert.InDelta(t, 0.3, temporalLinkWeight(48), 1e-9)
	assert.True(t, temporalLinkWeight(6) > temporalLinkWeight(12))
	assert.False(t, math.IsNaN(temporalLinkWeight(1e9)))
}
