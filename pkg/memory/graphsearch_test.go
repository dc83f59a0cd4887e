package memory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheWithEdges(edges map[LinkType]map[uuid.UUID][]edgeTarget, loaded ...uuid.UUID) *edgeCache {
	cache := newEdgeCache()
	cache.addAllEdges(edges, loaded)
	return cache
}

func TestInitPatternStateNormalizesSeedMass(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	state := initPatternState([]seedNode{{a, 0.9}, {b, 0.3}}, patternsSemantic[0])

	total := 0.0
	for _, mass := range state.frontier {
		total += mass
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.InDelta(t, 0.75, state.frontier[a], 1e-9)
	assert.InDelta(t, 0.25, state.frontier[b], 1e-9)
}

func TestInitPatternStateZeroScores(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	state := initPatternState([]seedNode{{a, 0}, {b, 0}}, patternsSemantic[0])
	assert.InDelta(t, 0.5, state.frontier[a], 1e-9)
	assert.InDelta(t, 0.5, state.frontier[b], 1e-9)
}

func TestExecuteHopHoldsAndPushes(t *testing.T) {
	seed, next := uuid.New(), uuid.New()
	cache := cacheWithEdges(map[LinkType]map[uuid.UUID][]edgeTarget{
		LinkSemantic: {seed: {{ID: next, Weight: 0.8}}},
	}, seed)

	state := initPatternState([]seedNode{{seed, 1.0}}, []LinkType{LinkSemantic, LinkSemantic})
	uncached := executeHop(state, cache)

	// alpha held at the seed
	assert.InDelta(t, mpfpAlpha, state.scores[seed], 1e-9)
	// full (1-alpha) pushed: single neighbour renormalizes to weight 1
	assert.InDelta(t, 1-mpfpAlpha, state.frontier[next], 1e-9)
	// the neighbour's own edges are not loaded yet
	_, pending := uncached[next]
	assert.True(t, pending)
}

func TestExecuteHopSplitsMassByWeight(t *testing.T) {
	seed, heavy, light := uuid.New(), uuid.New(), uuid.New()
	cache := cacheWithEdges(map[LinkType]map[uuid.UUID][]edgeTarget{
		LinkEntity: {seed: {{ID: heavy, Weight: 0.6}, {ID: light, Weight: 0.2}}},
	}, seed)

	state := initPatternState([]seedNode{{seed, 1.0}}, []LinkType{LinkEntity})
	executeHop(state, cache)

	push := 1 - mpfpAlpha
	assert.InDelta(t, push*0.75, state.frontier[heavy], 1e-9)
	assert.InDelta(t, push*0.25, state.frontier[light], 1e-9)
}

func TestFinalizePatternFoldsResidualFrontier(t *testing.T) {
	seed, next := uuid.New(), uuid.New()
	cache := cacheWithEdges(map[LinkType]map[uuid.UUID][]edgeTarget{
		LinkSemantic: {seed: {{ID: next, Weight: 1.0}}},
	}, seed, next)

	state := initPatternState([]seedNode{{seed, 1.0}}, []LinkType{LinkSemantic})
	executeHop(state, cache)
	scores := finalizePattern(state)

	assert.InDelta(t, mpfpAlpha, scores[seed], 1e-9)
	assert.InDelta(t, 1-mpfpAlpha, scores[next], 1e-9)
}

func TestTwoHopPatternReachesSecondNeighbor(t *testing.T) {
	seed, mid, far := uuid.New(), uuid.New(), uuid.New()
	cache := cacheWithEdges(map[LinkType]map[uuid.UUID][]edgeTarget{
		LinkEntity:   {seed: {{ID: mid, Weight: 1.0}}},
		LinkTemporal: {mid: {{ID: far, Weight: 1.0}}},
	}, seed, mid, far)

	state := initPatternState([]seedNode{{seed, 1.0}}, []LinkType{LinkEntity, LinkTemporal})
	executeHop(state, cache)
	executeHop(state, cache)
	scores := finalizePattern(state)

	assert.InDelta(t, mpfpAlpha, scores[seed], 1e-9)
	assert.InDelta(t, (1-mpfpAlpha)*mpfpAlpha, scores[mid], 1e-9)
	assert.InDelta(t, (1-mpfpAlpha)*(1-mpfpAlpha), scores[far], 1e-9)
}

func TestNormalizedNeighborsCapsAndRescales(t *testing.T) {
	node := uuid.New()
	targets := make([]edgeTarget, mpfpTopKNeighbors+5)
	for i := range targets {
		targets[i] = edgeTarget{ID: uuid.New(), Weight: 1.0}
	}
	cache := cacheWithEdges(map[LinkType]map[uuid.UUID][]edgeTarget{
		LinkSemantic: {node: targets},
	}, node)

	normalized := cache.normalizedNeighbors(LinkSemantic, node, mpfpTopKNeighbors)
	require.Len(t, normalized, mpfpTopKNeighbors)

	total := 0.0
	for _, n := range normalized {
		total += n.Weight
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestFusePatternScoresCrossPatternReach(t *testing.T) {
	shared, onlyA, onlyB := uuid.New(), uuid.New(), uuid.New()

	// shared is ranked in both patterns; the others appear once each
	patternA := map[uuid.UUID]float64{shared: 0.5, onlyA: 0.9}
	patternB := map[uuid.UUID]float64{shared: 0.4, onlyB: 0.8}

	fused := fusePatternScores([]map[uuid.UUID]float64{patternA, patternB}, rrfK, 10)
	require.Len(t, fused, 3)
	assert.Equal(t, shared, fused[0].ID)

	// rank 1 in both: 2/(k+2) beats 1/(k+1)
	expected := 2.0 / float64(rrfK+2)
	assert.InDelta(t, expected, fused[0].Score, 1e-9)
}

func TestFusePatternScoresTopKCut(t *testing.T) {
	scores := make(map[uuid.UUID]float64)
	for i := 0; i < 30; i++ {
		scores[uuid.New()] = float64(i)
	}
	fused := fusePatternScores([]map[uuid.UUID]float64{scores}, rrfK, 5)
	assert.Len(t, fused, 5)
}

func TestFusePatternScoresDeterministicTies(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	scores := map[uuid.UUID]float64{a: 0.5, b: 0.5}

	first := fusePatternScores([]map[uuid.UUID]float64{scores}, rrfK, 10)
	for i := 0; i < 10; i++ {
		again := fusePatternScores([]map[uuid.UUID]float64{scores}, rrfK, 10)
		assert.Equal(t, first, again)
	}
}

func TestEdgeCacheUncached(t *testing.T) {
	loaded, pending := uuid.New(), uuid.New()
	cache := cacheWithEdges(nil, loaded)

	out := cache.uncached(map[uuid.UUID]struct{}{loaded: {}, pending: {}})
	require.Len(t, out, 1)
	assert.Equal(t, pending, out[0])
}
