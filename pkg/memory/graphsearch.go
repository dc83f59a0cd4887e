package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// Meta-path patterns, two hops each. Semantic seeds fan out across topic,
// entity and causal edges; temporal seeds answer "what else happened then"
// and "who was involved then".
var (
	patternsSemantic = [][]LinkType{
		{LinkSemantic, LinkSemantic},
		{LinkEntity, LinkTemporal},
		{LinkSemantic, LinkCauses},
		{LinkSemantic, LinkCausedBy},
		{LinkEntity, LinkSemantic},
	}
	patternsTemporal = [][]LinkType{
		{LinkTemporal, LinkSemantic},
		{LinkTemporal, LinkEntity},
	}
)

const (
	mpfpAlpha          = 0.15
	mpfpPruneThreshold = 1e-6
	mpfpTopKNeighbors  = 20
	mpfpEdgeWeightMin  = 0.1
	graphSearchBudget  = 50
)

// seedNode is an entry point for the graph walk.
type seedNode struct {
	ID    uuid.UUID
	Score float64
}

type edgeTarget struct {
	ID     uuid.UUID
	Weight float64
}

// edgeCache lazily loads edges hop by hop and shares them across pattern
// walks. Not safe for concurrent use; the hop loop runs patterns
// sequentially.
type edgeCache struct {
	graphs      map[LinkType]map[uuid.UUID][]edgeTarget
	fullyLoaded map[uuid.UUID]struct{}
	dbQueries   int
}

func newEdgeCache() *edgeCache {
	return &edgeCache{
		graphs:      make(map[LinkType]map[uuid.UUID][]edgeTarget),
		fullyLoaded: make(map[uuid.UUID]struct{}),
	}
}

func (c *edgeCache) neighbors(edgeType LinkType, nodeID uuid.UUID) []edgeTarget {
	return c.graphs[edgeType][nodeID]
}

// normalizedNeighbors returns the top-k neighbours with weights rescaled to
// sum to 1.
func (c *edgeCache) normalizedNeighbors(edgeType LinkType, nodeID uuid.UUID, topK int) []edgeTarget {
	neighbors := c.neighbors(edgeType, nodeID)
	if len(neighbors) > topK {
		neighbors = neighbors[:topK]
	}
	if len(neighbors) == 0 {
		return nil
	}
	total := 0.0
	for _, n := range neighbors {
		total += n.Weight
	}
	if total == 0 {
		return nil
	}
	out := make([]edgeTarget, len(neighbors))
	for i, n := range neighbors {
		out[i] = edgeTarget{ID: n.ID, Weight: n.Weight / total}
	}
	return out
}

func (c *edgeCache) isFullyLoaded(nodeID uuid.UUID) bool {
	_, ok := c.fullyLoaded[nodeID]
	return ok
}

func (c *edgeCache) uncached(nodeIDs map[uuid.UUID]struct{}) []uuid.UUID {
	var out []uuid.UUID
	for id := range nodeIDs {
		if !c.isFullyLoaded(id) {
			out = append(out, id)
		}
	}
	return out
}

func (c *edgeCache) addAllEdges(edges map[LinkType]map[uuid.UUID][]edgeTarget, queriedIDs []uuid.UUID) {
	for edgeType, perNode := range edges {
		if c.graphs[edgeType] == nil {
			c.graphs[edgeType] = make(map[uuid.UUID][]edgeTarget)
		}
		for nodeID, targets := range perNode {
			c.graphs[edgeType][nodeID] = targets
		}
	}
	for _, id := range queriedIDs {
		c.fullyLoaded[id] = struct{}{}
	}
}

type patternState struct {
	pattern  []LinkType
	hopIndex int
	scores   map[uuid.UUID]float64
	frontier map[uuid.UUID]float64
}

// initPatternState normalizes seed mass to sum to 1.
func initPatternState(seeds []seedNode, pattern []LinkType) *patternState {
	state := &patternState{
		pattern:  pattern,
		scores:   make(map[uuid.UUID]float64),
		frontier: make(map[uuid.UUID]float64),
	}
	if len(seeds) == 0 {
		return state
	}
	total := 0.0
	for _, s := range seeds {
		total += s.Score
	}
	if total == 0 {
		total = float64(len(seeds))
	}
	for _, s := range seeds {
		state.frontier[s.ID] = s.Score / total
	}
	return state
}

// executeHop holds alpha*mass at each frontier node and pushes (1-alpha)*mass
// along normalized edges of the hop's type. Returns the next-hop nodes whose
// edges are not yet cached.
func executeHop(state *patternState, cache *edgeCache) map[uuid.UUID]struct{} {
	if state.hopIndex >= len(state.pattern) {
		return nil
	}

	edgeType := state.pattern[state.hopIndex]
	nextFrontier := make(map[uuid.UUID]float64)
	uncachedForNext := make(map[uuid.UUID]struct{})

	for nodeID, mass := range state.frontier {
		if mass < mpfpPruneThreshold {
			continue
		}

		state.scores[nodeID] += mpfpAlpha * mass

		pushMass := (1 - mpfpAlpha) * mass
		for _, neighbor := range cache.normalizedNeighbors(edgeType, nodeID, mpfpTopKNeighbors) {
			nextFrontier[neighbor.ID] += pushMass * neighbor.Weight
			if !cache.isFullyLoaded(neighbor.ID) {
				uncachedForNext[neighbor.ID] = struct{}{}
			}
		}
	}

	state.frontier = nextFrontier
	state.hopIndex++
	return uncachedForNext
}

// finalizePattern folds the residual frontier mass into the scores.
func finalizePattern(state *patternState) map[uuid.UUID]float64 {
	for nodeID, mass := range state.frontier {
		if mass >= mpfpPruneThreshold {
			state.scores[nodeID] += mass
		}
	}
	return state.scores
}

// loadEdgesForFrontier fetches the top-k outgoing edges of every frontier
// node for every link type in a single LATERAL JOIN query.
func (e *Engine) loadEdgesForFrontier(ctx context.Context, bankID uuid.UUID, nodeIDs []uuid.UUID) (map[LinkType]map[uuid.UUID][]edgeTarget, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		WITH frontier(node_id) AS (SELECT unnest($1::uuid[]))
		SELECT f.node_id AS from_unit_id,
		       lt.link_type,
		       edges.to_unit_id,
		       edges.weight
		FROM frontier f
		CROSS JOIN (VALUES
		    ('semantic'), ('temporal'), ('entity'), ('causes'), ('caused_by')
		) AS lt(link_type)
		CROSS JOIN LATERAL (
		    SELECT ml.to_unit_id, ml.weight
		    FROM memory_links ml
		    WHERE ml.from_unit_id = f.node_id
		      AND ml.link_type = lt.link_type
		      AND ml.bank_id = $3
		      AND ml.weight >= $4
		    ORDER BY ml.weight DESC
		    LIMIT $2
		) edges`,
		nodeIDs, mpfpTopKNeighbors, bankID, mpfpEdgeWeightMin,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[LinkType]map[uuid.UUID][]edgeTarget)
	for rows.Next() {
		var fromID, toID uuid.UUID
		var linkType string
		var weight float64
		if err := rows.Scan(&fromID, &linkType, &toID, &weight); err != nil {
			return nil, err
		}
		et := LinkType(linkType)
		if result[et] == nil {
			result[et] = make(map[uuid.UUID][]edgeTarget)
		}
		result[et][fromID] = append(result[et][fromID], edgeTarget{ID: toID, Weight: weight})
	}
	return result, rows.Err()
}

// graphSearch runs Meta-Path Forward Push from the semantic seeds and fuses
// the per-pattern scores with RRF.
func (e *Engine) graphSearch(ctx context.Context, bankID uuid.UUID, semanticSeeds []seedNode) ([]ScoredUnit, error) {
	return e.graphSearchWithTemporal(ctx, bankID, semanticSeeds, nil)
}

func (e *Engine) graphSearchWithTemporal(ctx context.Context, bankID uuid.UUID, semanticSeeds, temporalSeeds []seedNode) ([]ScoredUnit, error) {
	type patternJob struct {
		seeds   []seedNode
		pattern []LinkType
	}
	var jobs []patternJob
	if len(semanticSeeds) > 0 {
		for _, p := range patternsSemantic {
			jobs = append(jobs, patternJob{semanticSeeds, p})
		}
	}
	if len(temporalSeeds) > 0 {
		for _, p := range patternsTemporal {
			jobs = append(jobs, patternJob{temporalSeeds, p})
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	cache := newEdgeCache()

	seedSet := make(map[uuid.UUID]struct{})
	for _, job := range jobs {
		for _, s := range job.seeds {
			seedSet[s.ID] = struct{}{}
		}
	}
	allSeedIDs := make([]uuid.UUID, 0, len(seedSet))
	for id := range seedSet {
		allSeedIDs = append(allSeedIDs, id)
	}
	if edges, err := e.loadEdgesForFrontier(ctx, bankID, allSeedIDs); err != nil {
		return nil, err
	} else {
		cache.dbQueries++
		cache.addAllEdges(edges, allSeedIDs)
	}

	states := make([]*patternState, len(jobs))
	maxHops := 0
	for i, job := range jobs {
		states[i] = initPatternState(job.seeds, job.pattern)
		if len(job.pattern) > maxHops {
			maxHops = len(job.pattern)
		}
	}

	// Hop-synchronized traversal: run every pattern's hop against the shared
	// cache, then warm the union of uncached frontier nodes in one query.
	for hop := 0; hop < maxHops; hop++ {
		allUncached := make(map[uuid.UUID]struct{})
		for _, state := range states {
			if state.hopIndex < len(state.pattern) {
				for id := range executeHop(state, cache) {
					allUncached[id] = struct{}{}
				}
			}
		}

		uncachedList := cache.uncached(allUncached)
		if len(uncachedList) > 0 {
			edges, err := e.loadEdgesForFrontier(ctx, bankID, uncachedList)
			if err != nil {
				return nil, err
			}
			cache.dbQueries++
			cache.addAllEdges(edges, uncachedList)
		}
	}

	patternScores := make([]map[uuid.UUID]float64, len(states))
	for i, state := range states {
		patternScores[i] = finalizePattern(state)
	}

	return fusePatternScores(patternScores, rrfK, graphSearchBudget), nil
}

// fusePatternScores ranks each pattern's nodes and fuses them with
// score(d) = sum over patterns of 1/(k + rank + 1).
func fusePatternScores(patternScores []map[uuid.UUID]float64, k, topK int) []ScoredUnit {
	fused := make(map[uuid.UUID]float64)
	var order []uuid.UUID

	for _, scores := range patternScores {
		if len(scores) == 0 {
			continue
		}
		ranked := make([]uuid.UUID, 0, len(scores))
		for id := range scores {
			ranked = append(ranked, id)
		}
		sort.Slice(ranked, func(i, j int) bool {
			if scores[ranked[i]] != scores[ranked[j]] {
				return scores[ranked[i]] > scores[ranked[j]]
			}
			return ranked[i].String() < ranked[j].String()
		})
		for rank, id := range ranked {
			if _, seen := fused[id]; !seen {
				order = append(order, id)
			}
			fused[id] += 1.0 / float64(k+rank+1)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return fused[order[i]] > fused[order[j]]
	})
	if len(order) > topK {
		order = order[:topK]
	}

	out := make([]ScoredUnit, len(order))
	for i, id := range order {
		out[i] = ScoredUnit{ID: id, Score: fused[id]}
	}
	return out
}
