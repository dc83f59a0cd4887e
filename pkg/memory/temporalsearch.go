package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

const (
	temporalEntryLimit      = 20
	temporalExpansionLimit  = 50
	temporalMinCombined     = 0.05
	temporalPropagateDecay  = 0.7
	temporalParentDefault   = 0.5
	temporalSearchBudget    = 50
	temporalSimilarityFloor = 0.1
)

func causalBoost(linkType string) float64 {
	switch LinkType(linkType) {
	case LinkCauses, LinkCausedBy:
		return 2.0
	default:
		return 1.0
	}
}

// temporalSearch scores units inside the time range by proximity to its
// midpoint, then spreads one hop through temporal and causal links.
func (e *Engine) temporalSearch(ctx context.Context, bankID uuid.UUID, queryVec []float32, tr timeRange) ([]ScoredUnit, error) {
	midDate := tr.midpoint()
	totalDays := tr.totalDays()

	entries, err := e.findTemporalEntryPoints(ctx, bankID, queryVec, tr)
	if err != nil {
		return nil, err
	}

	scored := make(map[uuid.UUID]float64, len(entries))
	entryIDs := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		proximity := temporalParentDefault
		if best := resolveBestDate(entry.OccurredStart, entry.OccurredEnd, entry.MentionedAt); best != nil {
			proximity = temporalProximity(*best, midDate, totalDays)
		}
		scored[entry.ID] = proximity
		entryIDs = append(entryIDs, entry.ID)
	}

	budgetRemaining := temporalSearchBudget - len(scored)
	if len(entryIDs) > 0 && budgetRemaining > 0 {
		expanded, err := e.expandThroughLinks(ctx, bankID, entryIDs, scored, queryVec, midDate, totalDays, budgetRemaining)
		if err != nil {
			return nil, err
		}
		for uid, score := range expanded {
			if _, ok := scored[uid]; !ok {
				scored[uid] = score
			}
		}
	}

	out := make([]ScoredUnit, 0, len(scored))
	for id, score := range scored {
		out = append(out, ScoredUnit{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > temporalSearchBudget {
		out = out[:temporalSearchBudget]
	}
	return out, nil
}

type temporalEntry struct {
	ID            uuid.UUID
	OccurredStart *time.Time
	OccurredEnd   *time.Time
	MentionedAt   *time.Time
	Similarity    float64
}

func (e *Engine) findTemporalEntryPoints(ctx context.Context, bankID uuid.UUID, queryVec []float32, tr timeRange) ([]temporalEntry, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, occurred_start, occurred_end, mentioned_at,
		       1 - (embedding <=> $1) AS similarity
		FROM memory_units
		WHERE bank_id = $2
		  AND fact_type IN ('world', 'experience', 'observation')
		  AND embedding IS NOT NULL
		  AND (
		      (occurred_start IS NOT NULL AND occurred_end IS NOT NULL
		       AND occurred_start <= $4 AND occurred_end >= $3)
		      OR (mentioned_at IS NOT NULL AND mentioned_at BETWEEN $3 AND $4)
		      OR (occurred_start IS NOT NULL AND occurred_start BETWEEN $3 AND $4)
		      OR (occurred_end IS NOT NULL AND occurred_end BETWEEN $3 AND $4)
		  )
		  AND (1 - (embedding <=> $1)) >= $5
		ORDER BY COALESCE(occurred_start, mentioned_at, occurred_end) DESC
		LIMIT $6`,
		pgvector.NewVector(queryVec), bankID, tr.Start, tr.End,
		temporalSimilarityFloor, temporalEntryLimit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []temporalEntry
	for rows.Next() {
		var entry temporalEntry
		if err := rows.Scan(&entry.ID, &entry.OccurredStart, &entry.OccurredEnd, &entry.MentionedAt, &entry.Similarity); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// expandThroughLinks runs one BFS hop along temporal and causal edges.
// Each neighbour scores max(own proximity, parent*weight*boost*decay).
func (e *Engine) expandThroughLinks(ctx context.Context, bankID uuid.UUID, entryIDs []uuid.UUID, parentScores map[uuid.UUID]float64, queryVec []float32, midDate time.Time, totalDays float64, budget int) (map[uuid.UUID]float64, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT mu.id, mu.occurred_start, mu.occurred_end, mu.mentioned_at,
		       ml.weight, ml.link_type, ml.from_unit_id,
		       1 - (mu.embedding <=> $1) AS similarity
		FROM memory_links ml
		JOIN memory_units mu ON ml.to_unit_id = mu.id
		WHERE ml.from_unit_id = ANY($2)
		  AND ml.link_type IN ('temporal', 'causes', 'caused_by')
		  AND ml.weight >= 0.1
		  AND mu.bank_id = $5
		  AND mu.embedding IS NOT NULL
		  AND (1 - (mu.embedding <=> $1)) >= $3
		ORDER BY ml.weight DESC
		LIMIT $4`,
		pgvector.NewVector(queryVec), entryIDs, temporalSimilarityFloor,
		temporalExpansionLimit, bankID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expanded := make(map[uuid.UUID]float64)
	for rows.Next() {
		var id, fromID uuid.UUID
		var occurredStart, occurredEnd, mentionedAt *time.Time
		var weight, similarity float64
		var linkType string
		if err := rows.Scan(&id, &occurredStart, &occurredEnd, &mentionedAt, &weight, &linkType, &fromID, &similarity); err != nil {
			return nil, err
		}
		if _, seen := parentScores[id]; seen {
			continue
		}

		parentScore, ok := parentScores[fromID]
		if !ok {
			parentScore = temporalParentDefault
		}

		neighborProximity := 0.0
		if best := resolveBestDate(occurredStart, occurredEnd, mentionedAt); best != nil {
			neighborProximity = temporalProximity(*best, midDate, totalDays)
		}

		propagated := parentScore * weight * causalBoost(linkType) * temporalPropagateDecay
		combined := math.Max(neighborProximity, propagated)

		if combined >= temporalMinCombined {
			if combined > expanded[id] {
				expanded[id] = combined
			}
		}
		if len(expanded) >= budget {
			break
		}
	}
	return expanded, rows.Err()
}
