package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Matching weights for entity resolution. A case-insensitive exact match
// short-circuits to 1.0.
const (
	entityScoreThreshold    = 0.6
	entityWeightName        = 0.5
	entityWeightCooc        = 0.3
	entityWeightTemporal    = 0.2
	entityTemporalWindowDay = 7
)

const secondsPerDay = 86400

type entityCandidate struct {
	ID            uuid.UUID
	CanonicalName string
	LastSeen      *time.Time
	MentionCount  int
}

// resolveEntities maps free-form names onto canonical entities, creating
// missing ones. Runs inside the retain transaction. The batching keeps the
// query count constant: two reads, one batched insert, and one batched
// update only when something matched.
func resolveEntities(ctx context.Context, q querier, bankID uuid.UUID, names []string, eventDate *time.Time) ([]ResolvedEntity, error) {
	if len(names) == 0 {
		return nil, nil
	}

	candidates, err := fetchAllCandidates(ctx, q, bankID)
	if err != nil {
		return nil, fmt.Errorf("fetching entity candidates: %w", err)
	}
	coocMap, err := fetchCooccurrenceMap(ctx, q, bankID)
	if err != nil {
		return nil, fmt.Errorf("fetching cooccurrence map: %w", err)
	}

	allNamesLower := make(map[string]struct{}, len(names))
	for _, n := range names {
		if trimmed := strings.TrimSpace(n); trimmed != "" {
			allNamesLower[strings.ToLower(trimmed)] = struct{}{}
		}
	}

	var resolved []ResolvedEntity
	seenNames := make(map[string]ResolvedEntity)
	var matchedIDs []uuid.UUID
	var newNames []string

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		lowerName := strings.ToLower(name)
		if entity, ok := seenNames[lowerName]; ok {
			resolved = append(resolved, entity)
			continue
		}

		nearby := make(map[string]struct{}, len(allNamesLower))
		for n := range allNamesLower {
			if n != lowerName {
				nearby[n] = struct{}{}
			}
		}

		var bestScore float64
		var bestCandidate *entityCandidate
		for i := range candidates {
			s := scoreEntityCandidate(name, &candidates[i], nearby, coocMap, eventDate)
			if s > bestScore {
				bestScore = s
				bestCandidate = &candidates[i]
			}
		}

		var entity ResolvedEntity
		if bestCandidate != nil && bestScore >= entityScoreThreshold {
			entity = ResolvedEntity{
				EntityID:      bestCandidate.ID,
				CanonicalName: bestCandidate.CanonicalName,
				EntityType:    "person",
			}
			matchedIDs = append(matchedIDs, entity.EntityID)
		} else {
			entity = ResolvedEntity{
				CanonicalName: name,
				EntityType:    "person",
				IsNew:         true,
			}
			newNames = append(newNames, name)
		}

		seenNames[lowerName] = entity
		resolved = append(resolved, entity)
	}

	if len(newNames) > 0 {
		created, err := batchCreateEntities(ctx, q, bankID, newNames)
		if err != nil {
			return nil, fmt.Errorf("creating entities: %w", err)
		}
		for i := range resolved {
			if resolved[i].IsNew {
				if id, ok := created[strings.ToLower(resolved[i].CanonicalName)]; ok {
					resolved[i].EntityID = id
				}
			}
		}
	}

	if len(matchedIDs) > 0 {
		if err := batchUpdateEntityStats(ctx, q, matchedIDs); err != nil {
			return nil, fmt.Errorf("updating entity stats: %w", err)
		}
	}

	return resolved, nil
}

// scoreEntityCandidate combines name similarity, cooccurrence overlap and
// temporal proximity of the candidate's last sighting.
func scoreEntityCandidate(name string, cand *entityCandidate, nearbyLower map[string]struct{}, coocMap map[uuid.UUID]map[string]struct{}, eventDate *time.Time) float64 {
	nameLower := strings.ToLower(name)
	canonicalLower := strings.ToLower(cand.CanonicalName)

	if nameLower == canonicalLower {
		return 1.0
	}

	score := lcsRatio(nameLower, canonicalLower) * entityWeightName

	if len(nearbyLower) > 0 {
		coEntities := coocMap[cand.ID]
		overlap := 0
		for n := range nearbyLower {
			if _, ok := coEntities[n]; ok {
				overlap++
			}
		}
		score += float64(overlap) / float64(len(nearbyLower)) * entityWeightCooc
	}

	if eventDate != nil && cand.LastSeen != nil {
		daysDiff := math.Abs(eventDate.UTC().Sub(cand.LastSeen.UTC()).Seconds()) / secondsPerDay
		if daysDiff < entityTemporalWindowDay {
			temporal := math.Max(0, 1.0-daysDiff/entityTemporalWindowDay)
			score += temporal * entityWeightTemporal
		}
	}

	return score
}

// lcsRatio is 2*LCS(a,b) / (len(a)+len(b)) over runes, in [0,1].
func lcsRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}

	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

func fetchAllCandidates(ctx context.Context, q querier, bankID uuid.UUID) ([]entityCandidate, error) {
	rows, err := q.Query(ctx, `
		SELECT id, canonical_name, last_seen, mention_count
		FROM entities
		WHERE bank_id = $1`,
		bankID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []entityCandidate
	for rows.Next() {
		var c entityCandidate
		if err := rows.Scan(&c.ID, &c.CanonicalName, &c.LastSeen, &c.MentionCount); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func fetchCooccurrenceMap(ctx context.Context, q querier, bankID uuid.UUID) (map[uuid.UUID]map[string]struct{}, error) {
	rows, err := q.Query(ctx, `
		SELECT ec.entity_id_1, ec.entity_id_2,
		       e1.canonical_name AS name1, e2.canonical_name AS name2
		FROM entity_cooccurrences ec
		JOIN entities e1 ON ec.entity_id_1 = e1.id
		JOIN entities e2 ON ec.entity_id_2 = e2.id
		WHERE ec.bank_id = $1`,
		bankID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cooc := make(map[uuid.UUID]map[string]struct{})
	add := func(id uuid.UUID, name string) {
		if cooc[id] == nil {
			cooc[id] = make(map[string]struct{})
		}
		cooc[id][strings.ToLower(name)] = struct{}{}
	}

	for rows.Next() {
		var id1, id2 uuid.UUID
		var name1, name2 string
		if err := rows.Scan(&id1, &id2, &name1, &name2); err != nil {
			return nil, err
		}
		add(id1, name2)
		add(id2, name1)
	}
	return cooc, rows.Err()
}

func batchCreateEntities(ctx context.Context, q querier, bankID uuid.UUID, names []string) (map[string]uuid.UUID, error) {
	rows, err := q.Query(ctx, `
		INSERT INTO entities (bank_id, canonical_name, entity_type)
		SELECT $1, unnest($2::text[]), 'person'
		ON CONFLICT (bank_id, LOWER(canonical_name)) DO UPDATE
		    SET mention_count = entities.mention_count + 1,
		        last_seen = NOW()
		RETURNING id, canonical_name`,
		bankID, names,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	created := make(map[string]uuid.UUID, len(names))
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		created[strings.ToLower(name)] = id
	}
	return created, rows.Err()
}

func batchUpdateEntityStats(ctx context.Context, q querier, entityIDs []uuid.UUID) error {
	_, err := q.Exec(ctx, `
		UPDATE entities
		SET mention_count = mention_count + 1, last_seen = NOW()
		WHERE id = ANY($1)`,
		entityIDs,
	)
	return err
}
