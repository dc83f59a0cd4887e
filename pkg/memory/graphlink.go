package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/samber/lo"
)

const (
	temporalWindowHours      = 24
	temporalWeightMin        = 0.3
	maxTemporalLinksPerUnit  = 10
	maxTemporalCandidates    = 200
	semanticLinkTopK         = 5
	semanticLinkThreshold    = 0.7
	maxEntityLinksPerEntity  = 50
	linkInsertBatchSize      = 500
)

const nilUUID = "00000000-0000-0000-0000-000000000000"

type linkRecord struct {
	FromUnitID uuid.UUID
	ToUnitID   uuid.UUID
	LinkType   LinkType
	Weight     float64
	EntityID   *uuid.UUID
}

type linkStats struct {
	Temporal      int
	Semantic      int
	Entity        int
	Cooccurrences int
}

// buildLinksForUnits builds graph edges for freshly stored units. Called
// outside the retain transaction; a failure here never unwinds the units.
func (e *Engine) buildLinksForUnits(ctx context.Context, bankID uuid.UUID, unitIDs []uuid.UUID, vectors [][]float32) (*linkStats, error) {
	if len(unitIDs) == 0 {
		return &linkStats{}, nil
	}

	temporalLinks, err := e.buildTemporalLinks(ctx, bankID, unitIDs)
	if err != nil {
		return nil, fmt.Errorf("building temporal links: %w", err)
	}
	semanticLinks, err := e.buildSemanticLinks(ctx, bankID, unitIDs, vectors)
	if err != nil {
		return nil, fmt.Errorf("building semantic links: %w", err)
	}
	entityLinks, err := e.buildEntityLinks(ctx, bankID, unitIDs)
	if err != nil {
		return nil, fmt.Errorf("building entity links: %w", err)
	}

	allLinks := make([]linkRecord, 0, len(temporalLinks)+len(semanticLinks)+len(entityLinks))
	allLinks = append(allLinks, temporalLinks...)
	allLinks = append(allLinks, semanticLinks...)
	allLinks = append(allLinks, entityLinks...)

	if err := e.insertLinksBatch(ctx, bankID, allLinks); err != nil {
		return nil, fmt.Errorf("inserting links: %w", err)
	}

	cooccurrences, err := e.updateEntityCooccurrences(ctx, bankID, unitIDs)
	if err != nil {
		return nil, fmt.Errorf("updating cooccurrences: %w", err)
	}

	return &linkStats{
		Temporal:      len(temporalLinks),
		Semantic:      len(semanticLinks),
		Entity:        len(entityLinks),
		Cooccurrences: cooccurrences,
	}, nil
}

// --- temporal links ---

func temporalLinkWeight(diffHours float64) float64 {
	return math.Max(temporalWeightMin, 1.0-diffHours/temporalWindowHours)
}

func matchTemporalCandidates(unitTimes map[uuid.UUID]time.Time, candidateIDs []uuid.UUID, candidateTimes map[uuid.UUID]time.Time) []linkRecord {
	var links []linkRecord
	for uid, ut := range unitTimes {
		matched := 0
		for _, cid := range candidateIDs {
			ct, ok := candidateTimes[cid]
			if !ok {
				continue
			}
			diffHours := math.Abs(ut.Sub(ct).Hours())
			if diffHours > temporalWindowHours {
				continue
			}
			weight := temporalLinkWeight(diffHours)
			links = append(links,
				linkRecord{uid, cid, LinkTemporal, weight, nil},
				linkRecord{cid, uid, LinkTemporal, weight, nil},
			)
			matched++
			if matched >= maxTemporalLinksPerUnit {
				break
			}
		}
	}
	return links
}

func matchTemporalWithinBatch(unitTimes map[uuid.UUID]time.Time) []linkRecord {
	ids := lo.Keys(unitTimes)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var links []linkRecord
	for i, uid1 := range ids {
		for _, uid2 := range ids[i+1:] {
			diffHours := math.Abs(unitTimes[uid1].Sub(unitTimes[uid2]).Hours())
			if diffHours > temporalWindowHours {
				continue
			}
			weight := temporalLinkWeight(diffHours)
			links = append(links,
				linkRecord{uid1, uid2, LinkTemporal, weight, nil},
				linkRecord{uid2, uid1, LinkTemporal, weight, nil},
			)
		}
	}
	return links
}

func (e *Engine) buildTemporalLinks(ctx context.Context, bankID uuid.UUID, unitIDs []uuid.UUID) ([]linkRecord, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, event_date, occurred_start, mentioned_at
		FROM memory_units
		WHERE id = ANY($1)`,
		unitIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	unitTimes := make(map[uuid.UUID]time.Time)
	for rows.Next() {
		var id uuid.UUID
		var eventDate, occurredStart, mentionedAt *time.Time
		if err := rows.Scan(&id, &eventDate, &occurredStart, &mentionedAt); err != nil {
			return nil, err
		}
		if best := bestEventTime(eventDate, occurredStart, mentionedAt); best != nil {
			unitTimes[id] = *best
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(unitTimes) == 0 {
		return nil, nil
	}

	minDate := time.Time{}
	maxDate := time.Time{}
	for _, t := range unitTimes {
		if minDate.IsZero() || t.Before(minDate) {
			minDate = t
		}
		if maxDate.IsZero() || t.After(maxDate) {
			maxDate = t
		}
	}
	window := temporalWindowHours * time.Hour
	minDate = minDate.Add(-window)
	maxDate = maxDate.Add(window)

	candRows, err := e.pool.Query(ctx, `
		SELECT id, event_date, occurred_start, mentioned_at
		FROM memory_units
		WHERE bank_id = $1
		  AND id != ALL($2)
		  AND (
		      (event_date IS NOT NULL AND event_date BETWEEN $3 AND $4)
		      OR (occurred_start IS NOT NULL AND occurred_start BETWEEN $3 AND $4)
		      OR (mentioned_at IS NOT NULL AND mentioned_at BETWEEN $3 AND $4)
		  )
		ORDER BY COALESCE(event_date, occurred_start, mentioned_at) DESC
		LIMIT $5`,
		bankID, unitIDs, minDate, maxDate, maxTemporalCandidates,
	)
	if err != nil {
		return nil, err
	}
	defer candRows.Close()

	var candidateIDs []uuid.UUID
	candidateTimes := make(map[uuid.UUID]time.Time)
	for candRows.Next() {
		var id uuid.UUID
		var eventDate, occurredStart, mentionedAt *time.Time
		if err := candRows.Scan(&id, &eventDate, &occurredStart, &mentionedAt); err != nil {
			return nil, err
		}
		candidateIDs = append(candidateIDs, id)
		if best := bestEventTime(eventDate, occurredStart, mentionedAt); best != nil {
			candidateTimes[id] = *best
		}
	}
	if err := candRows.Err(); err != nil {
		return nil, err
	}

	links := matchTemporalCandidates(unitTimes, candidateIDs, candidateTimes)
	links = append(links, matchTemporalWithinBatch(unitTimes)...)
	return links, nil
}

// --- semantic links ---

func (e *Engine) buildSemanticLinks(ctx context.Context, bankID uuid.UUID, unitIDs []uuid.UUID, vectors [][]float32) ([]linkRecord, error) {
	var links []linkRecord

	for i, uid := range unitIDs {
		if i >= len(vectors) {
			break
		}
		rows, err := e.pool.Query(ctx, `
			SELECT id, 1 - (embedding <=> $1) AS similarity
			FROM memory_units
			WHERE bank_id = $2
			  AND embedding IS NOT NULL
			  AND id != $3
			  AND (1 - (embedding <=> $1)) >= $4
			ORDER BY embedding <=> $1
			LIMIT $5`,
			pgvector.NewVector(vectors[i]), bankID, uid, semanticLinkThreshold, semanticLinkTopK,
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var targetID uuid.UUID
			var similarity float64
			if err := rows.Scan(&targetID, &similarity); err != nil {
				rows.Close()
				return nil, err
			}
			links = append(links,
				linkRecord{uid, targetID, LinkSemantic, similarity, nil},
				linkRecord{targetID, uid, LinkSemantic, similarity, nil},
			)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	// Intra-batch pairs are computed in memory to avoid round-trips.
	for i := range unitIDs {
		for j := i + 1; j < len(unitIDs); j++ {
			if i >= len(vectors) || j >= len(vectors) {
				continue
			}
			sim := cosineSimilarity(vectors[i], vectors[j])
			if sim >= semanticLinkThreshold {
				links = append(links,
					linkRecord{unitIDs[i], unitIDs[j], LinkSemantic, sim, nil},
					linkRecord{unitIDs[j], unitIDs[i], LinkSemantic, sim, nil},
				)
			}
		}
	}

	return links, nil
}

// --- entity links ---

func (e *Engine) buildEntityLinks(ctx context.Context, bankID uuid.UUID, unitIDs []uuid.UUID) ([]linkRecord, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT unit_id, entity_id
		FROM unit_entities
		WHERE unit_id = ANY($1)`,
		unitIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entityToNewUnits := make(map[uuid.UUID][]uuid.UUID)
	for rows.Next() {
		var unitID, entityID uuid.UUID
		if err := rows.Scan(&unitID, &entityID); err != nil {
			return nil, err
		}
		entityToNewUnits[entityID] = append(entityToNewUnits[entityID], unitID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entityToNewUnits) == 0 {
		return nil, nil
	}

	allEntityIDs := lo.Keys(entityToNewUnits)

	existingRows, err := e.pool.Query(ctx, `
		SELECT ue.entity_id, ue.unit_id
		FROM unit_entities ue
		JOIN memory_units mu ON ue.unit_id = mu.id
		WHERE ue.entity_id = ANY($1)
		  AND ue.unit_id != ALL($2)
		ORDER BY mu.created_at DESC`,
		allEntityIDs, unitIDs,
	)
	if err != nil {
		return nil, err
	}
	defer existingRows.Close()

	entityToExisting := make(map[uuid.UUID][]uuid.UUID)
	for existingRows.Next() {
		var entityID, unitID uuid.UUID
		if err := existingRows.Scan(&entityID, &unitID); err != nil {
			return nil, err
		}
		entityToExisting[entityID] = append(entityToExisting[entityID], unitID)
	}
	if err := existingRows.Err(); err != nil {
		return nil, err
	}

	var links []linkRecord
	for _, eid := range allEntityIDs {
		entityID := eid
		newUnits := entityToNewUnits[entityID]
		existingUnits := entityToExisting[entityID]
		if len(existingUnits) > maxEntityLinksPerEntity {
			existingUnits = existingUnits[:maxEntityLinksPerEntity]
		}

		for _, nuid := range newUnits {
			for _, euid := range existingUnits {
				links = append(links,
					linkRecord{nuid, euid, LinkEntity, 1.0, &entityID},
					linkRecord{euid, nuid, LinkEntity, 1.0, &entityID},
				)
			}
		}

		for i, uid1 := range newUnits {
			for _, uid2 := range newUnits[i+1:] {
				links = append(links,
					linkRecord{uid1, uid2, LinkEntity, 1.0, &entityID},
					linkRecord{uid2, uid1, LinkEntity, 1.0, &entityID},
				)
			}
		}
	}

	return links, nil
}

// --- cooccurrences ---

func (e *Engine) updateEntityCooccurrences(ctx context.Context, bankID uuid.UUID, unitIDs []uuid.UUID) (int, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT unit_id, array_agg(entity_id ORDER BY entity_id) AS entity_ids
		FROM unit_entities
		WHERE unit_id = ANY($1)
		GROUP BY unit_id
		HAVING COUNT(*) >= 2`,
		unitIDs,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type pair struct{ a, b uuid.UUID }
	pairs := make(map[pair]struct{})
	for rows.Next() {
		var unitID uuid.UUID
		var entityIDs []uuid.UUID
		if err := rows.Scan(&unitID, &entityIDs); err != nil {
			return 0, err
		}
		for i, eid1 := range entityIDs {
			for _, eid2 := range entityIDs[i+1:] {
				pairs[pair{eid1, eid2}] = struct{}{}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(pairs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for p := range pairs {
		batch.Queue(`
			INSERT INTO entity_cooccurrences (bank_id, entity_id_1, entity_id_2, cooccurrence_count, last_cooccurred)
			VALUES ($1, $2, $3, 1, NOW())
			ON CONFLICT (bank_id, entity_id_1, entity_id_2) DO UPDATE SET
			    cooccurrence_count = entity_cooccurrences.cooccurrence_count + 1,
			    last_cooccurred = NOW()`,
			bankID, p.a, p.b,
		)
	}
	if err := e.pool.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}

	return len(pairs), nil
}

// --- batch insert ---

var linkInsertSQL = `
	INSERT INTO memory_links (bank_id, from_unit_id, to_unit_id, link_type, weight, entity_id)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (from_unit_id, to_unit_id, link_type,
	             COALESCE(entity_id, '` + nilUUID + `'::uuid))
	DO NOTHING`

func buildLinkInsertBatch(bankID uuid.UUID, links []linkRecord) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, lk := range links {
		batch.Queue(linkInsertSQL, bankID, lk.FromUnitID, lk.ToUnitID, lk.LinkType, lk.Weight, lk.EntityID)
	}
	return batch
}

func (e *Engine) insertLinksBatch(ctx context.Context, bankID uuid.UUID, links []linkRecord) error {
	for start := 0; start < len(links); start += linkInsertBatchSize {
		end := start + linkInsertBatchSize
		if end > len(links) {
			end = len(links)
		}
		if err := e.pool.SendBatch(ctx, buildLinkInsertBatch(bankID, links[start:end])).Close(); err != nil {
			return err
		}
	}
	return nil
}
