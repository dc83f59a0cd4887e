package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FreshnessStatus reflects the temporal distribution of an observation's
// evidence.
type FreshnessStatus string

const (
	FreshnessNew           FreshnessStatus = "new"
	FreshnessStrengthening FreshnessStatus = "strengthening"
	FreshnessStable        FreshnessStatus = "stable"
	FreshnessWeakening     FreshnessStatus = "weakening"
	FreshnessStale         FreshnessStatus = "stale"
)

const freshnessRecentDays = 30

// computeFreshness classifies evidence timestamps.
//
//	recent_density = recent count / 30
//	older_density  = older count / max(total span - 30, 1)
//	ratio > 1.5 strengthening, < 0.5 weakening, else stable.
//
// No recent evidence is stale; all-recent evidence is new.
func computeFreshness(evidence []time.Time, now time.Time) FreshnessStatus {
	if len(evidence) == 0 {
		return FreshnessStale
	}

	now = now.UTC()
	recentCutoff := now.AddDate(0, 0, -freshnessRecentDays)

	var recent, older int
	earliest := evidence[0].UTC()
	for _, ts := range evidence {
		ts = ts.UTC()
		if ts.After(recentCutoff) {
			recent++
		} else {
			older++
		}
		if ts.Before(earliest) {
			earliest = ts
		}
	}

	if recent == 0 {
		return FreshnessStale
	}
	if older == 0 {
		return FreshnessNew
	}

	recentDensity := float64(recent) / freshnessRecentDays

	totalSpanDays := now.Sub(earliest).Seconds() / secondsPerDay
	if totalSpanDays < 1 {
		totalSpanDays = 1
	}
	olderPeriod := totalSpanDays - freshnessRecentDays
	if olderPeriod < 1 {
		olderPeriod = 1
	}
	olderDensity := float64(older) / olderPeriod

	ratio := recentDensity / olderDensity
	switch {
	case ratio > 1.5:
		return FreshnessStrengthening
	case ratio < 0.5:
		return FreshnessWeakening
	default:
		return FreshnessStable
	}
}

// updateFreshnessForBank recomputes every observation's freshness in two
// batched reads and one update per changed row.
func (e *Engine) updateFreshnessForBank(ctx context.Context, bankID uuid.UUID) (int, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, source_memory_ids
		FROM memory_units
		WHERE bank_id = $1
		  AND fact_type = 'observation'`,
		bankID,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type observation struct {
		ID        uuid.UUID
		SourceIDs []uuid.UUID
	}
	var observations []observation
	sourceSet := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var obs observation
		if err := rows.Scan(&obs.ID, &obs.SourceIDs); err != nil {
			return 0, err
		}
		observations = append(observations, obs)
		for _, sid := range obs.SourceIDs {
			sourceSet[sid] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(observations) == 0 {
		return 0, nil
	}

	sourceTimestamps := make(map[uuid.UUID]time.Time, len(sourceSet))
	if len(sourceSet) > 0 {
		allSourceIDs := make([]uuid.UUID, 0, len(sourceSet))
		for id := range sourceSet {
			allSourceIDs = append(allSourceIDs, id)
		}

		tsRows, err := e.pool.Query(ctx, `
			SELECT id, created_at
			FROM memory_units
			WHERE id = ANY($1)
			  AND bank_id = $2`,
			allSourceIDs, bankID,
		)
		if err != nil {
			return 0, err
		}
		defer tsRows.Close()
		for tsRows.Next() {
			var id uuid.UUID
			var createdAt time.Time
			if err := tsRows.Scan(&id, &createdAt); err != nil {
				return 0, err
			}
			sourceTimestamps[id] = createdAt
		}
		if err := tsRows.Err(); err != nil {
			return 0, err
		}
	}

	now := time.Now().UTC()
	updated := 0
	statusCounts := make(map[FreshnessStatus]int)
	for _, obs := range observations {
		var evidence []time.Time
		for _, sid := range obs.SourceIDs {
			if ts, ok := sourceTimestamps[sid]; ok {
				evidence = append(evidence, ts)
			}
		}

		status := computeFreshness(evidence, now)
		statusCounts[status]++

		if _, err := e.pool.Exec(ctx, `
			UPDATE memory_units
			SET freshness_status = $1
			WHERE id = $2`,
			string(status), obs.ID,
		); err != nil {
			return updated, err
		}
		updated++
	}

	e.logger.Info("Freshness updated", "bank", bankID, "observations", updated,
		"new", statusCounts[FreshnessNew], "stable", statusCounts[FreshnessStable],
		"stale", statusCounts[FreshnessStale])
	return updated, nil
}
