package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const (
	duplicateSimilarityThreshold = 0.9
	duplicateBucketHours         = 12
)

// buildEmbeddingText augments the fact text with its date so temporally
// distinct but similarly phrased events embed apart.
func buildEmbeddingText(fact Fact) string {
	text := fact.Text
	if fact.EventDate != nil {
		text += fact.EventDate.UTC().Format(" (happened on 2006-01-02)")
	}
	return text
}

// duplicateBucket returns the 12-hour window containing the event date.
func duplicateBucket(eventDate time.Time) (time.Time, time.Time) {
	t := eventDate.UTC()
	bucketStart := time.Date(t.Year(), t.Month(), t.Day(), (t.Hour()/duplicateBucketHours)*duplicateBucketHours, 0, 0, 0, time.UTC)
	return bucketStart, bucketStart.Add(duplicateBucketHours * time.Hour)
}

func (e *Engine) retain(ctx context.Context, bankID uuid.UUID, content, context_ string) (*RetainResult, error) {
	facts := e.ExtractFacts(ctx, content, context_)
	if len(facts) == 0 {
		return &RetainResult{FactIDs: []uuid.UUID{}}, nil
	}

	embeddingTexts := make([]string, len(facts))
	for i, fact := range facts {
		embeddingTexts[i] = buildEmbeddingText(fact)
	}

	raw, err := e.embeddings.Embeddings(ctx, embeddingTexts, e.embeddingsModel)
	if err != nil {
		return nil, fmt.Errorf("generating fact embeddings: %w", err)
	}
	vectors := make([][]float32, len(raw))
	for i, emb := range raw {
		vectors[i] = normalizeVector(toFloat32(emb))
	}

	storedIDs := make([]uuid.UUID, 0, len(facts))
	storedVectors := make([][]float32, 0, len(facts))
	duplicates := 0

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning retain transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for i, fact := range facts {
		isDup, err := e.checkDuplicate(ctx, tx, bankID, vectors[i], fact)
		if err != nil {
			return nil, fmt.Errorf("checking duplicate: %w", err)
		}
		if isDup {
			duplicates++
			continue
		}

		unitID, err := insertMemoryUnit(ctx, tx, bankID, fact, vectors[i], context_)
		if err != nil {
			return nil, fmt.Errorf("inserting memory unit: %w", err)
		}

		if len(fact.Who) > 0 {
			entities, err := resolveEntities(ctx, tx, bankID, fact.Who, fact.EventDate)
			if err != nil {
				return nil, fmt.Errorf("resolving entities: %w", err)
			}
			entityIDs := make([]uuid.UUID, 0, len(entities))
			for _, entity := range entities {
				entityIDs = append(entityIDs, entity.EntityID)
			}
			if err := insertUnitEntities(ctx, tx, unitID, entityIDs); err != nil {
				return nil, fmt.Errorf("linking unit entities: %w", err)
			}
		}

		storedIDs = append(storedIDs, unitID)
		storedVectors = append(storedVectors, vectors[i])
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing retain transaction: %w", err)
	}
	committed = true

	// Link building failures never fail the retain: units are durable.
	if len(storedIDs) > 0 {
		if stats, err := e.buildLinksForUnits(ctx, bankID, storedIDs, storedVectors); err != nil {
			e.logger.Warn("Graph link construction failed", "bank", bankID, "error", err)
		} else {
			e.logger.Debug("Graph links built",
				"temporal", stats.Temporal, "semantic", stats.Semantic,
				"entity", stats.Entity, "cooccurrences", stats.Cooccurrences)
		}
	}

	e.logger.Info("Retain complete", "stored", len(storedIDs), "duplicates", duplicates)

	return &RetainResult{
		Stored:     len(storedIDs),
		Duplicates: duplicates,
		FactIDs:    storedIDs,
	}, nil
}

func (e *Engine) checkDuplicate(ctx context.Context, tx pgx.Tx, bankID uuid.UUID, embedding []float32, fact Fact) (bool, error) {
	var dup bool
	var err error
	if fact.EventDate != nil {
		dup, err = checkDuplicateEvent(ctx, tx, bankID, embedding, *fact.EventDate)
	} else {
		dup, err = checkDuplicateConversation(ctx, tx, bankID, embedding)
	}
	if err != nil {
		return false, err
	}
	if dup {
		e.logger.Debug("Duplicate detected", "text", truncateForLog(fact.Text, 80))
	}
	return dup, nil
}

func checkDuplicateEvent(ctx context.Context, tx pgx.Tx, bankID uuid.UUID, embedding []float32, eventDate time.Time) (bool, error) {
	bucketStart, bucketEnd := duplicateBucket(eventDate)

	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT id
		FROM memory_units
		WHERE bank_id = $2
		  AND event_date >= $3
		  AND event_date < $4
		  AND embedding IS NOT NULL
		  AND (1 - (embedding <=> $1)) >= $5
		LIMIT 1`,
		pgvector.NewVector(embedding), bankID, bucketStart, bucketEnd, duplicateSimilarityThreshold,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func checkDuplicateConversation(ctx context.Context, tx pgx.Tx, bankID uuid.UUID, embedding []float32) (bool, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT id
		FROM memory_units
		WHERE bank_id = $2
		  AND fact_kind = 'conversation'
		  AND embedding IS NOT NULL
		  AND (1 - (embedding <=> $1)) >= $3
		LIMIT 1`,
		pgvector.NewVector(embedding), bankID, duplicateSimilarityThreshold,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func insertMemoryUnit(ctx context.Context, tx pgx.Tx, bankID uuid.UUID, fact Fact, embedding []float32, context_ string) (uuid.UUID, error) {
	var contextVal *string
	if context_ != "" {
		contextVal = &context_
	}
	var who []string
	if len(fact.Who) > 0 {
		who = fact.Who
	}

	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO memory_units (
			bank_id, text, context, embedding,
			fact_type, fact_kind,
			what, who, when_description, where_description, why_description,
			event_date, occurred_start, occurred_end, mentioned_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, NOW()
		)
		RETURNING id`,
		bankID, fact.Text, contextVal, pgvector.NewVector(embedding),
		fact.FactType, fact.FactKind,
		nilIfEmpty(fact.What), who, nilIfEmpty(fact.WhenDescription),
		nilIfEmpty(fact.WhereDescription), nilIfEmpty(fact.WhyDescription),
		fact.EventDate, fact.OccurredStart, fact.OccurredEnd,
	).Scan(&id)
	return id, err
}

func insertUnitEntities(ctx context.Context, tx pgx.Tx, unitID uuid.UUID, entityIDs []uuid.UUID) error {
	for _, entityID := range entityIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO unit_entities (unit_id, entity_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			unitID, entityID,
		); err != nil {
			return err
		}
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncateForLog(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
