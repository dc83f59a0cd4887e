package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const (
	maxModelRefreshesPerCycle  = 3
	maxModelGenerationsPerCycle = 2
	generationEntityMinUnits   = 5
	generationMinAnswerChars   = 50
	generationDuplicateNameSim = 0.8
	triggerReflectIterations   = 5
)

// triggerMentalModelRefresh re-answers the source query of every model
// that opted into post-consolidation refresh, capped per cycle.
func (e *Engine) triggerMentalModelRefresh(ctx context.Context, bankID uuid.UUID) (int, error) {
	models, err := e.refreshableModels(ctx, bankID)
	if err != nil {
		return 0, err
	}
	if len(models) > maxModelRefreshesPerCycle {
		models = models[:maxModelRefreshesPerCycle]
	}

	refreshed := 0
	for _, model := range models {
		if model.SourceQuery == "" {
			continue
		}

		opts := []ReflectOption{
			WithExcludeMentalModels(model.ID),
			WithMaxIterations(triggerReflectIterations),
		}
		if len(model.Tags) > 0 {
			opts = append(opts, WithTags(model.Tags...), WithTagsMatch(TagMatchAllStrict))
		} else {
			opts = append(opts, WithTagsMatch(TagMatchAny))
		}

		result, err := e.reflect(ctx, bankID, model.SourceQuery, opts...)
		if err != nil {
			e.logger.Error("Mental model refresh reflect failed", "model", model.ID, "error", err)
			continue
		}
		if result.Answer == "" {
			e.logger.Warn("Mental model refresh produced no answer", "model", model.ID)
			continue
		}

		answer := result.Answer
		sourceObs := result.ObservationIDs
		if sourceObs == nil {
			sourceObs = []uuid.UUID{}
		}
		if _, err := e.UpdateMentalModel(ctx, bankID, model.ID, UpdateMentalModelParams{
			Content:              &answer,
			SourceObservationIDs: sourceObs,
		}); err != nil {
			e.logger.Error("Mental model refresh update failed", "model", model.ID, "error", err)
			continue
		}

		refreshed++
		e.logger.Info("Refreshed mental model", "model", model.ID, "name", model.Name)
	}
	return refreshed, nil
}

type generationCandidate struct {
	EntityID uuid.UUID
	Name     string
	ObsCount int
}

// triggerMentalModelGeneration creates models for entities whose
// observation coverage crossed the threshold during this cycle.
func (e *Engine) triggerMentalModelGeneration(ctx context.Context, bankID uuid.UUID, affectedObservationIDs []uuid.UUID, mission string) (int, error) {
	if len(affectedObservationIDs) == 0 {
		return 0, nil
	}

	rows, err := e.pool.Query(ctx, `
		WITH affected_entities AS (
			SELECT DISTINCT ue.entity_id
			FROM unit_entities ue
			WHERE ue.unit_id = ANY($1)
		),
		entity_obs_counts AS (
			SELECT en.id, en.canonical_name, COUNT(DISTINCT ue.unit_id) AS obs_count
			FROM affected_entities ae
			JOIN entities en ON en.id = ae.entity_id AND en.bank_id = $2
			JOIN unit_entities ue ON ue.entity_id = en.id
			JOIN memory_units mu ON mu.id = ue.unit_id AND mu.fact_type = 'observation'
			GROUP BY en.id, en.canonical_name
			HAVING COUNT(DISTINCT ue.unit_id) >= $3
		)
		SELECT eoc.id, eoc.canonical_name, eoc.obs_count
		FROM entity_obs_counts eoc
		LEFT JOIN mental_models mm ON mm.entity_id = eoc.id AND mm.bank_id = $2
		WHERE mm.id IS NULL
		ORDER BY eoc.obs_count DESC
		LIMIT $4`,
		affectedObservationIDs, bankID, generationEntityMinUnits, maxModelGenerationsPerCycle,
	)
	if err != nil {
		return 0, fmt.Errorf("finding generation candidates: %w", err)
	}
	var candidates []generationCandidate
	for rows.Next() {
		var c generationCandidate
		if err := rows.Scan(&c.EntityID, &c.Name, &c.ObsCount); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	generated := 0
	for _, candidate := range candidates {
		duplicate, err := e.hasExistingModelForEntity(ctx, bankID, candidate)
		if err != nil {
			e.logger.Error("Duplicate model check failed", "entity", candidate.EntityID, "error", err)
			continue
		}
		if duplicate {
			continue
		}

		sourceQuery := fmt.Sprintf("%sについて、これまでの全ての記憶から包括的にまとめてください。", candidate.Name)
		if mission != "" {
			sourceQuery += fmt.Sprintf("ミッション「%s」の観点を含めてください。", mission)
		}

		result, err := e.reflect(ctx, bankID, sourceQuery, WithMaxIterations(triggerReflectIterations))
		if err != nil {
			e.logger.Error("Mental model generation reflect failed", "entity", candidate.EntityID, "error", err)
			continue
		}
		if len([]rune(result.Answer)) < generationMinAnswerChars {
			e.logger.Debug("Generated summary too short, discarding",
				"entity", candidate.Name, "chars", len([]rune(result.Answer)))
			continue
		}

		entityID := candidate.EntityID
		model, err := e.CreateMentalModel(ctx, bankID, CreateMentalModelParams{
			Name:        candidate.Name,
			Content:     result.Answer,
			Description: fmt.Sprintf("%sに関する自動生成サマリ", candidate.Name),
			SourceQuery: sourceQuery,
			Trigger:     map[string]any{"refresh_after_consolidation": true},
			EntityID:    &entityID,
		})
		if err != nil {
			e.logger.Error("Mental model creation failed", "entity", candidate.EntityID, "error", err)
			continue
		}
		if len(result.ObservationIDs) > 0 {
			if _, err := e.UpdateMentalModel(ctx, bankID, model.ID, UpdateMentalModelParams{
				SourceObservationIDs: result.ObservationIDs,
			}); err != nil {
				e.logger.Warn("Failed to attach source observations", "model", model.ID, "error", err)
			}
		}

		generated++
		e.logger.Info("Generated mental model", "model", model.ID,
			"entity", candidate.Name, "observations", candidate.ObsCount)
	}
	return generated, nil
}

// hasExistingModelForEntity guards against near-duplicate models: an
// exact entity link or a trigram-similar name both count.
func (e *Engine) hasExistingModelForEntity(ctx context.Context, bankID uuid.UUID, candidate generationCandidate) (bool, error) {
	var exists bool
	err := e.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM mental_models
			WHERE bank_id = $1 AND entity_id = $2
		)`,
		bankID, candidate.EntityID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	err = e.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM mental_models
			WHERE bank_id = $1
			  AND similarity(name, $2) >= $3
		)`,
		bankID, candidate.Name, generationDuplicateNameSim,
	).Scan(&exists)
	return exists, err
}
