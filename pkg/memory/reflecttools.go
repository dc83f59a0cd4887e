package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/pgvector/pgvector-go"
)

const (
	reflectObservationLimit    = 20
	reflectObservationLimitMax = 50
	reflectRecallLimit         = 30
	reflectRecallLimitMax      = 100
	reflectMentalModelLimit    = 5
	reflectMentalModelLimitMax = 20
	reflectExpandLimit         = 10
	reflectSimilarityThreshold = 0.1
)

func buildReflectTools(hasDirectives bool) []openai.ChatCompletionToolParam {
	queryProperty := map[string]string{
		"type":        "string",
		"description": "検索クエリ（日本語）",
	}
	reasonProperty := map[string]string{
		"type":        "string",
		"description": "このツールを呼び出す理由",
	}
	maxResultsProperty := func(def int) map[string]string {
		return map[string]string{
			"type":        "integer",
			"description": fmt.Sprintf("最大結果数（デフォルト: %d）", def),
		}
	}

	doneProperties := map[string]any{
		"answer": map[string]string{
			"type":        "string",
			"description": "最終回答（日本語、マークダウン形式可）。ID はこのフィールドに含めないでください。",
		},
		"memory_ids": map[string]any{
			"type":        "array",
			"items":       map[string]string{"type": "string"},
			"description": "回答の根拠となる Raw Fact の ID リスト",
		},
		"mental_model_ids": map[string]any{
			"type":        "array",
			"items":       map[string]string{"type": "string"},
			"description": "回答の根拠となる Mental Model の ID リスト",
		},
		"observation_ids": map[string]any{
			"type":        "array",
			"items":       map[string]string{"type": "string"},
			"description": "回答の根拠となる Observation の ID リスト",
		},
	}
	doneRequired := []string{"answer"}
	if hasDirectives {
		doneProperties["directive_compliance"] = map[string]any{
			"type":        "array",
			"items":       map[string]string{"type": "string"},
			"description": "各ディレクティブにどう準拠したかの説明リスト",
		}
		doneRequired = append(doneRequired, "directive_compliance")
	}

	return []openai.ChatCompletionToolParam{
		{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        "search_mental_models",
				Description: param.NewOpt("キュレーション済みサマリ（Mental Model）を検索する。最高品質の知識源。まずこれを使用してください。"),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"query":       queryProperty,
						"max_results": maxResultsProperty(reflectMentalModelLimit),
						"reason":      reasonProperty,
					},
					"required": []string{"query", "reason"},
				},
			},
		},
		{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        "search_observations",
				Description: param.NewOpt("自動統合された知識（Observation）を検索する。事実から抽出されたパターンや永続的知識。"),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"query":       queryProperty,
						"max_results": maxResultsProperty(reflectObservationLimit),
						"reason":      reasonProperty,
					},
					"required": []string{"query", "reason"},
				},
			},
		},
		{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        "recall",
				Description: param.NewOpt("生の事実（Raw Fact）を検索する。元の記憶テキスト。検証や詳細確認に使用。"),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"query":       queryProperty,
						"max_results": maxResultsProperty(reflectRecallLimit),
						"reason":      reasonProperty,
					},
					"required": []string{"query", "reason"},
				},
			},
		},
		{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        "expand",
				Description: param.NewOpt("特定の記憶の完全なコンテキストを取得する。5W1H情報やチャンクテキストを含む。"),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"memory_ids": map[string]any{
							"type":        "array",
							"items":       map[string]string{"type": "string"},
							"description": "取得する memory_unit の ID リスト（最大10件）",
						},
						"reason": reasonProperty,
					},
					"required": []string{"memory_ids", "reason"},
				},
			},
		},
		{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        "done",
				Description: param.NewOpt("推論が完了し、回答を返す。十分な証拠を収集してから呼び出すこと。"),
				Parameters: openai.FunctionParameters{
					"type":       "object",
					"properties": doneProperties,
					"required":   doneRequired,
				},
			},
		},
	}
}

type searchToolInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// ---------- search_mental_models ----------

func (e *Engine) toolSearchMentalModels(ctx context.Context, rc *reflectContext, arguments string) (any, error) {
	var input searchToolInput
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return nil, fmt.Errorf("parsing tool input: %w", err)
	}
	if input.Query == "" {
		return map[string]any{"error": "query は必須です", "results": []any{}}, nil
	}
	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = reflectMentalModelLimit
	}
	if maxResults > reflectMentalModelLimitMax {
		maxResults = reflectMentalModelLimitMax
	}

	models, err := e.SearchMentalModels(ctx, rc.bankID, input.Query, rc.tags, rc.tagsMatch, maxResults, rc.excludeMentalModels)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(models))
	for _, m := range models {
		rc.availableMentalModelIDs[m.ID] = struct{}{}

		content := m.Content
		if content == "" {
			content = m.Description
		}
		results = append(results, map[string]any{
			"id":       m.ID.String(),
			"name":     m.Name,
			"content":  content,
			"tags":     m.Tags,
			"is_stale": m.IsStale,
		})
	}
	return map[string]any{"results": results, "total": len(results)}, nil
}

// ---------- search_observations ----------

func (e *Engine) toolSearchObservations(ctx context.Context, rc *reflectContext, arguments string) (any, error) {
	var input searchToolInput
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return nil, fmt.Errorf("parsing tool input: %w", err)
	}
	if input.Query == "" {
		return map[string]any{"error": "query は必須です", "results": []any{}}, nil
	}
	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = reflectObservationLimit
	}
	if maxResults > reflectObservationLimitMax {
		maxResults = reflectObservationLimitMax
	}

	raw, err := e.embeddings.Embedding(ctx, input.Query, e.embeddingsModel)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec := normalizeVector(toFloat32(raw))

	sql := `
		SELECT id, text, proof_count, source_memory_ids,
		       freshness_status,
		       1 - (embedding <=> $1) AS similarity
		FROM memory_units
		WHERE bank_id = $2
		  AND fact_type = 'observation'
		  AND embedding IS NOT NULL
		  AND (1 - (embedding <=> $1)) >= $3`
	args := []any{pgvector.NewVector(queryVec), rc.bankID, reflectSimilarityThreshold}
	nextParam := 4

	if len(rc.tags) > 0 {
		clause, params, np := buildTagsWhereClause(rc.tags, nextParam, rc.tagsMatch)
		sql += " AND " + clause
		args = append(args, params...)
		nextParam = np
	}
	sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", nextParam)
	args = append(args, maxResults)

	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]map[string]any, 0, maxResults)
	for rows.Next() {
		var id uuid.UUID
		var text string
		var proofCount int
		var sourceIDs []uuid.UUID
		var freshness *string
		var similarity float64
		if err := rows.Scan(&id, &text, &proofCount, &sourceIDs, &freshness, &similarity); err != nil {
			return nil, err
		}
		rc.availableObservationIDs[id] = struct{}{}

		if len(sourceIDs) > 5 {
			sourceIDs = sourceIDs[:5]
		}
		status := "unknown"
		if freshness != nil && *freshness != "" {
			status = *freshness
		}
		results = append(results, map[string]any{
			"id":                id.String(),
			"text":              text,
			"proof_count":       proofCount,
			"source_memory_ids": uuidStrings(sourceIDs),
			"freshness_status":  status,
			"similarity":        similarity,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "total": len(results)}, nil
}

// ---------- recall ----------

func (e *Engine) toolRecallFacts(ctx context.Context, rc *reflectContext, arguments string) (any, error) {
	var input searchToolInput
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return nil, fmt.Errorf("parsing tool input: %w", err)
	}
	if input.Query == "" {
		return map[string]any{"error": "query は必須です", "results": []any{}}, nil
	}
	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = reflectRecallLimit
	}
	if maxResults > reflectRecallLimitMax {
		maxResults = reflectRecallLimitMax
	}

	raw, err := e.embeddings.Embedding(ctx, input.Query, e.embeddingsModel)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec := normalizeVector(toFloat32(raw))

	sql := `
		SELECT id, text, fact_type, fact_kind, event_date,
		       1 - (embedding <=> $1) AS similarity
		FROM memory_units
		WHERE bank_id = $2
		  AND fact_type IN ('world', 'experience')
		  AND embedding IS NOT NULL
		  AND (1 - (embedding <=> $1)) >= $3`
	args := []any{pgvector.NewVector(queryVec), rc.bankID, reflectSimilarityThreshold}
	nextParam := 4

	if len(rc.tags) > 0 {
		clause, params, np := buildTagsWhereClause(rc.tags, nextParam, rc.tagsMatch)
		sql += " AND " + clause
		args = append(args, params...)
		nextParam = np
	}
	sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", nextParam)
	args = append(args, maxResults)

	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]map[string]any, 0, maxResults)
	for rows.Next() {
		var id uuid.UUID
		var text, factType string
		var factKind *string
		var eventDate *time.Time
		var similarity float64
		if err := rows.Scan(&id, &text, &factType, &factKind, &eventDate, &similarity); err != nil {
			return nil, err
		}
		rc.availableMemoryIDs[id] = struct{}{}

		var eventDateStr *string
		if eventDate != nil {
			s := eventDate.UTC().Format(time.RFC3339)
			eventDateStr = &s
		}
		results = append(results, map[string]any{
			"id":         id.String(),
			"text":       text,
			"fact_type":  factType,
			"fact_kind":  factKind,
			"event_date": eventDateStr,
			"similarity": similarity,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "total": len(results)}, nil
}

// ---------- expand ----------

type expandToolInput struct {
	MemoryIDs []string `json:"memory_ids"`
}

func (e *Engine) toolExpand(ctx context.Context, rc *reflectContext, arguments string) (any, error) {
	var input expandToolInput
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return nil, fmt.Errorf("parsing tool input: %w", err)
	}
	if len(input.MemoryIDs) == 0 {
		return map[string]any{"error": "memory_ids は必須です", "results": []any{}}, nil
	}

	if len(input.MemoryIDs) > reflectExpandLimit {
		input.MemoryIDs = input.MemoryIDs[:reflectExpandLimit]
	}
	var validIDs []uuid.UUID
	for _, raw := range input.MemoryIDs {
		if id, err := uuid.Parse(raw); err == nil {
			validIDs = append(validIDs, id)
		}
	}
	if len(validIDs) == 0 {
		return map[string]any{"error": "有効な memory_ids がありません", "results": []any{}}, nil
	}

	rows, err := e.pool.Query(ctx, `
		SELECT id, text, context, fact_type, fact_kind,
		       event_date, who, what, when_description,
		       where_description, why_description
		FROM memory_units
		WHERE id = ANY($1)
		  AND bank_id = $2`,
		validIDs, rc.bankID,
	)
	if err != nil {
		return nil, err
	}

	type expandedUnit struct {
		payload map[string]any
	}
	units := make(map[uuid.UUID]*expandedUnit)
	var order []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var text string
		var context_, factKind, what, whenDesc, whereDesc, whyDesc *string
		var factType string
		var eventDate *time.Time
		var who []string
		if err := rows.Scan(&id, &text, &context_, &factType, &factKind,
			&eventDate, &who, &what, &whenDesc, &whereDesc, &whyDesc); err != nil {
			rows.Close()
			return nil, err
		}
		rc.availableMemoryIDs[id] = struct{}{}
		if who == nil {
			who = []string{}
		}

		units[id] = &expandedUnit{payload: map[string]any{
			"id":        id.String(),
			"text":      text,
			"context":   context_,
			"fact_type": factType,
			"who":       who,
			"what":      what,
			"when":      whenDesc,
			"where":     whereDesc,
			"why":       whyDesc,
		}}
		order = append(order, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chunkRows, err := e.pool.Query(ctx, `
		SELECT c.memory_unit_id, c.chunk_index, c.text
		FROM chunks c
		JOIN memory_units mu ON mu.id = c.memory_unit_id
		WHERE c.memory_unit_id = ANY($1)
		  AND mu.bank_id = $2
		ORDER BY c.memory_unit_id, c.chunk_index
		LIMIT 100`,
		validIDs, rc.bankID,
	)
	if err != nil {
		return nil, err
	}
	for chunkRows.Next() {
		var unitID uuid.UUID
		var index int
		var text string
		if err := chunkRows.Scan(&unitID, &index, &text); err != nil {
			chunkRows.Close()
			return nil, err
		}
		if unit, ok := units[unitID]; ok {
			chunks, _ := unit.payload["chunks"].([]map[string]any)
			unit.payload["chunks"] = append(chunks, map[string]any{
				"index": index,
				"text":  text,
			})
		}
	}
	chunkRows.Close()
	if err := chunkRows.Err(); err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(order))
	for _, id := range order {
		results = append(results, units[id].payload)
	}
	return map[string]any{"results": results, "total": len(results)}, nil
}

// ---------- done ----------

type doneToolInput struct {
	Answer         string   `json:"answer"`
	MemoryIDs      []string `json:"memory_ids"`
	MentalModelIDs []string `json:"mental_model_ids"`
	ObservationIDs []string `json:"observation_ids"`
}

// toolDone validates cited IDs against what was actually retrieved and
// rejects evidence-free answers while iterations remain.
func (e *Engine) toolDone(rc *reflectContext, arguments string, iteration, maxIterations int) (any, *doneOutcome) {
	var input doneToolInput
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return map[string]string{"error": "done ツールの入力を解析できませんでした"}, nil
	}

	allCitedEmpty := len(input.MemoryIDs) == 0 &&
		len(input.MentalModelIDs) == 0 &&
		len(input.ObservationIDs) == 0
	hasAvailableEvidence := len(rc.availableMemoryIDs) > 0 ||
		len(rc.availableMentalModelIDs) > 0 ||
		len(rc.availableObservationIDs) > 0

	if allCitedEmpty && iteration < maxIterations-1 && !hasAvailableEvidence {
		return map[string]string{
			"error": "証拠が収集されていません。search_mental_models、search_observations、recall ツールを使用して証拠を収集してから回答してください。",
		}, nil
	}

	validated := func(cited []string, available map[uuid.UUID]struct{}) []uuid.UUID {
		out := []uuid.UUID{}
		for _, raw := range cited {
			id, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			if _, ok := available[id]; ok {
				out = append(out, id)
			}
		}
		return out
	}

	outcome := &doneOutcome{
		Answer:         input.Answer,
		MemoryIDs:      validated(input.MemoryIDs, rc.availableMemoryIDs),
		MentalModelIDs: validated(input.MentalModelIDs, rc.availableMentalModelIDs),
		ObservationIDs: validated(input.ObservationIDs, rc.availableObservationIDs),
	}

	removed := len(input.MemoryIDs) - len(outcome.MemoryIDs) +
		len(input.MentalModelIDs) - len(outcome.MentalModelIDs) +
		len(input.ObservationIDs) - len(outcome.ObservationIDs)
	if removed > 0 {
		e.logger.Warn("Removed uncited IDs from reflect answer", "removed", removed)
	}

	return map[string]any{"status": "done"}, outcome
}
