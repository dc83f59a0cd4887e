package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const (
	mentalModelSearchThreshold = 0.1
	mentalModelStaleDays       = 7
	mentalModelDefaultTokens   = 2048
)

// CreateMentalModelParams carries the optional fields of a create call.
type CreateMentalModelParams struct {
	Name        string
	Content     string
	Description string
	SourceQuery string
	Tags        []string
	Trigger     map[string]any
	MaxTokens   int
	EntityID    *uuid.UUID
}

// CreateMentalModel inserts a curated summary with a fresh embedding.
func (e *Engine) CreateMentalModel(ctx context.Context, bankID uuid.UUID, params CreateMentalModelParams) (*MentalModel, error) {
	if params.Name == "" || params.Content == "" {
		return nil, fmt.Errorf("%w: name and content are required", ErrEmptyContent)
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = mentalModelDefaultTokens
	}
	trigger := params.Trigger
	if trigger == nil {
		trigger = map[string]any{"refresh_after_consolidation": false}
	}
	triggerJSON, err := json.Marshal(trigger)
	if err != nil {
		return nil, fmt.Errorf("marshalling trigger: %w", err)
	}
	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}

	raw, err := e.embeddings.Embedding(ctx, params.Content, e.embeddingsModel)
	if err != nil {
		return nil, fmt.Errorf("embedding mental model content: %w", err)
	}
	embedding := normalizeVector(toFloat32(raw))

	row := e.pool.QueryRow(ctx, `
		INSERT INTO mental_models (
			bank_id, name, description, content, source_query,
			embedding, entity_id, tags, max_tokens, trigger, last_refreshed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, NOW()
		)
		RETURNING id, bank_id, name, description, content, source_query,
		          entity_id, source_observation_ids, tags, max_tokens,
		          trigger, last_refreshed_at, created_at, updated_at`,
		bankID, params.Name, nilIfEmpty(params.Description), params.Content,
		nilIfEmpty(params.SourceQuery), pgvector.NewVector(embedding),
		params.EntityID, tags, params.MaxTokens, triggerJSON,
	)
	return scanMentalModel(row)
}

// GetMentalModel fetches one model by id, or ErrNotFound.
func (e *Engine) GetMentalModel(ctx context.Context, bankID, modelID uuid.UUID) (*MentalModel, error) {
	row := e.pool.QueryRow(ctx, `
		SELECT id, bank_id, name, description, content, source_query,
		       entity_id, source_observation_ids, tags, max_tokens,
		       trigger, last_refreshed_at, created_at, updated_at
		FROM mental_models
		WHERE id = $1 AND bank_id = $2`,
		modelID, bankID,
	)
	model, err := scanMentalModel(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return model, err
}

// ListMentalModels pages through a bank's models, optionally tag-filtered.
func (e *Engine) ListMentalModels(ctx context.Context, bankID uuid.UUID, tags []string, mode TagMatchMode, limit, offset int) ([]MentalModel, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, bank_id, name, description, content, source_query,
		       entity_id, source_observation_ids, tags, max_tokens,
		       trigger, last_refreshed_at, created_at, updated_at
		FROM mental_models
		WHERE bank_id = $1`
	args := []any{bankID}
	nextParam := 2

	if len(tags) > 0 {
		clause, params, np := buildTagsWhereClause(tags, nextParam, mode)
		query += " AND " + clause
		args = append(args, params...)
		nextParam = np
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", nextParam, nextParam+1)
	args = append(args, limit, offset)

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []MentalModel
	for rows.Next() {
		model, err := scanMentalModelRows(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *model)
	}
	return models, rows.Err()
}

// SearchMentalModels runs a semantic search over models, flagging stale ones.
func (e *Engine) SearchMentalModels(ctx context.Context, bankID uuid.UUID, query string, tags []string, mode TagMatchMode, maxResults int, excludeIDs []uuid.UUID) ([]MentalModel, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	raw, err := e.embeddings.Embedding(ctx, query, e.embeddingsModel)
	if err != nil {
		return nil, fmt.Errorf("embedding search query: %w", err)
	}
	queryVec := normalizeVector(toFloat32(raw))

	sql := `
		SELECT id, bank_id, name, description, content, source_query,
		       entity_id, source_observation_ids, tags, max_tokens,
		       trigger, last_refreshed_at, created_at, updated_at,
		       1 - (embedding <=> $1) AS similarity
		FROM mental_models
		WHERE bank_id = $2
		  AND embedding IS NOT NULL
		  AND (1 - (embedding <=> $1)) >= $3`
	args := []any{pgvector.NewVector(queryVec), bankID, mentalModelSearchThreshold}
	nextParam := 4

	if len(tags) > 0 {
		clause, params, np := buildTagsWhereClause(tags, nextParam, mode)
		sql += " AND " + clause
		args = append(args, params...)
		nextParam = np
	}
	if len(excludeIDs) > 0 {
		sql += fmt.Sprintf(" AND id != ALL($%d)", nextParam)
		args = append(args, excludeIDs)
		nextParam++
	}

	sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", nextParam)
	args = append(args, maxResults)

	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	var models []MentalModel
	for rows.Next() {
		model, err := scanMentalModelRowsWithSimilarity(rows)
		if err != nil {
			return nil, err
		}
		model.IsStale = mentalModelIsStale(model.LastRefreshedAt, now)
		models = append(models, *model)
	}
	return models, rows.Err()
}

// UpdateMentalModelParams names the fields to change; nil means keep.
type UpdateMentalModelParams struct {
	Name                 *string
	Description          *string
	Content              *string
	SourceQuery          *string
	Tags                 []string
	Trigger              map[string]any
	MaxTokens            *int
	SourceObservationIDs []uuid.UUID
}

// UpdateMentalModel applies a partial update. A content change re-embeds
// and bumps last_refreshed_at.
func (e *Engine) UpdateMentalModel(ctx context.Context, bankID, modelID uuid.UUID, params UpdateMentalModelParams) (*MentalModel, error) {
	var setClauses []string
	var args []any
	paramIdx := 1

	add := func(clause string, value any) {
		setClauses = append(setClauses, fmt.Sprintf(clause, paramIdx))
		args = append(args, value)
		paramIdx++
	}

	if params.Name != nil {
		add("name = $%d", *params.Name)
	}
	if params.Description != nil {
		add("description = $%d", *params.Description)
	}
	if params.Content != nil {
		add("content = $%d", *params.Content)

		raw, err := e.embeddings.Embedding(ctx, *params.Content, e.embeddingsModel)
		if err != nil {
			return nil, fmt.Errorf("embedding updated content: %w", err)
		}
		add("embedding = $%d", pgvector.NewVector(normalizeVector(toFloat32(raw))))
		add("last_refreshed_at = $%d", time.Now().UTC())
	}
	if params.SourceQuery != nil {
		add("source_query = $%d", *params.SourceQuery)
	}
	if params.Tags != nil {
		add("tags = $%d", params.Tags)
	}
	if params.Trigger != nil {
		triggerJSON, err := json.Marshal(params.Trigger)
		if err != nil {
			return nil, fmt.Errorf("marshalling trigger: %w", err)
		}
		add("trigger = $%d", triggerJSON)
	}
	if params.MaxTokens != nil {
		add("max_tokens = $%d", *params.MaxTokens)
	}
	if params.SourceObservationIDs != nil {
		add("source_observation_ids = $%d", params.SourceObservationIDs)
	}

	if len(setClauses) == 0 {
		return e.GetMentalModel(ctx, bankID, modelID)
	}

	setSQL := setClauses[0]
	for _, c := range setClauses[1:] {
		setSQL += ", " + c
	}
	args = append(args, modelID, bankID)

	row := e.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE mental_models
		SET %s, updated_at = NOW()
		WHERE id = $%d AND bank_id = $%d
		RETURNING id, bank_id, name, description, content, source_query,
		          entity_id, source_observation_ids, tags, max_tokens,
		          trigger, last_refreshed_at, created_at, updated_at`,
		setSQL, paramIdx, paramIdx+1),
		args...,
	)
	model, err := scanMentalModel(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return model, err
}

// DeleteMentalModel removes the model; ErrNotFound if nothing matched.
func (e *Engine) DeleteMentalModel(ctx context.Context, bankID, modelID uuid.UUID) error {
	tag, err := e.pool.Exec(ctx, `
		DELETE FROM mental_models
		WHERE id = $1 AND bank_id = $2`,
		modelID, bankID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// refreshableModels lists models whose trigger requests a refresh after
// every consolidation.
func (e *Engine) refreshableModels(ctx context.Context, bankID uuid.UUID) ([]MentalModel, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, bank_id, name, description, content, source_query,
		       entity_id, source_observation_ids, tags, max_tokens,
		       trigger, last_refreshed_at, created_at, updated_at
		FROM mental_models
		WHERE bank_id = $1
		  AND (trigger->>'refresh_after_consolidation')::boolean = true
		  AND source_query IS NOT NULL
		ORDER BY created_at ASC`,
		bankID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []MentalModel
	for rows.Next() {
		model, err := scanMentalModelRows(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *model)
	}
	return models, rows.Err()
}

func mentalModelIsStale(lastRefreshed *time.Time, now time.Time) bool {
	if lastRefreshed == nil {
		return true
	}
	return now.Sub(lastRefreshed.UTC()) >= mentalModelStaleDays*24*time.Hour
}

// --- row scanning ---

func scanMentalModelFields(scan func(dest ...any) error, withSimilarity bool) (*MentalModel, error) {
	var m MentalModel
	var description, sourceQuery *string
	var triggerJSON []byte

	dest := []any{
		&m.ID, &m.BankID, &m.Name, &description, &m.Content, &sourceQuery,
		&m.EntityID, &m.SourceObservationIDs, &m.Tags, &m.MaxTokens,
		&triggerJSON, &m.LastRefreshedAt, &m.CreatedAt, &m.UpdatedAt,
	}
	if withSimilarity {
		dest = append(dest, &m.Similarity)
	}
	if err := scan(dest...); err != nil {
		return nil, err
	}

	if description != nil {
		m.Description = *description
	}
	if sourceQuery != nil {
		m.SourceQuery = *sourceQuery
	}
	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &m.Trigger); err != nil {
			m.Trigger = map[string]any{}
		}
	}
	return &m, nil
}

func scanMentalModel(row pgx.Row) (*MentalModel, error) {
	return scanMentalModelFields(row.Scan, false)
}

func scanMentalModelRows(rows pgx.Rows) (*MentalModel, error) {
	return scanMentalModelFields(rows.Scan, false)
}

func scanMentalModelRowsWithSimilarity(rows pgx.Rows) (*MentalModel, error) {
	return scanMentalModelFields(rows.Scan, true)
}
