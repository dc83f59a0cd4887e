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
	"golang.org/x/sync/errgroup"
)

// Budget selects how much of the token budget a recall may spend.
type Budget string

const (
	BudgetLow  Budget = "low"
	BudgetMid  Budget = "mid"
	BudgetHigh Budget = "high"
)

type budgetConfig struct {
	MaxTokens  int
	MaxResults int
}

var budgets = map[Budget]budgetConfig{
	BudgetLow:  {MaxTokens: 2048, MaxResults: 20},
	BudgetMid:  {MaxTokens: 4096, MaxResults: 50},
	BudgetHigh: {MaxTokens: 8192, MaxResults: 100},
}

const (
	rrfK = 60

	semanticSimilarityThreshold = 0.1
	perTypeLimit                = 34

	graphSeedSimilarityThreshold = 0.5
	graphSeedMax                 = 5

	rerankCandidateLimit = 300

	// Midpoint between ~4 chars/token English and ~1.5 chars/token Japanese.
	charsPerToken = 3

	weightCE       = 0.5
	weightRRF      = 0.3
	weightRecency  = 0.1
	weightTemporal = 0.1

	recencyDecayDays = 365
)

var recallFactTypes = []string{
	string(FactTypeWorld), string(FactTypeExperience), string(FactTypeObservation),
}

// unitRow carries the columns shared by the semantic, keyword and detail
// queries.
type unitRow struct {
	ID            uuid.UUID
	Text          string
	Context       *string
	FactType      string
	FactKind      *string
	EventDate     *time.Time
	CreatedAt     *time.Time
	OccurredStart *time.Time
	MentionedAt   *time.Time
	Similarity    float64
}

func scanUnitRows(rows pgx.Rows, withScore bool) ([]unitRow, error) {
	defer rows.Close()
	var out []unitRow
	for rows.Next() {
		var r unitRow
		dest := []any{
			&r.ID, &r.Text, &r.Context, &r.FactType, &r.FactKind,
			&r.EventDate, &r.CreatedAt, &r.OccurredStart, &r.MentionedAt,
		}
		if withScore {
			dest = append(dest, &r.Similarity)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (e *Engine) semanticSearch(ctx context.Context, bankID uuid.UUID, queryVec []float32) ([]unitRow, error) {
	rows, err := e.pool.Query(ctx, `
		WITH ranked AS (
			SELECT id, text, context, fact_type, fact_kind, event_date,
			       created_at, occurred_start, mentioned_at,
			       1 - (embedding <=> $1) AS similarity,
			       ROW_NUMBER() OVER (
			           PARTITION BY fact_type
			           ORDER BY embedding <=> $1
			       ) AS rn
			FROM memory_units
			WHERE bank_id = $2
			  AND fact_type = ANY($3)
			  AND embedding IS NOT NULL
			  AND (1 - (embedding <=> $1)) >= $4
		)
		SELECT id, text, context, fact_type, fact_kind, event_date,
		       created_at, occurred_start, mentioned_at, similarity
		FROM ranked
		WHERE rn <= $5
		ORDER BY similarity DESC`,
		pgvector.NewVector(queryVec), bankID, recallFactTypes,
		semanticSimilarityThreshold, perTypeLimit,
	)
	if err != nil {
		return nil, err
	}
	return scanUnitRows(rows, true)
}

// keywordSearch matches each extracted keyword with trigram similarity
// against text and context; a unit's score is its best keyword match.
func (e *Engine) keywordSearch(ctx context.Context, bankID uuid.UUID, query string) ([]unitRow, error) {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		WITH kw AS (
			SELECT unnest($3::text[]) AS keyword
		),
		matched AS (
			SELECT mu.id, mu.text, mu.context, mu.fact_type, mu.fact_kind,
			       mu.event_date, mu.created_at, mu.occurred_start, mu.mentioned_at,
			       MAX(GREATEST(
			           similarity(mu.text, kw.keyword),
			           similarity(COALESCE(mu.context, ''), kw.keyword)
			       )) AS score
			FROM memory_units mu
			CROSS JOIN kw
			WHERE mu.bank_id = $1
			  AND mu.fact_type = ANY($2)
			  AND (mu.text % kw.keyword OR COALESCE(mu.context, '') % kw.keyword)
			GROUP BY mu.id
		),
		ranked AS (
			SELECT *, ROW_NUMBER() OVER (
			    PARTITION BY fact_type
			    ORDER BY score DESC
			) AS rn
			FROM matched
		)
		SELECT id, text, context, fact_type, fact_kind, event_date,
		       created_at, occurred_start, mentioned_at, score
		FROM ranked
		WHERE rn <= $4
		ORDER BY score DESC`,
		bankID, recallFactTypes, keywords, perTypeLimit,
	)
	if err != nil {
		return nil, err
	}
	return scanUnitRows(rows, true)
}

func extractGraphSeeds(semanticResults []unitRow) []seedNode {
	var seeds []seedNode
	for _, row := range semanticResults {
		if row.Similarity >= graphSeedSimilarityThreshold {
			seeds = append(seeds, seedNode{ID: row.ID, Score: row.Similarity})
			if len(seeds) >= graphSeedMax {
				break
			}
		}
	}
	return seeds
}

func (e *Engine) fetchUnitDetails(ctx context.Context, bankID uuid.UUID, unitIDs []uuid.UUID) (map[uuid.UUID]unitRow, error) {
	if len(unitIDs) == 0 {
		return map[uuid.UUID]unitRow{}, nil
	}
	rows, err := e.pool.Query(ctx, `
		SELECT id, text, context, fact_type, fact_kind, event_date,
		       created_at, occurred_start, mentioned_at
		FROM memory_units
		WHERE id = ANY($1)
		  AND bank_id = $2`,
		unitIDs, bankID,
	)
	if err != nil {
		return nil, err
	}
	scanned, err := scanUnitRows(rows, false)
	if err != nil {
		return nil, err
	}
	details := make(map[uuid.UUID]unitRow, len(scanned))
	for _, r := range scanned {
		details[r.ID] = r
	}
	return details, nil
}

// rrfFuse merges the four ranked lists with reciprocal rank fusion:
// score(d) = sum over lists of 1/(K + rank).
func rrfFuse(semanticResults, keywordResults []unitRow, graphResults, temporalResults []ScoredUnit, details map[uuid.UUID]unitRow) []MemoryResult {
	scores := make(map[uuid.UUID]float64)
	records := make(map[uuid.UUID]unitRow)
	var order []uuid.UUID

	accumulate := func(id uuid.UUID, rank int) {
		if _, seen := scores[id]; !seen {
			order = append(order, id)
		}
		scores[id] += 1.0 / float64(rrfK+rank)
	}

	for _, list := range [][]unitRow{semanticResults, keywordResults} {
		for rank, row := range list {
			accumulate(row.ID, rank)
			if _, ok := records[row.ID]; !ok {
				records[row.ID] = row
			}
		}
	}
	for _, list := range [][]ScoredUnit{graphResults, temporalResults} {
		for rank, su := range list {
			accumulate(su.ID, rank)
			if _, ok := records[su.ID]; !ok {
				if detail, found := details[su.ID]; found {
					records[su.ID] = detail
				}
			}
		}
	}

	// Stable sort keyed on first appearance breaks ties deterministically.
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	fused := make([]MemoryResult, 0, len(order))
	for _, id := range order {
		row, ok := records[id]
		if !ok {
			continue
		}
		fused = append(fused, rowToResult(row, scores[id]))
	}
	return fused
}

func rowToResult(row unitRow, score float64) MemoryResult {
	ctx := ""
	if row.Context != nil {
		ctx = *row.Context
	}
	kind := FactKind("")
	if row.FactKind != nil {
		kind = FactKind(*row.FactKind)
	}
	return MemoryResult{
		ID:            row.ID,
		Text:          row.Text,
		Context:       ctx,
		FactType:      FactType(row.FactType),
		FactKind:      kind,
		EventDate:     row.EventDate,
		CreatedAt:     row.CreatedAt,
		OccurredStart: row.OccurredStart,
		MentionedAt:   row.MentionedAt,
		Score:         score,
	}
}

// buildRerankDocument formats one candidate for the cross-encoder.
func buildRerankDocument(text, context_ string, occurredStart *time.Time) string {
	doc := ""
	if occurredStart != nil {
		doc += "[Date: " + occurredStart.UTC().Format("2006-01-02") + "] "
	}
	if context_ != "" {
		doc += context_ + ": "
	}
	return doc + text
}

func (e *Engine) rerankResults(ctx context.Context, query string, fused []MemoryResult) []MemoryResult {
	candidates := fused
	if len(candidates) > rerankCandidateLimit {
		candidates = candidates[:rerankCandidateLimit]
	}
	if len(candidates) == 0 || e.reranker == nil {
		return candidates
	}

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = buildRerankDocument(c.Text, c.Context, c.OccurredStart)
	}

	reranked, err := e.reranker.Rerank(ctx, query, documents, len(documents))
	if err != nil {
		e.logger.Warn("Rerank failed, falling back to fused order", "error", err)
		return candidates
	}

	out := make([]MemoryResult, 0, len(reranked))
	for _, rr := range reranked {
		if rr.Index < 0 || rr.Index >= len(candidates) {
			continue
		}
		c := candidates[rr.Index]
		c.CEScore = rr.RelevanceScore
		out = append(out, c)
	}
	return out
}

func computeRecency(createdAt *time.Time, now time.Time) float64 {
	if createdAt == nil {
		return 0.0
	}
	days := math.Max(0, now.Sub(createdAt.UTC()).Seconds()/secondsPerDay)
	return math.Max(0, 1.0-days/recencyDecayDays)
}

func computeTemporalProximity(r MemoryResult, tr *timeRange) float64 {
	if tr == nil {
		return 0.0
	}
	best := r.OccurredStart
	if best == nil {
		best = r.MentionedAt
	}
	if best == nil {
		return 0.0
	}
	return temporalProximity(best.UTC(), tr.midpoint(), tr.totalDays())
}

// finalScoring combines cross-encoder, fusion, recency and temporal signals:
// final = 0.5*ce + 0.3*rrf_norm + 0.1*recency + 0.1*temporal.
func finalScoring(reranked []MemoryResult, tr *timeRange, now time.Time) []MemoryResult {
	if len(reranked) == 0 {
		return nil
	}

	maxRRF := 0.0
	for _, r := range reranked {
		if r.Score > maxRRF {
			maxRRF = r.Score
		}
	}
	if maxRRF <= 0 {
		maxRRF = 1.0
	}

	scored := make([]MemoryResult, len(reranked))
	for i, r := range reranked {
		rrfNorm := r.Score / maxRRF
		recency := computeRecency(r.CreatedAt, now)
		temporal := computeTemporalProximity(r, tr)
		r.Score = weightCE*r.CEScore + weightRRF*rrfNorm + weightRecency*recency + weightTemporal*temporal
		scored[i] = r
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

// trimToBudget walks the sorted list accumulating characters, stopping at
// the token budget. The first result is always kept.
func trimToBudget(results []MemoryResult, cfg budgetConfig) []MemoryResult {
	if len(results) > cfg.MaxResults {
		results = results[:cfg.MaxResults]
	}
	maxChars := cfg.MaxTokens * charsPerToken

	trimmed := make([]MemoryResult, 0, len(results))
	totalChars := 0
	for _, r := range results {
		resultChars := len(r.Text) + len(r.Context)
		if totalChars+resultChars > maxChars && len(trimmed) > 0 {
			break
		}
		trimmed = append(trimmed, r)
		totalChars += resultChars
	}
	return trimmed
}

func (e *Engine) recall(ctx context.Context, bankID uuid.UUID, query string, budget Budget) (*RecallResult, error) {
	cfg := budgets[budget]

	// A dead embedding backend degrades to an empty answer, not a failure.
	rawEmbedding, err := e.embeddings.Embedding(ctx, query, e.embeddingsModel)
	if err != nil {
		e.logger.Error("Failed to embed recall query", "error", err)
		return &RecallResult{Memories: []MemoryResult{}, Budget: budget}, nil
	}
	queryVec := normalizeVector(toFloat32(rawEmbedding))

	now := time.Now().UTC()
	tr := extractTimeRange(query, now)

	var semanticResults, keywordResults []unitRow
	var temporalResults []ScoredUnit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semanticResults, err = e.semanticSearch(gctx, bankID, queryVec)
		return err
	})
	g.Go(func() error {
		var err error
		keywordResults, err = e.keywordSearch(gctx, bankID, query)
		return err
	})
	if tr != nil {
		g.Go(func() error {
			var err error
			temporalResults, err = e.temporalSearch(gctx, bankID, queryVec, *tr)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("recall search phase: %w", err)
	}

	var graphResults []ScoredUnit
	if seeds := extractGraphSeeds(semanticResults); len(seeds) > 0 {
		graphResults, err = e.graphSearch(ctx, bankID, seeds)
		if err != nil {
			e.logger.Warn("Graph search failed, continuing without it", "error", err)
			graphResults = nil
		}
	}

	dbIDs := make(map[uuid.UUID]struct{}, len(semanticResults)+len(keywordResults))
	for _, row := range semanticResults {
		dbIDs[row.ID] = struct{}{}
	}
	for _, row := range keywordResults {
		dbIDs[row.ID] = struct{}{}
	}
	var extraIDs []uuid.UUID
	for _, list := range [][]ScoredUnit{graphResults, temporalResults} {
		for _, su := range list {
			if _, ok := dbIDs[su.ID]; !ok {
				extraIDs = append(extraIDs, su.ID)
			}
		}
	}
	details, err := e.fetchUnitDetails(ctx, bankID, extraIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching unit details: %w", err)
	}

	fused := rrfFuse(semanticResults, keywordResults, graphResults, temporalResults, details)
	reranked := e.rerankResults(ctx, query, fused)
	scored := finalScoring(reranked, tr, now)
	trimmed := trimToBudget(scored, cfg)

	e.logger.Info("Recall complete",
		"semantic", len(semanticResults), "keyword", len(keywordResults),
		"graph", len(graphResults), "temporal", len(temporalResults),
		"fused", len(fused), "trimmed", len(trimmed))

	return &RecallResult{
		Memories:   trimmed,
		TotalFound: len(fused),
		Returned:   len(trimmed),
		Budget:     budget,
	}, nil
}
