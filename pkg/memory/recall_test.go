package memory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEmbedding struct{}

func (failingEmbedding) Embedding(ctx context.Context, input, model string) ([]float64, error) {
	return nil, errors.New("embedding backend down")
}

func (failingEmbedding) Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error) {
	return nil, errors.New("embedding backend down")
}

func TestRecallEmbeddingFailureReturnsEmptyResult(t *testing.T) {
	e := &Engine{logger: log.New(io.Discard), embeddings: failingEmbedding{}}

	result, err := e.recall(context.Background(), uuid.New(), "昨日のこと", BudgetHigh)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Memories)
	assert.Equal(t, 0, result.TotalFound)
	assert.Equal(t, BudgetHigh, result.Budget)
}

func unitRowFor(id uuid.UUID, text string) unitRow {
	return unitRow{ID: id, Text: text, FactType: "world"}
}

func TestRRFFuseReversedListsTie(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	semantic := []unitRow{unitRowFor(a, "a"), unitRowFor(b, "b")}
	keyword := []unitRow{unitRowFor(b, "b"), unitRowFor(a, "a")}

	fused := rrfFuse(semantic, keyword, nil, nil, nil)
	require.Len(t, fused, 2)

	// 1/60 + 1/61 on both sides
	expected := 1.0/float64(rrfK) + 1.0/float64(rrfK+1)
	assert.InDelta(t, expected, fused[0].Score, 1e-9)
	assert.InDelta(t, expected, fused[1].Score, 1e-9)

	// ties keep first-appearance order
	assert.Equal(t, a, fused[0].ID)
	assert.Equal(t, b, fused[1].ID)
}

func TestRRFFuseMultiListBeatsSingleList(t *testing.T) {
	shared, only := uuid.New(), uuid.New()

	semantic := []unitRow{unitRowFor(only, "only"), unitRowFor(shared, "shared")}
	keyword := []unitRow{unitRowFor(shared, "shared")}

	fused := rrfFuse(semantic, keyword, nil, nil, nil)
	require.Len(t, fused, 2)
	assert.Equal(t, shared, fused[0].ID)
}

func TestRRFFuseGraphOnlyNeedsDetails(t *testing.T) {
	graphOnly := uuid.New()
	graph := []ScoredUnit{{ID: graphOnly, Score: 0.9}}

	// without a detail record the hit is dropped
	fused := rrfFuse(nil, nil, graph, nil, map[uuid.UUID]unitRow{})
	assert.Empty(t, fused)

	details := map[uuid.UUID]unitRow{graphOnly: unitRowFor(graphOnly, "from graph")}
	fused = rrfFuse(nil, nil, graph, nil, details)
	require.Len(t, fused, 1)
	assert.Equal(t, "from graph", fused[0].Text)
}

func TestExtractGraphSeeds(t *testing.T) {
	rows := []unitRow{
		{ID: uuid.New(), Similarity: 0.9},
		{ID: uuid.New(), Similarity: 0.6},
		{ID: uuid.New(), Similarity: 0.4}, // below threshold
		{ID: uuid.New(), Similarity: 0.8},
		{ID: uuid.New(), Similarity: 0.7},
		{ID: uuid.New(), Similarity: 0.95},
		{ID: uuid.New(), Similarity: 0.85},
	}
	seeds := extractGraphSeeds(rows)
	assert.Len(t, seeds, graphSeedMax)
	for _, s := range seeds {
		assert.GreaterOrEqual(t, s.Score, graphSeedSimilarityThreshold)
	}
}

func TestBuildRerankDocument(t *testing.T) {
	start := date(2026, time.January, 15)
	doc := buildRerankDocument("昼食にラーメンを食べた", "仕事の雑談", &start)
	assert.Equal(t, "[Date: 2026-01-15] 仕事の雑談: 昼食にラーメンを食べた", doc)

	doc = buildRerankDocument("text only", "", nil)
	assert.Equal(t, "text only", doc)
}

func TestFinalScoringWeights(t *testing.T) {
	now := date(2026, time.February, 19)
	created := now

	results := []MemoryResult{
		{ID: uuid.New(), Score: 0.02, CEScore: 1.0, CreatedAt: &created},
		{ID: uuid.New(), Score: 0.04, CEScore: 0.0, CreatedAt: &created},
	}

	scored := finalScoring(results, nil, now)
	require.Len(t, scored, 2)

	// 0.5*1.0 + 0.3*(0.02/0.04) + 0.1*1.0 + 0 = 0.75
	assert.InDelta(t, 0.75, scored[0].Score, 1e-9)
	// 0.5*0 + 0.3*1.0 + 0.1*1.0 + 0 = 0.4
	assert.InDelta(t, 0.4, scored[1].Score, 1e-9)
}

func TestFinalScoringTemporalComponent(t *testing.T) {
	now := date(2026, time.February, 19)
	tr := &timeRange{Start: date(2026, time.January, 1), End: date(2026, time.February, 1)}

	inRange := tr.midpoint()
	outRange := date(2024, time.June, 1)

	results := []MemoryResult{
		{ID: uuid.New(), Score: 0.01, OccurredStart: &inRange},
		{ID: uuid.New(), Score: 0.01, OccurredStart: &outRange},
	}
	scored := finalScoring(results, tr, now)
	require.Len(t, scored, 2)
	assert.Equal(t, results[0].ID, scored[0].ID)
	assert.InDelta(t, weightTemporal, scored[0].Score-scored[1].Score, 0.02)
}

func TestFinalScoringEmpty(t *testing.T) {
	assert.Nil(t, finalScoring(nil, nil, time.Now()))
}

func TestTrimToBudgetMaxResults(t *testing.T) {
	cfg := budgets[BudgetLow]
	results := make([]MemoryResult, cfg.MaxResults+10)
	for i := range results {
		results[i] = MemoryResult{ID: uuid.New(), Text: "x"}
	}
	trimmed := trimToBudget(results, cfg)
	assert.LessOrEqual(t, len(trimmed), cfg.MaxResults)
}

func TestTrimToBudgetCharBudget(t *testing.T) {
	cfg := budgetConfig{MaxTokens: 10, MaxResults: 100}

	long := make([]byte, 25)
	for i := range long {
		long[i] = 'a'
	}
	results := []MemoryResult{
		{ID: uuid.New(), Text: string(long)},
		{ID: uuid.New(), Text: string(long)},
		{ID: uuid.New(), Text: string(long)},
	}

	// budget is 30 chars; the second 25-char result would exceed it
	trimmed := trimToBudget(results, cfg)
	assert.Len(t, trimmed, 1)
}

func TestTrimToBudgetAlwaysKeepsFirst(t *testing.T) {
	cfg := budgetConfig{MaxTokens: 1, MaxResults: 10}
	results := []MemoryResult{{ID: uuid.New(), Text: "far larger than three characters"}}
	trimmed := trimToBudget(results, cfg)
	assert.Len(t, trimmed, 1)
}

func TestBudgetsTable(t *testing.T) {
	assert.Equal(t, budgetConfig{MaxTokens: 2048, MaxResults: 20}, budgets[BudgetLow])
	assert.Equal(t, budgetConfig{MaxTokens: 4096, MaxResults: 50}, budgets[BudgetMid])
	assert.Equal(t, budgetConfig{MaxTokens: 8192, MaxResults: 100}, budgets[BudgetHigh])
}

func TestComputeTemporalProximityFallbacks(t *testing.T) {
	tr := &timeRange{Start: date(2026, time.January, 1), End: date(2026, time.January, 31)}
	mentioned := tr.midpoint()

	r := MemoryResult{MentionedAt: &mentioned}
	assert.InDelta(t, 1.0, computeTemporalProximity(r, tr), 1e-9)

	assert.Equal(t, 0.0, computeTemporalProximity(MemoryResult{}, tr))
	assert.Equal(t, 0.0, computeTemporalProximity(r, nil))
}
