package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/EternisAI/agentcore/pkg/ai"
)

const llmCallTimeout = 60 * time.Second

const (
	retainConcurrency = 5
	searchConcurrency = 32
)

const (
	maxRetainContentChars = 10000
	maxRetainContextChars = 2000
	maxQueryChars         = 1000
)

// Dependencies contains all external dependencies for the engine.
type Dependencies struct {
	Logger             *log.Logger
	Pool               *pgxpool.Pool
	CompletionsService ai.Completion
	EmbeddingsService  ai.Embedding
	RerankService      ai.Reranker
	CompletionsModel   string
	ConsolidationModel string
	EmbeddingsModel    string
}

// Engine is the core of the memory system. It owns the connection pool
// handle and admission control, and exposes retain/recall/reflect plus
// the consolidation trigger.
type Engine struct {
	logger             *log.Logger
	pool               *pgxpool.Pool
	completions        ai.Completion
	embeddings         ai.Embedding
	reranker           ai.Reranker
	completionsModel   string
	consolidationModel string
	embeddingsModel    string

	retainSem *semaphore.Weighted
	searchSem *semaphore.Weighted
}

// New creates an Engine from dependencies, validating required ones.
func New(deps Dependencies) (*Engine, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if deps.CompletionsService == nil {
		return nil, fmt.Errorf("completions service cannot be nil")
	}
	if deps.EmbeddingsService == nil {
		return nil, fmt.Errorf("embeddings service cannot be nil")
	}
	if deps.CompletionsModel == "" {
		return nil, fmt.Errorf("completions model cannot be empty")
	}
	if deps.EmbeddingsModel == "" {
		return nil, fmt.Errorf("embeddings model cannot be empty")
	}

	consolidationModel := deps.ConsolidationModel
	if consolidationModel == "" {
		consolidationModel = deps.CompletionsModel
	}

	return &Engine{
		logger:             deps.Logger,
		pool:               deps.Pool,
		completions:        deps.CompletionsService,
		embeddings:         deps.EmbeddingsService,
		reranker:           deps.RerankService,
		completionsModel:   deps.CompletionsModel,
		consolidationModel: consolidationModel,
		embeddingsModel:    deps.EmbeddingsModel,
		retainSem:          semaphore.NewWeighted(retainConcurrency),
		searchSem:          semaphore.NewWeighted(searchConcurrency),
	}, nil
}

// Retain extracts facts from the content and persists them.
func (e *Engine) Retain(ctx context.Context, bankID uuid.UUID, content, context_ string) (*RetainResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if len(content) > maxRetainContentChars {
		return nil, fmt.Errorf("%w: content %d > %d chars", ErrContentTooLong, len(content), maxRetainContentChars)
	}
	if len(context_) > maxRetainContextChars {
		return nil, fmt.Errorf("%w: context %d > %d chars", ErrContentTooLong, len(context_), maxRetainContextChars)
	}

	if err := e.retainSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.retainSem.Release(1)

	return e.retain(ctx, bankID, content, context_)
}

// Recall searches memory for the query within the given token budget.
func (e *Engine) Recall(ctx context.Context, bankID uuid.UUID, query string, budget Budget) (*RecallResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyContent
	}
	if len(query) > maxQueryChars {
		return nil, fmt.Errorf("%w: query %d > %d chars", ErrContentTooLong, len(query), maxQueryChars)
	}
	if _, ok := budgets[budget]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBudget, budget)
	}

	if err := e.searchSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.searchSem.Release(1)

	return e.recall(ctx, bankID, query, budget)
}

// Reflect runs the evidence-gathering agent loop for the query.
func (e *Engine) Reflect(ctx context.Context, bankID uuid.UUID, query string, opts ...ReflectOption) (*ReflectResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyContent
	}

	if err := e.searchSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.searchSem.Release(1)

	return e.reflect(ctx, bankID, query, opts...)
}

// TriggerConsolidation runs one consolidation pass over all banks.
func (e *Engine) TriggerConsolidation(ctx context.Context) (*ConsolidationRun, error) {
	return e.consolidateAllBanks(ctx)
}
