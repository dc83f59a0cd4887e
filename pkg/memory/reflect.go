package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"golang.org/x/sync/errgroup"
)

const (
	reflectMaxIterations = 10
	reflectCallTimeout   = 120 * time.Second
)

const reflectSystemPrompt = `あなたは記憶に基づいて深く推論するエージェントです。
提供されたツールを使用して、3階層の記憶から証拠を収集し、根拠のある回答を生成してください。

## 検索階層（優先度順）

1. **search_mental_models** — キュレーション済みサマリ。最高品質の知識源。まずこれを検索してください。
2. **search_observations** — 自動統合された知識。事実から抽出されたパターンや永続的知識。
3. **recall** — 生の事実（グラウンドトゥルース）。元の記憶テキスト。検証や詳細確認に使用。
4. **expand** — 特定の記憶の完全なコンテキストを取得。5W1H情報を含む。

## 推論ルール

- **ツール結果からの情報のみ使用すること**。自分の知識で補完しないでください。
- 回答には必ず根拠となる証拠を付与してください（done ツールの ID フィールド）。
- 複雑なクエリは分解して複数回検索してください。
- 十分な証拠を収集してから done ツールを呼び出してください。
- done ツールの answer フィールドに回答を記述してください。ID はテキストに含めないでください。
- 回答は日本語で記述してください。`

// ReflectOption adjusts a single reflect invocation.
type ReflectOption func(*reflectOptions)

type reflectOptions struct {
	tags                []string
	tagsMatch           TagMatchMode
	excludeMentalModels []uuid.UUID
	maxIterations       int
}

// WithTags restricts evidence gathering to the given visibility tags.
func WithTags(tags ...string) ReflectOption {
	return func(o *reflectOptions) { o.tags = tags }
}

// WithTagsMatch sets how the tag filter treats untagged rows.
func WithTagsMatch(mode TagMatchMode) ReflectOption {
	return func(o *reflectOptions) { o.tagsMatch = mode }
}

// WithExcludeMentalModels hides models from search, preventing a model
// refresh from citing itself.
func WithExcludeMentalModels(ids ...uuid.UUID) ReflectOption {
	return func(o *reflectOptions) { o.excludeMentalModels = ids }
}

// WithMaxIterations caps the agent loop.
func WithMaxIterations(n int) ReflectOption {
	return func(o *reflectOptions) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// reflectContext tracks loop state, in particular every ID the model has
// actually seen, so cited evidence can be validated.
type reflectContext struct {
	bankID              uuid.UUID
	tags                []string
	tagsMatch           TagMatchMode
	excludeMentalModels []uuid.UUID
	directives          []string

	availableMemoryIDs      map[uuid.UUID]struct{}
	availableMentalModelIDs map[uuid.UUID]struct{}
	availableObservationIDs map[uuid.UUID]struct{}

	toolCalls []string
}

type doneOutcome struct {
	Answer         string
	MemoryIDs      []uuid.UUID
	MentalModelIDs []uuid.UUID
	ObservationIDs []uuid.UUID
}

func (e *Engine) reflect(ctx context.Context, bankID uuid.UUID, query string, opts ...ReflectOption) (*ReflectResult, error) {
	startedAt := time.Now()

	options := reflectOptions{
		tagsMatch:     TagMatchAny,
		maxIterations: reflectMaxIterations,
	}
	for _, opt := range opts {
		opt(&options)
	}

	var disposition Disposition
	var directives []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		disposition = e.loadDisposition(gctx, bankID)
		return nil
	})
	g.Go(func() error {
		var err error
		directives, err = e.loadDirectives(gctx, bankID)
		if err != nil {
			e.logger.Warn("Failed to load directives", "bank", bankID, "error", err)
			directives = nil
		}
		return nil
	})
	_ = g.Wait()

	systemPrompt := buildReflectSystemPrompt(disposition, directives)
	toolDefs := buildReflectTools(len(directives) > 0)

	rc := &reflectContext{
		bankID:                  bankID,
		tags:                    options.tags,
		tagsMatch:               options.tagsMatch,
		excludeMentalModels:     options.excludeMentalModels,
		directives:              directives,
		availableMemoryIDs:      make(map[uuid.UUID]struct{}),
		availableMentalModelIDs: make(map[uuid.UUID]struct{}),
		availableObservationIDs: make(map[uuid.UUID]struct{}),
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(query),
	}

	result, err := e.reflectLoop(ctx, rc, messages, toolDefs, options.maxIterations)
	if err != nil {
		return nil, err
	}
	result.ElapsedMs = time.Since(startedAt).Milliseconds()

	e.logger.Info("Reflect complete", "bank", bankID,
		"iterations", result.Iterations, "answer_chars", len(result.Answer),
		"cited", len(result.MemoryIDs)+len(result.MentalModelIDs)+len(result.ObservationIDs),
		"elapsed_ms", result.ElapsedMs)
	return result, nil
}

func (e *Engine) reflectLoop(
	ctx context.Context,
	rc *reflectContext,
	messages []openai.ChatCompletionMessageParamUnion,
	toolDefs []openai.ChatCompletionToolParam,
	maxIterations int,
) (*ReflectResult, error) {
	lastText := ""

	for iteration := 0; iteration < maxIterations; iteration++ {
		llmCtx, cancel := context.WithTimeout(ctx, reflectCallTimeout)
		completion, err := e.completions.Completions(llmCtx, messages, toolDefs, e.completionsModel)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("reflect completion: %w", err)
		}

		messages = append(messages, completion.ToParam())
		if completion.Content != "" {
			lastText = completion.Content
		}

		// No tool call means the model answered in plain text.
		if len(completion.ToolCalls) == 0 {
			return &ReflectResult{
				Answer:         completion.Content,
				MemoryIDs:      []uuid.UUID{},
				MentalModelIDs: []uuid.UUID{},
				ObservationIDs: []uuid.UUID{},
				Iterations:     iteration + 1,
				ToolCalls:      rc.toolCalls,
			}, nil
		}

		for _, toolCall := range completion.ToolCalls {
			started := time.Now()
			resultText, done := e.executeReflectTool(ctx, rc, toolCall.Function.Name, toolCall.Function.Arguments, iteration, maxIterations)

			rc.toolCalls = append(rc.toolCalls, fmt.Sprintf("%s iteration=%d elapsed_ms=%d",
				toolCall.Function.Name, iteration, time.Since(started).Milliseconds()))

			if done != nil {
				return &ReflectResult{
					Answer:         done.Answer,
					MemoryIDs:      done.MemoryIDs,
					MentalModelIDs: done.MentalModelIDs,
					ObservationIDs: done.ObservationIDs,
					Iterations:     iteration + 1,
					ToolCalls:      rc.toolCalls,
				}, nil
			}

			messages = append(messages, openai.ToolMessage(resultText, toolCall.ID))
		}
	}

	e.logger.Warn("Reflect reached max iterations", "bank", rc.bankID, "iterations", maxIterations)

	answer := lastText
	if answer == "" {
		answer = "最大イテレーション数に到達しました。十分な証拠が収集できませんでした。"
	}
	return &ReflectResult{
		Answer:         answer,
		MemoryIDs:      setToSlice(rc.availableMemoryIDs),
		MentalModelIDs: setToSlice(rc.availableMentalModelIDs),
		ObservationIDs: setToSlice(rc.availableObservationIDs),
		Iterations:     maxIterations,
		ToolCalls:      rc.toolCalls,
	}, nil
}

// executeReflectTool dispatches one tool call. The returned doneOutcome is
// non-nil only when the done tool accepted the answer.
func (e *Engine) executeReflectTool(ctx context.Context, rc *reflectContext, name, arguments string, iteration, maxIterations int) (string, *doneOutcome) {
	var result any
	var done *doneOutcome
	var err error

	switch name {
	case "search_mental_models":
		result, err = e.toolSearchMentalModels(ctx, rc, arguments)
	case "search_observations":
		result, err = e.toolSearchObservations(ctx, rc, arguments)
	case "recall":
		result, err = e.toolRecallFacts(ctx, rc, arguments)
	case "expand":
		result, err = e.toolExpand(ctx, rc, arguments)
	case "done":
		result, done = e.toolDone(rc, arguments, iteration, maxIterations)
	default:
		result = map[string]string{"error": fmt.Sprintf("未知のツール: %s", name)}
	}

	if err != nil {
		e.logger.Error("Reflect tool failed", "tool", name, "error", err)
		result = map[string]string{"error": fmt.Sprintf("ツール %s の実行に失敗しました", name)}
	}

	data, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		data = []byte(`{"error": "結果のシリアライズに失敗しました"}`)
	}
	return string(data), done
}

func buildReflectSystemPrompt(disposition Disposition, directives []string) string {
	var parts []string

	if section := buildDirectivesSection(directives); section != "" {
		parts = append(parts, section)
	}
	if guidance := buildDispositionPrompt(disposition); guidance != "" {
		parts = append(parts, guidance)
	}
	parts = append(parts, reflectSystemPrompt)
	if reminder := buildDirectivesReminder(directives); reminder != "" {
		parts = append(parts, reminder)
	}

	return strings.Join(parts, "\n")
}

func setToSlice(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
