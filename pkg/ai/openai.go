// Owner: august@eternis.ai
package ai

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"golang.org/x/sync/errgroup"
)

// EmbeddingDimensions is the fixed dimensionality of every stored vector.
const EmbeddingDimensions = 1024

// Embedding inputs are truncated to stay inside the provider's token limit.
const maxEmbeddingInputChars = 24000

// At most this many embedding requests are in flight per service.
const embeddingConcurrency = 5

var (
	_ Completion = (*Service)(nil)
	_ Embedding  = (*Service)(nil)
)

type Service struct {
	client *openai.Client
	logger *log.Logger
}

func NewOpenAIService(logger *log.Logger, apiKey string, baseUrl string) *Service {
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseUrl),
	)
	return &Service{
		client: &client,
		logger: logger,
	}
}

func (s *Service) ParamsCompletions(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletionMessage, error) {
	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	if len(completion.Choices) == 0 {
		return openai.ChatCompletionMessage{}, fmt.Errorf("OpenAI returned no completion choices")
	}

	return completion.Choices[0].Message, nil
}

func (s *Service) Completions(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, model string) (openai.ChatCompletionMessage, error) {
	return s.ParamsCompletions(ctx, openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       model,
		Tools:       tools,
		Temperature: param.Opt[float64]{Value: 1.0},
	})
}

func (s *Service) Embedding(ctx context.Context, input string, model string) ([]float64, error) {
	if len(input) > maxEmbeddingInputChars {
		s.logger.Warn("Text truncated for embedding", "from", len(input), "to", maxEmbeddingInputChars)
		input = input[:maxEmbeddingInputChars]
	}

	embedding, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: param.Opt[string]{Value: input},
		},
		Dimensions: param.Opt[int64]{Value: EmbeddingDimensions},
	})
	if err != nil {
		return nil, err
	}
	if len(embedding.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return embedding.Data[0].Embedding, nil
}

// Embeddings generates one vector per input, issuing requests in parallel
// capped at embeddingConcurrency.
func (s *Service) Embeddings(ctx context.Context, inputs []string, model string) ([][]float64, error) {
	results := make([][]float64, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embeddingConcurrency)

	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			vec, err := s.Embedding(gctx, input, model)
			if err != nil {
				return fmt.Errorf("embedding input %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("Generated embeddings", "count", len(results))
	return results, nil
}
