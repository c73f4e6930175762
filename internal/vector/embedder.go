package vector

import (
	"context"
	"fmt"

	"github.com/smarthealth/platform/internal/shared/config"
	"github.com/smarthealth/platform/internal/shared/errors"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder converts question text into a fixed-dimension float vector.
type Embedder interface {
	EmbedQuestion(ctx context.Context, question string) ([]float32, error)
}

// OpenAIEmbedder implements Embedder against any OpenAI-compatible
// embedding endpoint (OpenAI, TEI, Ollama) via langchaingo.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	cfg      config.EmbeddingConfig
}

// NewOpenAIEmbedder creates a new embedding client
func NewOpenAIEmbedder(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for keyless local endpoints
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &OpenAIEmbedder{embedder: embedder, cfg: cfg}, nil
}

// EmbedQuestion embeds a single question. Failures surface as
// EmbeddingUnavailable so the pipeline can degrade to structured-only
// retrieval.
func (e *OpenAIEmbedder) EmbedQuestion(ctx context.Context, question string) ([]float32, error) {
	if question == "" {
		return nil, errors.BadRequest("question is empty")
	}

	vec, err := e.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, errors.EmbeddingUnavailable(err)
	}
	if e.cfg.Dimensions > 0 && len(vec) != e.cfg.Dimensions {
		return nil, errors.EmbeddingUnavailable(
			fmt.Errorf("expected %d dimensions, got %d", e.cfg.Dimensions, len(vec)))
	}

	return vec, nil
}
