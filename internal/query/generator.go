package query

import (
	"context"
	"fmt"

	"github.com/smarthealth/platform/internal/shared/config"
	"github.com/smarthealth/platform/internal/shared/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const systemPrompt = `You are a medical assistant specialized in analyzing clinical histories.

Answer questions about the patient based ONLY on the clinical context provided.

FORMAT RULES:
1. Use Markdown to structure your answer
2. Bold important dates, diagnoses and medications
3. Enumerate items when there are multiple elements
4. Include ICD-10 codes when mentioning diagnoses
5. Organize information chronologically, most recent first

CONTENT RULES:
1. Answer ONLY with information explicitly present in the context
2. If there is not enough information, say so clearly
3. Use clear, professional and precise language
4. Do NOT invent information`

// Generator sends the assembled context and question to the language
// model backend, once per invocation, with no automatic retry.
type Generator interface {
	// Generate returns the full answer text.
	Generate(ctx context.Context, contextText, question string) (string, error)
	// GenerateStream invokes onToken for each incremental token and
	// returns the full text. A non-nil error from onToken cancels the
	// upstream stream; partial output is discarded by the caller.
	GenerateStream(ctx context.Context, contextText, question string, onToken func(token string) error) (string, error)
	// Model reports the model identifier used for answers.
	Model() string
}

// LLMGenerator implements Generator against an OpenAI-compatible chat
// backend via langchaingo.
type LLMGenerator struct {
	llm *openai.LLM
	cfg config.LLMConfig
}

// NewLLMGenerator creates a new answer generator
func NewLLMGenerator(cfg config.LLMConfig) (*LLMGenerator, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	return &LLMGenerator{llm: llm, cfg: cfg}, nil
}

// Model returns the configured model identifier.
func (g *LLMGenerator) Model() string {
	return g.cfg.Model
}

// Generate runs one batch completion.
func (g *LLMGenerator) Generate(ctx context.Context, contextText, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.llm.GenerateContent(ctx, g.messages(contextText, question),
		llms.WithTemperature(g.cfg.Temperature),
		llms.WithMaxTokens(g.cfg.MaxOutputTokens),
	)
	if err != nil {
		return "", g.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.GenerationBackend(fmt.Errorf("model returned no choices"))
	}

	return resp.Choices[0].Content, nil
}

// GenerateStream runs one streaming completion. Tokens are forwarded to
// onToken as they arrive; the full text is returned once the stream
// finishes. The callback returning an error stops consumption of the
// upstream stream promptly.
func (g *LLMGenerator) GenerateStream(ctx context.Context, contextText, question string, onToken func(token string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var full string
	resp, err := g.llm.GenerateContent(ctx, g.messages(contextText, question),
		llms.WithTemperature(g.cfg.Temperature),
		llms.WithMaxTokens(g.cfg.MaxOutputTokens),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			token := string(chunk)
			full += token
			return onToken(token)
		}),
	)
	if err != nil {
		return "", g.classify(ctx, err)
	}
	if full == "" && len(resp.Choices) > 0 {
		// Some backends deliver the whole answer without streaming.
		full = resp.Choices[0].Content
		if err := onToken(full); err != nil {
			return "", g.classify(ctx, err)
		}
	}

	return full, nil
}

func (g *LLMGenerator) messages(contextText, question string) []llms.MessageContent {
	userMessage := fmt.Sprintf(`CLINICAL CONTEXT:
%s

USER QUESTION:
%s

Answer based only on the information in the clinical context provided.`, contextText, question)

	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userMessage),
	}
}

func (g *LLMGenerator) classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.GenerationTimeout()
	}
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return errors.GenerationBackend(err)
}

// ConfidenceEstimate derives the answer confidence heuristically from
// the retrieval result: the top similarity score clamped to [0.3, 0.95],
// or 0.5 when no chunks were retrieved. Deterministic for identical
// inputs.
func ConfidenceEstimate(topSimilarity float64, chunksRetrieved int) float64 {
	if chunksRetrieved == 0 {
		return 0.5
	}
	switch {
	case topSimilarity < 0.3:
		return 0.3
	case topSimilarity > 0.95:
		return 0.95
	default:
		return topSimilarity
	}
}
