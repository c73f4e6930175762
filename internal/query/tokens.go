package query

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts the tokens of a text block. The same estimator
// instance is shared between context assembly and metadata so the
// reported context_tokens always matches what was sent to the model.
type TokenEstimator func(text string) int

// NewTiktokenEstimator builds an estimator backed by the tokenizer of
// the given model. Used in production so the estimate tracks the actual
// model tokenization.
func NewTiktokenEstimator(model string) (TokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model names fall back to the cl100k encoding used by
		// current OpenAI chat models.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// WordCountEstimator is a deterministic fallback that counts whitespace
// separated words. Tests use it so assertions do not depend on tokenizer
// data files.
func WordCountEstimator(text string) int {
	return len(strings.Fields(text))
}
