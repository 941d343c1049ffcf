// Package tokens provides tiktoken-based token counting for prompt budgeting.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens for a model. All supported backends are approximated
// with the GPT-4 encoding, which is close enough for budgeting.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter. The model argument is accepted for
// future per-model encodings; today every model maps to GPT-4.
func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text. Falls back to a 4-chars-per-
// token estimate if the codec fails.
func (c *Counter) Count(text string) int {
	if c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// WithinLimit reports whether text fits in limit tokens.
func (c *Counter) WithinLimit(text string, limit int) bool {
	return c.Count(text) <= limit
}
