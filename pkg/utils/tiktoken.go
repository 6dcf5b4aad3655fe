// Package utils provides token counting and identifier helpers shared across packages.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"agentcoder/pkg/agent/llm"
)

// TokenCounter counts tokens for conversation logging and metrics. Every model is approximated with
// the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for the given model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text, or a 4-chars-per-token estimate if encoding fails.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountMessages totals the tokens of every turn's text, tool arguments and tool results.
func (tc *TokenCounter) CountMessages(messages []llm.Message) int {
	total := 0
	for i := range messages {
		m := &messages[i]
		total += tc.CountTokens(m.Text())
		for _, call := range m.ToolCalls {
			total += tc.CountTokens(call.Name) + tc.CountTokens(fmt.Sprint(call.Arguments))
		}
		for _, r := range m.ToolResults {
			total += tc.CountTokens(r.Content)
		}
	}
	return total
}

//nolint:gochecknoglobals // shared codec, lazily built
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// CountTokensSimple counts tokens with a shared GPT-4 counter.
func CountTokensSimple(text string) int {
	defaultCounterOnce.Do(func() {
		defaultCounter, _ = NewTokenCounter("default")
	})
	return defaultCounter.CountTokens(text)
}
