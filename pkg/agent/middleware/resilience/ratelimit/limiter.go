// Package ratelimit provides client-side rate limiting for LLM clients: a token bucket sized in
// LLM tokens per minute plus a bound on in-flight requests.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/utils"
)

// Config defines rate limiting for one provider.
type Config struct {
	TokensPerMinute int // 0 disables the token bucket
	MaxConcurrency  int // 0 means unbounded
}

// TokenEstimator estimates the number of tokens needed for a request.
type TokenEstimator func(req llm.CompletionRequest) int

// EstimatePrompt counts prompt tokens with tiktoken and adds the requested output budget.
func EstimatePrompt(req llm.CompletionRequest) int {
	total := req.MaxTokens
	for i := range req.Messages {
		total += utils.CountTokensSimple(req.Messages[i].Text())
		for _, r := range req.Messages[i].ToolResults {
			total += utils.CountTokensSimple(r.Content)
		}
	}
	return total
}

// Limiter gates requests on token throughput and concurrency.
type Limiter struct {
	tokens *rate.Limiter
	slots  *semaphore.Weighted
	burst  int
}

// New creates a limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{}
	if cfg.TokensPerMinute > 0 {
		l.burst = cfg.TokensPerMinute
		l.tokens = rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60), l.burst)
	}
	if cfg.MaxConcurrency > 0 {
		l.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return l
}

// Acquire blocks until n tokens and a concurrency slot are available. The returned release
// function must be called once the request completes.
func (l *Limiter) Acquire(ctx context.Context, n int) (func(), error) {
	if l.slots != nil {
		if err := l.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for request slot: %w", err)
		}
	}
	release := func() {
		if l.slots != nil {
			l.slots.Release(1)
		}
	}
	if l.tokens != nil {
		// A single request larger than the bucket would never be admitted.
		if n > l.burst {
			n = l.burst
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			release()
			return nil, fmt.Errorf("waiting for %d tokens: %w", n, err)
		}
	}
	return release, nil
}
