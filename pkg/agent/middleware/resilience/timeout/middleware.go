// Package timeout provides timeout middleware for LLM clients.
package timeout

import (
	"context"
	"time"

	"agentcoder/pkg/agent/llm"
)

// Middleware bounds every call with its own deadline. A non-positive duration leaves calls unbounded.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.Client) llm.Client {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
