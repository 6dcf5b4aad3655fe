package retry

import (
	"context"

	"agentcoder/pkg/agent/llm"
)

// Middleware retries throttled completions according to policy.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				return Do(ctx, policy, func(ctx context.Context) (llm.CompletionResponse, error) {
					return next.Complete(ctx, req)
				})
			},
			next.GetModelName,
		)
	}
}
