package ratelimit

import (
	"context"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/middleware/metrics"
)

// Middleware waits on limiter before every call. Waits that fail count as throttles on recorder.
func Middleware(limiter *Limiter, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = EstimatePrompt
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return func(next llm.Client) llm.Client {
		if limiter == nil {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				release, err := limiter.Acquire(ctx, estimator(req))
				if err != nil {
					recorder.IncThrottle(next.GetModelName(), "rate_limit")
					return llm.CompletionResponse{}, err
				}
				defer release()
				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
