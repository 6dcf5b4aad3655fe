package metrics

import (
	"context"
	"errors"
	"time"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
	"agentcoder/pkg/logx"
	"agentcoder/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor returns the token usage of a call.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor prefers provider-reported usage and falls back to counting with tiktoken.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	for i := range req.Messages {
		promptTokens += utils.CountTokensSimple(req.Messages[i].Text())
		for _, r := range req.Messages[i].ToolResults {
			promptTokens += utils.CountTokensSimple(r.Content)
		}
	}
	completionTokens = utils.CountTokensSimple(resp.Content)
	for _, call := range resp.ToolCalls {
		completionTokens += utils.CountTokensSimple(call.ArgumentsJSON())
	}
	return promptTokens, completionTokens
}

// Middleware records latency, token usage and outcome for every call. component labels the caller
// (for example "architect_FE"); logger may be nil.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, component string, logger *logx.Logger) llm.Middleware {
	if recorder == nil {
		recorder = Nop()
	}
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				observed := Request{
					Model:     next.GetModelName(),
					Component: component,
					Success:   err == nil,
					ErrorType: errorType(err),
					Duration:  duration,
				}
				if err == nil {
					observed.PromptTokens, observed.CompletionTokens = usageExtractor(req, resp)
				}
				recorder.ObserveRequest(observed)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Debug("LLM request: model=%s component=%s tokens=%d+%d status=%s duration=%dms",
						observed.Model, component, observed.PromptTokens, observed.CompletionTokens, status, duration.Milliseconds())
				}
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// errorType labels errors for metrics.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	return "unknown"
}
