// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"strings"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
	"agentcoder/pkg/logx"
)

// GuidanceMessage is appended before the single retry of an empty response.
const GuidanceMessage = "Your response was empty. Either call one of the available tools or reply with your final answer as a JSON object."

const maxEmptyAttempts = 2

// EmptyResponse retries a response with no content and no tool calls once, with a guidance turn
// appended. A second empty response fails with llmerrors.ErrorTypeEmptyResponse.
func EmptyResponse(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("empty-response-validator")
	}
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil {
						return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
					}
					if !isEmpty(resp) {
						return resp, nil
					}
					logger.Warn("Empty response from %s (attempt %d/%d)", next.GetModelName(), attempt, maxEmptyAttempts)

					retried := req
					retried.Messages = append(append([]llm.Message(nil), req.Messages...), llm.NewUserMessage(GuidanceMessage))
					req = retried
				}
				return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
					"received an empty response after guidance: no content or tool calls")
			},
			next.GetModelName,
		)
	}
}

func isEmpty(resp llm.CompletionResponse) bool {
	return len(resp.ToolCalls) == 0 && resp.FunctionCall == nil && strings.TrimSpace(resp.Content) == ""
}
