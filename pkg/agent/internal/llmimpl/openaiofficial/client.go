// Package openaiofficial provides the OpenAI implementation of llm.Client using the official Go SDK.
package openaiofficial

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o"

// OfficialClient wraps the chat completions API.
//
//nolint:govet // Simple struct, field alignment not critical
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClient creates a raw client; middleware is applied by the agent factory.
func NewOfficialClient(apiKey, model string, opts ...option.RequestOption) llm.Client {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OfficialClient{client: openai.NewClient(opts...), model: model}
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

// Complete implements llm.Client.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params := buildParams(o.model, &in)
	if len(params.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI")
	}

	choice := resp.Choices[0]
	out := llm.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

func buildParams(model string, in *llm.CompletionRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    convertMessages(in.Messages),
		Temperature: openai.Float(float64(in.Temperature)),
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(in.MaxTokens))
	}
	for i := range in.Tools {
		def := &in.Tools[i]
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  shared.FunctionParameters(def.InputSchema.SchemaMap()),
			},
		})
	}
	return params
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		text := msg.Text()
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case llm.RoleTool:
			for _, r := range msg.ToolResults {
				out = append(out, openai.ToolMessage(r.Content, r.ToolCallID))
			}
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.ArgumentsJSON(),
					},
				})
			}
			if strings.TrimSpace(text) != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			for _, r := range msg.ToolResults {
				out = append(out, openai.ToolMessage(r.Content, r.ToolCallID))
			}
			if text != "" || len(msg.ToolResults) == 0 {
				out = append(out, openai.UserMessage(text))
			}
		}
	}
	return out
}

// decodeArguments keeps undecodable argument text for the router to repair.
func decodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw_arguments": raw}
	}
	return args
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request cancelled or timed out")
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.Code
		if code == "rate_limit_exceeded" {
			code = "TooManyRequests"
		}
		return llmerrors.Classify(err, apiErr.StatusCode, code)
	}
	return llmerrors.Classify(err, 0, "")
}
