// Package anthropic provides the Anthropic Claude implementation of llm.Client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// ClaudeClient wraps the Anthropic messages API.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a raw client; middleware is applied by the agent factory.
func NewClaudeClient(apiKey, model string, opts ...option.RequestOption) llm.Client {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// Complete implements llm.Client.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := buildParams(c.model, &in)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid conversation")
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}
	return convertResponse(resp)
}

// buildParams converts a request into Anthropic parameters. System turns move to the system
// parameter, tool results become tool_result blocks on a user turn, and consecutive turns with the
// same Anthropic role are merged so the conversation strictly alternates.
func buildParams(model anthropic.Model, in *llm.CompletionRequest) (anthropic.MessageNewParams, error) {
	system, messages, err := convertMessages(in.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       model,
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(in.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(in.Tools))
		for i := range in.Tools {
			def := &in.Tools[i]
			schema := def.InputSchema.SchemaMap()
			param := anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   def.InputSchema.Required,
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &param})
		}
		params.Tools = tools

		switch in.ToolChoice {
		case "any":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "none":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}
	return params, nil
}

func convertMessages(in []llm.Message) (string, []anthropic.MessageParam, error) {
	if len(in) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var out []anthropic.MessageParam
	for i := range in {
		msg := &in[i]
		if msg.Role == llm.RoleSystem {
			if text := strings.TrimSpace(msg.Text()); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == llm.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		blocks := contentBlocks(msg)
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	if len(out) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", out[0].Role)
	}
	return strings.Join(systemParts, "\n\n"), out, nil
}

func contentBlocks(msg *llm.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for i := range msg.ToolResults {
		r := &msg.ToolResults[i]
		blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
	}
	if text := msg.Text(); strings.TrimSpace(text) != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}
	if msg.Role == llm.RoleAssistant {
		for i := range msg.ToolCalls {
			call := &msg.ToolCalls[i]
			input := call.Arguments
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
	}
	return blocks
}

func convertResponse(resp *anthropic.Message) (llm.CompletionResponse, error) {
	var text strings.Builder
	var toolCalls []llm.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			args := map[string]any{}
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &args); err != nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "failed to parse tool input")
				}
			}
			toolCalls = append(toolCalls, llm.ToolCall{ID: use.ID, Name: use.Name, Arguments: args})
		}
	}
	return llm.CompletionResponse{
		Content:    text.String(),
		ToolCalls:  toolCalls,
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// classifyError maps Anthropic SDK errors onto llmerrors types.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request cancelled or timed out")
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llmerrors.Classify(err, apiErr.StatusCode, apiErrorType(apiErr))
	}
	return llmerrors.Classify(err, 0, "")
}

// apiErrorType pulls the error type (e.g. "rate_limit_error") out of the response body.
func apiErrorType(apiErr *anthropic.Error) string {
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(apiErr.RawJSON()), &body); err != nil {
		return ""
	}
	if body.Error.Type == "rate_limit_error" {
		return "TooManyRequests"
	}
	return body.Error.Type
}
