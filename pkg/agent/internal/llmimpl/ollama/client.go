// Package ollama provides the Ollama implementation of llm.Client for locally served open models.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
)

// DefaultHost is used when the configured host URL cannot be parsed.
const DefaultHost = "http://localhost:11434"

// Client wraps the Ollama chat API.
type Client struct {
	client *api.Client
	model  string
}

// NewOllamaClientWithModel creates a client for hostURL (e.g. "http://localhost:11434").
func NewOllamaClientWithModel(hostURL, model string) llm.Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		parsedURL, _ = url.Parse(DefaultHost)
	}
	return &Client{client: api.NewClient(parsedURL, http.DefaultClient), model: model}
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// Complete implements llm.Client.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessagesToOllama(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 {
		tools, err := convertToolsToOllama(in.Tools)
		if err != nil {
			return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "tool conversion error")
		}
		req.Tools = tools
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	return llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: getStopReason(&response),
		ToolCalls:  convertToolCallsFromOllama(response.Message.ToolCalls),
		Usage: llm.Usage{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
		},
	}, nil
}

// convertMessagesToOllama maps turns onto Ollama messages. Each tool result becomes its own
// "tool" message.
func convertMessagesToOllama(messages []llm.Message) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			result = append(result, api.Message{Role: "tool", Content: tr.Content, ToolCallID: tr.ToolCallID})
		}
		if len(msg.ToolResults) > 0 && msg.Text() == "" {
			continue
		}

		role := string(msg.Role)
		if msg.Role == llm.RoleTool {
			role = string(llm.RoleUser)
		}
		ollamaMsg := api.Message{Role: role, Content: msg.Text()}
		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			args := api.NewToolCallFunctionArguments()
			for k, v := range tc.Arguments {
				args.Set(k, v)
			}
			ollamaMsg.ToolCalls = append(ollamaMsg.ToolCalls, api.ToolCall{
				ID:       tc.ID,
				Function: api.ToolCallFunction{Name: tc.Name, Arguments: args},
			})
		}
		result = append(result, ollamaMsg)
	}
	return result, nil
}

// convertToolsToOllama renders the definitions as JSON schema and decodes them into api.Tools,
// whose property maps are ordered types with their own JSON codecs.
func convertToolsToOllama(defs []llm.ToolDefinition) (api.Tools, error) {
	wire := make([]map[string]any, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		wire = append(wire, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  def.InputSchema.SchemaMap(),
			},
		})
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var tools api.Tools
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("decode tool definitions: %w", err)
	}
	return tools, nil
}

// convertToolCallsFromOllama extracts tool calls, generating IDs the model omitted.
func convertToolCallsFromOllama(calls []api.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		args := map[string]any{}
		if data, err := json.Marshal(call.Function.Arguments); err == nil {
			_ = json.Unmarshal(data, &args)
		}
		result[i] = llm.ToolCall{ID: id, Name: call.Function.Name, Arguments: args}
	}
	return result
}

// getStopReason converts Ollama's done_reason to the Anthropic-style stop reasons used elsewhere.
func getStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError converts Ollama errors to llmerrors types.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return llmerrors.Classify(err, statusErr.StatusCode, "")
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
	case strings.Contains(errStr, "context canceled"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled")
	case strings.Contains(errStr, "timeout"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Ollama API error")
	}
}
