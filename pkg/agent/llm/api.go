// Package llm provides the provider-neutral conversation types and client interface used by agent sessions.
package llm

import (
	"context"
	"fmt"
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	// DefaultMaxTokens bounds a single model step.
	DefaultMaxTokens = 8192

	// TemperatureDefault is used for planning and architecture sessions.
	TemperatureDefault = 0.3
)

// ToolCall is one tool invocation requested by the model, in canonical form.
type ToolCall struct {
	Arguments map[string]any `json:"arguments"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
}

// ToolResult is the output of one executed tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// FunctionCall is the legacy single-function shape some providers emit instead of a tool list.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one role-tagged turn.
//
// Content carries plain text. Blocks carries structured content parts (for example a
// {"type":"tool_use",...} object) when a provider or the router produces them. Metadata holds
// auxiliary provider fields such as "function_call" that do not map onto the other fields.
//
//nolint:govet // fieldalignment: readability over packing
type Message struct {
	Role         Role             `json:"role"`
	Content      string           `json:"content,omitempty"`
	Blocks       []map[string]any `json:"blocks,omitempty"`
	ToolCalls    []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult     `json:"tool_results,omitempty"`
	FunctionCall *FunctionCall    `json:"function_call,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	InputSchema InputSchema `json:"input_schema"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
}

// InputSchema is the JSON schema of a tool's arguments.
type InputSchema struct {
	Properties map[string]Property `json:"properties"`
	Type       string              `json:"type"`
	Required   []string            `json:"required,omitempty"`
}

// Property is one argument in an InputSchema.
type Property struct {
	Items       *Property `json:"items,omitempty"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// CompletionRequest is one model step.
//
//nolint:govet // value semantics preferred
type CompletionRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  string // "auto" (default), "any", "none"
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResponse is the new turn produced by a model step.
//
//nolint:govet // value semantics preferred
type CompletionResponse struct {
	ToolCalls    []ToolCall
	Content      string
	StopReason   string
	FunctionCall *FunctionCall
	Metadata     map[string]any
	Usage        Usage
}

// Message converts the response into an assistant turn.
func (r CompletionResponse) Message() Message {
	return Message{
		Role:         RoleAssistant,
		Content:      r.Content,
		ToolCalls:    r.ToolCalls,
		FunctionCall: r.FunctionCall,
		Metadata:     r.Metadata,
	}
}

// Client is a remote model endpoint.
type Client interface {
	// Complete generates one turn synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model identifier.
	GetModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []Message) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a system turn.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user turn.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant text turn.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolResultMessage creates the turn carrying tool outputs back to the model.
func NewToolResultMessage(results []ToolResult) Message {
	return Message{Role: RoleTool, ToolResults: results}
}

// Text returns the turn's textual content, joining text blocks when Content is empty.
func (m *Message) Text() string {
	if m.Content != "" || len(m.Blocks) == 0 {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if s, ok := b["text"].(string); ok {
			out += s
		}
	}
	return out
}

// Validate checks structural invariants of a request before it is sent.
func (r *CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("completion request has no messages")
	}
	for i := range r.Messages {
		m := &r.Messages[i]
		for j := range m.ToolResults {
			if m.ToolResults[j].ToolCallID == "" {
				return fmt.Errorf("message %d: tool result %d has no tool_call_id", i, j)
			}
		}
		for j := range m.ToolCalls {
			if m.ToolCalls[j].Name == "" {
				return fmt.Errorf("message %d: tool call %d has no name", i, j)
			}
		}
	}
	return nil
}
