// Package testkit holds shared test fixtures: scripted model provider servers, conversation
// builders and assertions over session histories.
package testkit

import (
	"fmt"

	"agentcoder/pkg/agent/llm"
)

// Conversation builds a message history turn by turn.
type Conversation struct {
	msgs  []llm.Message
	calls int
}

// NewConversation starts an empty history.
func NewConversation() *Conversation {
	return &Conversation{}
}

// System appends a system turn.
func (c *Conversation) System(content string) *Conversation {
	c.msgs = append(c.msgs, llm.NewSystemMessage(content))
	return c
}

// User appends a user turn.
func (c *Conversation) User(content string) *Conversation {
	c.msgs = append(c.msgs, llm.NewUserMessage(content))
	return c
}

// Assistant appends an assistant text turn.
func (c *Conversation) Assistant(content string) *Conversation {
	c.msgs = append(c.msgs, llm.NewAssistantMessage(content))
	return c
}

// ToolCall appends an assistant turn invoking name. IDs are assigned as call_1, call_2, ...
func (c *Conversation) ToolCall(name string, args map[string]any) *Conversation {
	c.calls++
	c.msgs = append(c.msgs, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: fmt.Sprintf("call_%d", c.calls), Name: name, Arguments: args}},
	})
	return c
}

// ToolResult appends the result of the most recent tool call.
func (c *Conversation) ToolResult(content string) *Conversation {
	c.msgs = append(c.msgs, llm.NewToolResultMessage([]llm.ToolResult{{
		ToolCallID: fmt.Sprintf("call_%d", c.calls),
		Content:    content,
	}}))
	return c
}

// Build returns a copy of the history.
func (c *Conversation) Build() []llm.Message {
	out := make([]llm.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}
