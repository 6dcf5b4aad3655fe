package testkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/pkg/agent/llm"
)

// AssertEveryToolCallAnswered checks that each tool call in msgs has exactly one later result.
func AssertEveryToolCallAnswered(t *testing.T, msgs []llm.Message) {
	t.Helper()
	pending := map[string]int{}
	for i := range msgs {
		for _, call := range msgs[i].ToolCalls {
			pending[call.ID]++
		}
		for _, res := range msgs[i].ToolResults {
			pending[res.ToolCallID]--
		}
	}
	for id, n := range pending {
		assert.Zero(t, n, "tool call %s has %d unmatched invocations", id, n)
	}
}

// AssertRoles checks the role sequence of msgs.
func AssertRoles(t *testing.T, msgs []llm.Message, roles ...llm.Role) {
	t.Helper()
	got := make([]llm.Role, len(msgs))
	for i := range msgs {
		got[i] = msgs[i].Role
	}
	assert.Equal(t, roles, got)
}

// ToolResultFor returns the result of callID, failing the test when there is none.
func ToolResultFor(t *testing.T, msgs []llm.Message, callID string) llm.ToolResult {
	t.Helper()
	for i := range msgs {
		for _, res := range msgs[i].ToolResults {
			if res.ToolCallID == callID {
				return res
			}
		}
	}
	require.Failf(t, "missing tool result", "no result for tool call %s", callID)
	return llm.ToolResult{}
}

// RequestMessages returns the "messages" array of a decoded provider request body.
func RequestMessages(t *testing.T, body map[string]any) []any {
	t.Helper()
	msgs, ok := body["messages"].([]any)
	require.True(t, ok, "request has no messages array")
	return msgs
}
