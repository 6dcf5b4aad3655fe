package openaiofficial

import (
	"context"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
	"agentcoder/pkg/testkit"
)

func TestNewOfficialClient(t *testing.T) {
	assert.Equal(t, DefaultModel, NewOfficialClient("test-api-key", "").GetModelName())
	assert.Equal(t, "gpt-4o-mini", NewOfficialClient("test-api-key", "gpt-4o-mini").GetModelName())
}

func TestConvertMessages(t *testing.T) {
	msgs := convertMessages([]llm.Message{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("Init"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{"x": "y"}}}},
		llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "c1", Content: "ok"}, {ToolCallID: "c2", Content: "also"}}),
		llm.NewUserMessage("Confirmed"),
	})
	require.Len(t, msgs, 6)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)

	require.NotNil(t, msgs[2].OfAssistant)
	calls := msgs[2].OfAssistant.ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.JSONEq(t, `{"x":"y"}`, calls[0].Function.Arguments)

	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
	require.NotNil(t, msgs[4].OfTool)
	assert.Equal(t, "c2", msgs[4].OfTool.ToolCallID)
	assert.NotNil(t, msgs[5].OfUser)
}

func TestBuildParamsTools(t *testing.T) {
	req := llm.NewCompletionRequest([]llm.Message{llm.NewUserMessage("hi")})
	req.Tools = []llm.ToolDefinition{{Name: "final_answer", Description: "collect", InputSchema: llm.InputSchema{Type: "object"}}}
	params := buildParams("gpt-test", &req)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "final_answer", params.Tools[0].Function.Name)
	assert.Equal(t, "object", params.Tools[0].Function.Parameters["type"])
}

func TestDecodeArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, decodeArguments(""))
	assert.Equal(t, map[string]any{"a": 1.0}, decodeArguments(`{"a":1}`))
	assert.Equal(t, map[string]any{"raw_arguments": "{a:"}, decodeArguments("{a:"))
}

func TestCompleteAgainstServer(t *testing.T) {
	srv := testkit.NewOpenAIServer(
		testkit.ThrottledReply(),
		testkit.Reply{ToolCalls: []llm.ToolCall{{ID: "call_a", Name: "final_answer", Arguments: map[string]any{"final_url": "https://x"}}}},
	)
	defer srv.Close()
	client := NewOfficialClient("sk-test", "gpt-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	req := llm.NewCompletionRequest([]llm.Message{llm.NewUserMessage("go")})

	_, err := client.Complete(context.Background(), req)
	require.Error(t, err)
	assert.True(t, llmerrors.IsThrottling(err))

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_a", resp.ToolCalls[0].ID)
	assert.Equal(t, "https://x", resp.ToolCalls[0].Arguments["final_url"])
	assert.Equal(t, 50, resp.Usage.InputTokens)
}
