package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/llmerrors"
	"agentcoder/pkg/testkit"
)

func TestConvertMessages(t *testing.T) {
	tests := []struct {
		name         string
		input        []llm.Message
		expectSystem string
		expectRoles  []anthropic.MessageParamRole
		errContains  string
	}{
		{
			name:        "empty messages",
			errContains: "message list cannot be empty",
		},
		{
			name: "system messages concatenated",
			input: []llm.Message{
				llm.NewSystemMessage("You are helpful"),
				llm.NewSystemMessage("And concise"),
				llm.NewUserMessage("Hello"),
			},
			expectSystem: "You are helpful\n\nAnd concise",
			expectRoles:  []anthropic.MessageParamRole{anthropic.MessageParamRoleUser},
		},
		{
			name: "tool result followed by confirmation merges into one user turn",
			input: []llm.Message{
				llm.NewUserMessage("Init"),
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "echo"}}},
				llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "t1", Content: "ok"}}),
				llm.NewUserMessage("Confirmed"),
			},
			expectRoles: []anthropic.MessageParamRole{
				anthropic.MessageParamRoleUser,
				anthropic.MessageParamRoleAssistant,
				anthropic.MessageParamRoleUser,
			},
		},
		{
			name:        "assistant first is rejected",
			input:       []llm.Message{llm.NewAssistantMessage("Hi")},
			errContains: "first message must be user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, msgs, err := convertMessages(tt.input)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectSystem, system)
			roles := make([]anthropic.MessageParamRole, len(msgs))
			for i := range msgs {
				roles[i] = msgs[i].Role
			}
			assert.Equal(t, tt.expectRoles, roles)
		})
	}
}

func TestToolBlocks(t *testing.T) {
	_, msgs, err := convertMessages([]llm.Message{
		llm.NewUserMessage("Init"),
		{Role: llm.RoleAssistant, Content: "Let me check", ToolCalls: []llm.ToolCall{{ID: "t1", Name: "echo", Arguments: map[string]any{"x": 1}}}},
		llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "t1", Content: "boom", IsError: true}}),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assistant := msgs[1].Content
	require.Len(t, assistant, 2)
	require.NotNil(t, assistant[0].OfText)
	assert.Equal(t, "Let me check", assistant[0].OfText.Text)
	require.NotNil(t, assistant[1].OfToolUse)
	assert.Equal(t, "t1", assistant[1].OfToolUse.ID)
	assert.Equal(t, "echo", assistant[1].OfToolUse.Name)

	result := msgs[2].Content
	require.Len(t, result, 1)
	require.NotNil(t, result[0].OfToolResult)
	assert.Equal(t, "t1", result[0].OfToolResult.ToolUseID)
}

func TestBuildParamsTools(t *testing.T) {
	req := llm.NewCompletionRequest([]llm.Message{llm.NewUserMessage("hi")})
	req.MaxTokens = 0
	req.Tools = []llm.ToolDefinition{{
		Name:        "final_answer",
		Description: "collect",
		InputSchema: llm.InputSchema{Type: "object", Properties: map[string]llm.Property{"branch_name": {Type: "string"}}},
	}}
	params, err := buildParams("claude-test", &req)
	require.NoError(t, err)
	assert.Equal(t, int64(llm.DefaultMaxTokens), params.MaxTokens)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, "final_answer", params.Tools[0].OfTool.Name)
	assert.NotNil(t, params.ToolChoice.OfAuto)
}

func TestClassifyErrorPlain(t *testing.T) {
	err := classifyError(errors.New("ThrottlingException: Rate exceeded"))
	assert.True(t, llmerrors.IsThrottling(err))
	assert.Equal(t, llmerrors.ErrorTypeRateLimit, llmerrors.TypeOf(err))
}

func TestGetModelName(t *testing.T) {
	assert.Equal(t, DefaultModel, NewClaudeClient("key", "").GetModelName())
	assert.Equal(t, "claude-x", NewClaudeClient("key", "claude-x").GetModelName())
}

func TestCompleteAgainstServer(t *testing.T) {
	srv := testkit.NewAnthropicServer(
		testkit.ThrottledReply(),
		testkit.Reply{
			Text:      "Running it.",
			ToolCalls: []llm.ToolCall{{ID: "toolu_1", Name: "execute_shell_command", Arguments: map[string]any{"command": "ls"}}},
		},
	)
	defer srv.Close()
	client := NewClaudeClient("sk-test", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	req := llm.NewCompletionRequest([]llm.Message{llm.NewSystemMessage("sys"), llm.NewUserMessage("go")})

	_, err := client.Complete(context.Background(), req)
	require.Error(t, err)
	assert.True(t, llmerrors.IsThrottling(err))

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Running it.", resp.Content)
	assert.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "ls", resp.ToolCalls[0].Arguments["command"])
	assert.Equal(t, 200, resp.Usage.OutputTokens)

	body := srv.Requests()[1]
	assert.Equal(t, "claude-test", body["model"])
	assert.NotNil(t, body["system"])
	assert.Len(t, testkit.RequestMessages(t, body), 1)
}
