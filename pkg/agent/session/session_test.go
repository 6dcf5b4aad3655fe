package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/internal/mocks"
	"agentcoder/pkg/agent/answer"
	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/testkit"
	"agentcoder/pkg/tools"
)

type echoTool struct {
	calls []map[string]any
	mu    sync.Mutex
}

func (e *echoTool) Name() string { return "echo" }

func (e *echoTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: "echo", Description: "echo", InputSchema: llm.InputSchema{Type: "object"}}
}

func (e *echoTool) Exec(_ context.Context, args map[string]any) (*tools.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, args)
	return &tools.ExecResult{Content: "echoed"}, nil
}

func newRegistry(t *testing.T, extra ...tools.Tool) (*tools.Registry, *echoTool) {
	t.Helper()
	echo := &echoTool{}
	reg, err := tools.NewRegistry(append([]tools.Tool{echo}, extra...)...)
	require.NoError(t, err)
	return reg, echo
}

func text(content string) llm.CompletionResponse {
	return llm.CompletionResponse{Content: content, StopReason: "end_turn"}
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRunNativeToolCallThenAnswer(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWithSequence([]llm.CompletionResponse{
		mocks.ToolCallResponse("echo", map[string]any{"x": 1.0}),
		text(`Done. {"branch_name": "shop_FE", "owner": "frontend"}`),
	})
	reg, echo := newRegistry(t)

	s, err := New(Config{Client: client, Tools: reg, MaxSteps: 10})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{System: "you are an architect", Prompt: "Init", Input: map[string]any{"goal": "shop"}})
	require.NoError(t, err)

	assert.True(t, out.Found)
	assert.Equal(t, "shop_FE", out.Answer["branch_name"])
	assert.Equal(t, 4, out.Steps())
	assert.Equal(t, PhaseTerminal, out.State.Phase)
	assert.NotEmpty(t, out.State.SessionID)
	assert.Empty(t, out.State.PendingToolOutputs)
	require.Len(t, echo.calls, 1)
	assert.Equal(t, 1.0, echo.calls[0]["x"])

	msgs := out.State.Messages
	testkit.AssertRoles(t, msgs, llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant)
	testkit.AssertEveryToolCallAnswered(t, msgs)
	assert.Contains(t, msgs[1].Content, "<task_info>")
	assert.Contains(t, msgs[1].Content, `"goal": "shop"`)
	assert.Equal(t, llm.RoleTool, msgs[3].Role)
	assert.Equal(t, "echoed", testkit.ToolResultFor(t, msgs, "call_echo").Content)

	first := client.CompleteCalls[0]
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "echo", first.Tools[0].Name)
}

func TestRunNormalizesTextToolCall(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWithSequence([]llm.CompletionResponse{
		text(`{"type": "function", "name": "echo", "parameters": {"x": "from text"}}`),
		text("all done"),
	})
	reg, echo := newRegistry(t)

	s, err := New(Config{Client: client, Tools: reg})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{Prompt: "go"})
	require.NoError(t, err)

	require.Len(t, echo.calls, 1)
	assert.Equal(t, "from text", echo.calls[0]["x"])
	toolTurn := out.State.Messages[1]
	require.Len(t, toolTurn.ToolCalls, 1)
	assert.Equal(t, out.State.Messages[2].ToolResults[0].ToolCallID, toolTurn.ToolCalls[0].ID)
}

func TestRunStopsOnTerminalTool(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWithSequence([]llm.CompletionResponse{
		mocks.ToolCallResponse(tools.ToolFinalAnswer, map[string]any{"branch_name": "shop_BE"}),
	})
	reg, _ := newRegistry(t, tools.NewFinalAnswerTool())

	s, err := New(Config{Client: client, Tools: reg, StopOnTerminalTool: true})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{Prompt: "go"})
	require.NoError(t, err)

	assert.True(t, out.Found)
	assert.Equal(t, map[string]any{"branch_name": "shop_BE"}, out.Answer)
	assert.Equal(t, 1, client.GetCompleteCallCount())
}

func TestRunUsesDefaultsWhenNoAnswer(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith("I finished but forgot the JSON")

	s, err := New(Config{Client: client, Defaults: answer.Defaults("branch_name", "base_url")})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{Prompt: "go"})
	require.NoError(t, err)

	assert.False(t, out.Found)
	assert.Equal(t, answer.ParseFailure, out.Answer["branch_name"])
	assert.Equal(t, answer.ParseFailure, out.Answer["base_url"])
}

func TestRunDoesNotAnswerWithItsOwnTaskInput(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith("I could not finish")

	s, err := New(Config{Client: client, Defaults: map[string]any{"branch_name": "DEFAULT"}})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{
		Prompt: "go",
		Input:  map[string]any{"goal": "shop", "branch_name": "from-seed"},
	})
	require.NoError(t, err)

	assert.False(t, out.Found)
	assert.Equal(t, map[string]any{"branch_name": "DEFAULT"}, out.Answer)
}

func TestRunIgnoresJSONToolOutput(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWithSequence([]llm.CompletionResponse{
		mocks.ToolCallResponse("echo", map[string]any{"file": "package.json"}),
		text("Looked at the manifest."),
	})
	echo := &jsonTool{content: `{"name": "shop", "version": "1.0.0"}`}
	reg, err := tools.NewRegistry(echo)
	require.NoError(t, err)

	s, err := New(Config{Client: client, Tools: reg, Defaults: answer.Defaults("branch_name")})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{Prompt: "go"})
	require.NoError(t, err)

	assert.False(t, out.Found)
	assert.Equal(t, answer.ParseFailure, out.Answer["branch_name"])
	assert.NotContains(t, out.Answer, "version")
}

type jsonTool struct{ content string }

func (j *jsonTool) Name() string { return "echo" }

func (j *jsonTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: "echo", Description: "cat", InputSchema: llm.InputSchema{Type: "object"}}
}

func (j *jsonTool) Exec(context.Context, map[string]any) (*tools.ExecResult, error) {
	return &tools.ExecResult{Content: j.content}, nil
}

func TestRunStepLimit(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return mocks.ToolCallResponse("echo", nil), nil
	})
	reg, _ := newRegistry(t)

	s, err := New(Config{Client: client, Tools: reg, MaxSteps: 5})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{Prompt: "loop forever"})

	assert.Nil(t, out)
	require.ErrorIs(t, err, ErrStepLimitExceeded)
	// seed, model, tools, model, tools
	assert.Equal(t, 2, client.GetCompleteCallCount())
}

func TestRunUnknownToolIsReportedToModel(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWithSequence([]llm.CompletionResponse{
		mocks.ToolCallResponse("missing_tool", map[string]any{}),
		text(`{"done": true}`),
	})
	reg, _ := newRegistry(t)

	s, err := New(Config{Client: client, Tools: reg})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{Prompt: "go"})
	require.NoError(t, err)

	res := out.State.Messages[2].ToolResults[0]
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "missing_tool")
	assert.Equal(t, true, out.Answer["done"])
}

func TestRunAnswerGenerationVariant(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWithSequence([]llm.CompletionResponse{
		mocks.ToolCallResponse("echo", map[string]any{"x": "y"}),
		text(`{"ok": true}`),
	})
	reg, _ := newRegistry(t)

	s, err := New(Config{Client: client, Tools: reg, AnswerGeneration: true})
	require.NoError(t, err)
	out, err := s.Run(context.Background(), Task{Prompt: "go"})
	require.NoError(t, err)

	// seed, model, tools, answer_generation, model
	assert.Equal(t, 5, out.Steps())
	second := client.CompleteCalls[1].Messages
	confirm := second[len(second)-1]
	assert.Equal(t, llm.RoleUser, confirm.Role)
	assert.Equal(t, `Confirmed: echo was called with {"x":"y"}. Continue with the next step.`, confirm.Content)
}

func TestRunPropagatesModelErrors(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.FailCompleteWith(errors.New("service unavailable"))

	s, err := New(Config{Client: client})
	require.NoError(t, err)
	_, err = s.Run(context.Background(), Task{Prompt: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service unavailable")
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := New(Config{Client: mocks.NewMockLLMClient()})
	require.NoError(t, err)
	_, err = s.Run(ctx, Task{Prompt: "go"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAllWaitsForEveryRunner(t *testing.T) {
	var finished atomic.Int32
	ok := func(context.Context) (*Outcome, error) {
		finished.Add(1)
		return &Outcome{Answer: map[string]any{"scope": "FE"}}, nil
	}
	failing := func(context.Context) (*Outcome, error) {
		finished.Add(1)
		return nil, errors.New("backend session failed")
	}

	outs, err := RunAll(context.Background(), ok, ok)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "FE", outs[1].Answer["scope"])

	finished.Store(0)
	_, err = RunAll(context.Background(), failing, ok)
	assert.EqualError(t, err, "backend session failed")
	assert.Equal(t, int32(2), finished.Load())
}

func TestRunAllSessionsDoNotShareState(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith(`{"answer": 1}`)
	s, err := New(Config{Client: client})
	require.NoError(t, err)

	run := func(prompt string) Runner {
		return func(ctx context.Context) (*Outcome, error) { return s.Run(ctx, Task{Prompt: prompt}) }
	}
	outs, err := RunAll(context.Background(), run("frontend"), run("backend"))
	require.NoError(t, err)

	assert.NotEqual(t, outs[0].State.SessionID, outs[1].State.SessionID)
	assert.Equal(t, "frontend", outs[0].State.Messages[0].Content)
	assert.Equal(t, "backend", outs[1].State.Messages[0].Content)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "model_step", PhaseModelStep.String())
	assert.Equal(t, "answer_generation", PhaseAnswerGeneration.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}
