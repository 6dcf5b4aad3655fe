// Package session drives one model-plus-tools conversation through a fixed graph
// (seed -> model_step -> {tool_execution -> model_step} -> terminal) until it produces a terminal
// answer or reaches its step ceiling.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentcoder/pkg/agent/answer"
	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/router"
	"agentcoder/pkg/config"
	"agentcoder/pkg/logx"
	"agentcoder/pkg/tools"
	"agentcoder/pkg/utils"
)

// ToolProvider resolves the tools bound to a session. *tools.Registry implements it.
type ToolProvider interface {
	Get(name string) (tools.Tool, error)
	Definitions() []llm.ToolDefinition
}

// Metrics receives session events. pkg/metrics provides the Prometheus implementation.
type Metrics interface {
	ObserveStep(phase string, elapsed time.Duration)
	ObserveSession(outcome string, steps int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveStep(string, time.Duration) {}
func (nopMetrics) ObserveSession(string, int)        {}

// Task is the structured description the seed phase turns into the first user turn.
type Task struct {
	Input  map[string]any
	System string
	Prompt string
}

// Config parameterises a session.
//
//nolint:govet // fieldalignment: struct fields ordered for clarity over memory alignment
type Config struct {
	Client llm.Client
	Tools  ToolProvider

	// MaxSteps bounds the number of graph nodes visited. Reaching it aborts with ErrStepLimitExceeded.
	MaxSteps    int
	MaxTokens   int
	Temperature float32

	// AnswerGeneration inserts the answer_generation phase after each tool execution.
	AnswerGeneration bool
	// Confirm renders the answer_generation turn. Defaults to ConfirmToolCall.
	Confirm func(call llm.ToolCall) string

	// StopOnTerminalTool ends the session after a tool reports a terminal result.
	StopOnTerminalTool bool

	// Defaults is returned as the answer when none can be extracted.
	Defaults map[string]any

	Name    string
	Counter *utils.TokenCounter
	Metrics Metrics
}

// Session runs conversations with one configuration. Each Run owns a fresh State, so a Session may
// run concurrently with others but shares no conversation state between runs.
type Session struct {
	logger *logx.Logger
	cfg    Config
}

// New validates cfg and creates a session.
func New(cfg Config) (*Session, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("session requires an LLM client")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = config.DefaultMaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = llm.DefaultMaxTokens
	}
	if cfg.Confirm == nil {
		cfg.Confirm = ConfirmToolCall
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Name == "" {
		cfg.Name = "session"
	}
	return &Session{logger: logx.NewLogger(cfg.Name), cfg: cfg}, nil
}

// Run drives a new conversation for task to completion.
func (s *Session) Run(ctx context.Context, task Task) (*Outcome, error) {
	state := &State{SessionID: uuid.NewString(), Phase: PhaseSeed}
	ctx = logx.WithComponent(ctx, s.cfg.Name)

	var defs []llm.ToolDefinition
	if s.cfg.Tools != nil {
		defs = s.cfg.Tools.Definitions()
	}

	for state.Phase != PhaseTerminal {
		if err := ctx.Err(); err != nil {
			s.cfg.Metrics.ObserveSession("cancelled", state.Steps)
			return nil, fmt.Errorf("session %s cancelled: %w", state.SessionID, err)
		}
		if state.Steps >= s.cfg.MaxSteps {
			s.logger.Error("Session %s hit the step limit (%d) in phase %s", state.SessionID, s.cfg.MaxSteps, state.Phase)
			s.cfg.Metrics.ObserveSession("step_limit", state.Steps)
			return nil, fmt.Errorf("%w: %d steps without reaching a terminal answer", ErrStepLimitExceeded, s.cfg.MaxSteps)
		}
		state.Steps++

		start := time.Now()
		phase := state.Phase
		next, err := s.step(ctx, state, task, defs)
		s.cfg.Metrics.ObserveStep(phase.String(), time.Since(start))
		if err != nil {
			s.cfg.Metrics.ObserveSession("error", state.Steps)
			return nil, err
		}
		logx.DebugState(ctx, "session", "transition", next.String(), "from="+phase.String())
		state.Phase = next
	}

	found, ok := answer.FromHistory(state.Messages)
	out := &Outcome{
		Answer: answer.OrDefault(found, ok, s.cfg.Defaults),
		Found:  ok,
		State:  state,
	}
	if s.cfg.Counter != nil {
		out.Tokens = s.cfg.Counter.CountMessages(state.Messages)
	}
	result := "answered"
	if !ok {
		result = "defaulted"
	}
	s.cfg.Metrics.ObserveSession(result, state.Steps)
	s.logger.Info("Session %s finished after %d steps (answer found: %v)", state.SessionID, state.Steps, ok)
	return out, nil
}

func (s *Session) step(ctx context.Context, state *State, task Task, defs []llm.ToolDefinition) (Phase, error) {
	switch state.Phase {
	case PhaseSeed:
		for _, m := range seedMessages(task) {
			state.append(m)
		}
		return PhaseModelStep, nil

	case PhaseModelStep:
		return s.modelStep(ctx, state, defs)

	case PhaseToolExecution:
		terminal := s.executeTools(ctx, state)
		switch {
		case terminal && s.cfg.StopOnTerminalTool:
			return PhaseTerminal, nil
		case s.cfg.AnswerGeneration:
			return PhaseAnswerGeneration, nil
		default:
			return PhaseModelStep, nil
		}

	case PhaseAnswerGeneration:
		if call, ok := latestToolCall(state.Messages); ok {
			state.append(llm.NewUserMessage(s.cfg.Confirm(call)))
		}
		return PhaseModelStep, nil

	default:
		return PhaseTerminal, fmt.Errorf("session in unknown phase %s", state.Phase)
	}
}

func (s *Session) modelStep(ctx context.Context, state *State, defs []llm.ToolDefinition) (Phase, error) {
	req := llm.NewCompletionRequest(state.Messages)
	req.Tools = defs
	req.MaxTokens = s.cfg.MaxTokens
	if s.cfg.Temperature > 0 {
		req.Temperature = s.cfg.Temperature
	}
	if s.cfg.Counter != nil {
		logx.Debug(ctx, "session", "model step with %d messages (~%d tokens)",
			len(state.Messages), s.cfg.Counter.CountMessages(state.Messages))
	}

	start := time.Now()
	resp, err := s.cfg.Client.Complete(ctx, req)
	if err != nil {
		s.logger.Error("LLM call failed after %.3gs: %v", time.Since(start).Seconds(), err)
		return PhaseTerminal, fmt.Errorf("model step %d of session %s: %w", state.Steps, state.SessionID, err)
	}
	s.logger.Debug("LLM call completed in %.3gs, response length: %d chars, tool calls: %d",
		time.Since(start).Seconds(), len(resp.Content), len(resp.ToolCalls))

	state.append(resp.Message())
	if router.Route(state.Messages) == router.DecisionInvokeTools {
		return PhaseToolExecution, nil
	}
	return PhaseTerminal, nil
}

// executeTools runs every invocation of the latest turn and appends one result turn. Every call gets
// a result, including unknown tools and failures. It reports whether any tool was terminal.
func (s *Session) executeTools(ctx context.Context, state *State) bool {
	calls := router.Invocations(state.last())
	state.PendingToolOutputs = state.PendingToolOutputs[:0]
	terminal := false

	for i := range calls {
		call := &calls[i]
		res, err := s.execOne(ctx, call)
		content, isError := formatToolResult(res, err)
		if err != nil {
			s.logger.Warn("Tool %s failed: %v", call.Name, err)
		}
		if res != nil && res.Terminal {
			terminal = true
		}
		state.PendingToolOutputs = append(state.PendingToolOutputs, llm.ToolResult{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    isError,
		})
	}

	results := make([]llm.ToolResult, len(state.PendingToolOutputs))
	copy(results, state.PendingToolOutputs)
	state.append(llm.NewToolResultMessage(results))
	state.PendingToolOutputs = state.PendingToolOutputs[:0]
	return terminal
}

func (s *Session) execOne(ctx context.Context, call *llm.ToolCall) (*tools.ExecResult, error) {
	if s.cfg.Tools == nil {
		return nil, fmt.Errorf("no tools are bound to this session")
	}
	tool, err := s.cfg.Tools.Get(call.Name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := tool.Exec(ctx, call.Arguments)
	s.logger.Info("Tool %s completed in %.3fs", call.Name, time.Since(start).Seconds())
	return res, err
}

func formatToolResult(res *tools.ExecResult, err error) (string, bool) {
	if err != nil {
		return fmt.Sprintf("Tool failed: %v", err), true
	}
	if res == nil {
		return "", false
	}
	return res.Content, res.IsError
}

// seedMessages builds the opening turns from the task description.
func seedMessages(task Task) []llm.Message {
	var msgs []llm.Message
	if task.System != "" {
		msgs = append(msgs, llm.NewSystemMessage(task.System))
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(task.Prompt))
	if len(task.Input) > 0 {
		data, err := json.MarshalIndent(task.Input, "", "  ")
		if err != nil {
			data = []byte(fmt.Sprint(task.Input))
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("<task_info>\n")
		b.Write(data)
		b.WriteString("\n</task_info>")
	}
	return append(msgs, llm.NewUserMessage(b.String()))
}

func latestToolCall(messages []llm.Message) (llm.ToolCall, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if n := len(messages[i].ToolCalls); n > 0 {
			return messages[i].ToolCalls[n-1], true
		}
	}
	return llm.ToolCall{}, false
}

// ConfirmToolCall renders a confirmation of the call's arguments.
func ConfirmToolCall(call llm.ToolCall) string {
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	return fmt.Sprintf("Confirmed: %s was called with %s. Continue with the next step.", call.Name, args)
}
