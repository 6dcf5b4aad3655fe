package session

import (
	"errors"
	"fmt"

	"agentcoder/pkg/agent/llm"
)

// ErrStepLimitExceeded aborts a session that reached its step ceiling without terminating.
var ErrStepLimitExceeded = errors.New("session step limit exceeded")

// Phase is a node of the session graph.
type Phase int

const (
	PhaseSeed Phase = iota
	PhaseModelStep
	PhaseToolExecution
	// PhaseAnswerGeneration synthesizes a confirmation turn from the latest tool call before the
	// next model step. Only visited when Config.AnswerGeneration is set.
	PhaseAnswerGeneration
	PhaseTerminal
)

// String returns the phase name used in logs and metrics.
func (p Phase) String() string {
	switch p {
	case PhaseSeed:
		return "seed"
	case PhaseModelStep:
		return "model_step"
	case PhaseToolExecution:
		return "tool_execution"
	case PhaseAnswerGeneration:
		return "answer_generation"
	case PhaseTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the conversation a session drives. Messages only grow.
//
//nolint:govet // fieldalignment: readability over packing
type State struct {
	SessionID          string
	Messages           []llm.Message
	PendingToolOutputs []llm.ToolResult
	Phase              Phase
	Steps              int
}

func (s *State) append(m llm.Message) {
	s.Messages = append(s.Messages, m)
}

func (s *State) last() *llm.Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// Outcome is a finished session.
//
//nolint:govet // fieldalignment: readability over packing
type Outcome struct {
	// Answer is the terminal answer, or the configured defaults when none could be extracted.
	Answer map[string]any
	// Found reports whether Answer was extracted from the conversation.
	Found bool
	State *State
	// Tokens is the approximate size of the final conversation.
	Tokens int
}

// Steps returns how many graph nodes the session visited.
func (o *Outcome) Steps() int {
	if o == nil || o.State == nil {
		return 0
	}
	return o.State.Steps
}
