package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"agentcoder/pkg/agent/answer"
	"agentcoder/pkg/agent/llm"
)

// FinalAnswerTool captures a session's structured result verbatim so the extractor can find it
// in history as {"tool_name":"final_answer","tool_code":{...}}.
type FinalAnswerTool struct {
	fields []string
}

// NewFinalAnswerTool creates the tool. fields are advertised in the schema; other arguments
// are passed through unchanged.
func NewFinalAnswerTool(fields ...string) *FinalAnswerTool {
	if len(fields) == 0 {
		fields = []string{"branch_name"}
	}
	return &FinalAnswerTool{fields: fields}
}

func (f *FinalAnswerTool) Name() string { return ToolFinalAnswer }

func (f *FinalAnswerTool) Definition() llm.ToolDefinition {
	props := make(map[string]llm.Property, len(f.fields))
	for _, field := range f.fields {
		props[field] = llm.Property{Type: "string"}
	}
	return llm.ToolDefinition{
		Name:        ToolFinalAnswer,
		Description: "Collect the final structured result. Pass the fields so the workflow can persist and use them.",
		InputSchema: llm.InputSchema{Type: "object", Properties: props},
	}
}

func (f *FinalAnswerTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	code := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			code[k] = v
		}
	}
	data, err := json.Marshal(map[string]any{"tool_name": answer.FinalAnswerTool, "tool_code": code})
	if err != nil {
		return nil, fmt.Errorf("encode final answer: %w", err)
	}
	return &ExecResult{Content: string(data), Terminal: true}, nil
}

// SafeDefaultReply is returned by HumanAssistanceTool.
const SafeDefaultReply = "Just assume the safe default for the archetype and requirements for software development."

// HumanAssistanceTool lets a model ask for guidance. Sessions run unattended, so it always answers
// with the safe-default instruction.
type HumanAssistanceTool struct{}

func (HumanAssistanceTool) Name() string { return ToolHumanAssistance }

func (HumanAssistanceTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ToolHumanAssistance,
		Description: "Use this tool when you need human assistance.",
		InputSchema: llm.InputSchema{
			Type:       "object",
			Properties: map[string]llm.Property{"query": {Type: "string", Description: "The question for the human."}},
			Required:   []string{"query"},
		},
	}
}

func (HumanAssistanceTool) Exec(_ context.Context, _ map[string]any) (*ExecResult, error) {
	return &ExecResult{Content: SafeDefaultReply}, nil
}
