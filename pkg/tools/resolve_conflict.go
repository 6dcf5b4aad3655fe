package tools

import (
	"context"
	"fmt"

	"agentcoder/pkg/agent/answer"
	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/logx"
)

const conflictPrompt = `You are resolving a git merge conflict.

File: %s

Original requirement:
%s

File content with conflict markers:
%s

Merge both sides so the requirement is satisfied. Reply with a single JSON object:
{"final_code": "<complete resolved file content, no conflict markers>"}`

// ResolveConflictTool asks a model to merge a conflicted file and returns the merged content.
type ResolveConflictTool struct {
	client llm.Client
	logger *logx.Logger
}

// NewResolveConflictTool creates the tool around a model client.
func NewResolveConflictTool(client llm.Client) *ResolveConflictTool {
	return &ResolveConflictTool{client: client, logger: logx.NewLogger("resolver")}
}

func (r *ResolveConflictTool) Name() string { return ToolResolveConflict }

func (r *ResolveConflictTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: ToolResolveConflict,
		Description: "Resolves a git merge conflict within a file. Use only after reading a file and confirming it " +
			"contains '<<<<<<< HEAD' markers. Returns the final, clean, merged code.",
		InputSchema: llm.InputSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"file_path":        {Type: "string", Description: "Full path to the conflicted file."},
				"conflict_content": {Type: "string", Description: "Full file content including conflict markers."},
				"requirement":      {Type: "string", Description: "The requirement that led to the changes."},
			},
			Required: []string{"file_path", "conflict_content", "requirement"},
		},
	}
}

// Exec returns the merged file. Model failures are reported to the session as error content.
func (r *ResolveConflictTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, err := stringArg(args, "file_path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "conflict_content")
	if err != nil {
		return nil, err
	}
	requirement, _ := args["requirement"].(string)

	r.logger.Info("Attempting to resolve conflict in file: %s", path)
	req := llm.NewCompletionRequest([]llm.Message{
		llm.NewUserMessage(fmt.Sprintf(conflictPrompt, path, requirement, content)),
	})
	req.Temperature = 0

	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		r.logger.Error("Failed to resolve conflict for %s: %v", path, err)
		return &ExecResult{
			Content: fmt.Sprintf("Error: The LLM failed to generate a valid resolution. Error: %v", err),
			IsError: true,
		}, nil
	}

	obj, ok := answer.FromText(resp.Content)
	code, isString := obj["final_code"].(string)
	if !ok || !isString {
		r.logger.Error("Conflict resolution for %s had no final_code", path)
		return &ExecResult{
			Content: "Error: The LLM failed to generate a valid resolution. Error: missing final_code",
			IsError: true,
		}, nil
	}
	r.logger.Info("Successfully generated resolved code for %s", path)
	return &ExecResult{Content: code}, nil
}
