// Package tools provides the tools agent sessions can bind and the registry that resolves them.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"agentcoder/pkg/agent/llm"
)

// Tool names.
const (
	ToolShell           = "execute_shell_command"
	ToolFinalAnswer     = "final_answer"
	ToolHumanAssistance = "human_assistance"
	ToolResolveConflict = "resolve_code_conflict"
	ToolSpawnEngineers  = "spawn_engineers"
)

// ExecResult is what a tool hands back to the session.
type ExecResult struct {
	Content string
	IsError bool
	// Terminal marks a result that completes the session when the session honors terminal tools.
	Terminal bool
}

// Tool is a callable bound into a session.
type Tool interface {
	Name() string
	Definition() llm.ToolDefinition
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// Registry resolves tools by name. Safe for concurrent use.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique and non-empty.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return tool, nil
}

// Definitions returns every tool definition sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// stringArg returns a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required and must be a non-empty string", key)
	}
	return v, nil
}
