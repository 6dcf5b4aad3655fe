package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"agentcoder/pkg/agent/session"
	"agentcoder/pkg/scope"
	"agentcoder/pkg/tools"
)

const allocateSystem = `You are an engineering lead. Split the specs of each branch into groups of related work that
one engineer can implement independently, then call ` + tools.ToolSpawnEngineers + ` once per branch with the base URL,
the branch name and the grouped specs. When every branch has been handled, reply with a single JSON object
{"branches": {"<branch>": <number of groups>}}.`

// AllocatorTools binds spawn_engineers to runner.
func AllocatorTools(runner tools.JobRunner, model string, opts ...tools.SpawnOption) (*tools.Registry, error) {
	return tools.NewRegistry(tools.NewSpawnEngineersTool(runner, model, opts...))
}

// Allocate runs sess over the architect result, fanning each scope's specs out to engineer
// containers on that scope's branch. The dispatched results are in the tool turns of the outcome.
func Allocate(ctx context.Context, sess *session.Session, gitURL string, arch *ArchitectResult, specs map[scope.Scope][]map[string]any) (*session.Outcome, error) {
	branches := make(map[string]any, len(arch.Branches))
	for s, branch := range arch.Branches {
		branches[branch] = specs[s]
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("no branches to allocate")
	}
	return sess.Run(ctx, session.Task{
		System: allocateSystem,
		Prompt: "Allocate the following specs to engineers.",
		Input:  map[string]any{"base_url": gitURL, "branches": branches},
	})
}

// AgentResults collects the agent_results reported by every spawn_engineers call of a session.
func AgentResults(out *session.Outcome) []map[string]any {
	if out == nil || out.State == nil {
		return nil
	}
	spawnCalls := map[string]bool{}
	var results []map[string]any
	for _, msg := range out.State.Messages {
		for _, call := range msg.ToolCalls {
			if call.Name == tools.ToolSpawnEngineers {
				spawnCalls[call.ID] = true
			}
		}
		for _, res := range msg.ToolResults {
			if !spawnCalls[res.ToolCallID] {
				continue
			}
			var payload struct {
				AgentResults []map[string]any `json:"agent_results"`
			}
			if err := json.Unmarshal([]byte(res.Content), &payload); err == nil {
				results = append(results, payload.AgentResults...)
			}
		}
	}
	return results
}
