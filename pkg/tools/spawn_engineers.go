package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/dispatch"
	"agentcoder/pkg/logx"
)

// JobRunner runs a batch of jobs. *dispatch.Dispatcher implements it.
type JobRunner interface {
	RunJobs(ctx context.Context, jobs []dispatch.Job) []dispatch.JobResult
}

// TokenSource mints the short-lived repository credential injected into each job.
type TokenSource func(ctx context.Context) (string, error)

// SpawnEngineersTool fans grouped specs out to one container job per group.
type SpawnEngineersTool struct {
	runner       JobRunner
	tokens       TokenSource
	logger       *logx.Logger
	model        string
	systemPrompt string
	timeBudget   time.Duration
}

// SpawnOption configures SpawnEngineersTool.
type SpawnOption func(*SpawnEngineersTool)

// WithTokenSource sets the credential source. Without one, jobs get no token.
func WithTokenSource(ts TokenSource) SpawnOption {
	return func(s *SpawnEngineersTool) { s.tokens = ts }
}

// WithJobSystemPrompt sets the system prompt passed to each job.
func WithJobSystemPrompt(prompt string) SpawnOption {
	return func(s *SpawnEngineersTool) { s.systemPrompt = prompt }
}

// WithJobTimeBudget overrides the dispatcher's default per-job budget.
func WithJobTimeBudget(d time.Duration) SpawnOption {
	return func(s *SpawnEngineersTool) { s.timeBudget = d }
}

// NewSpawnEngineersTool creates the tool. model is the identifier jobs run with.
func NewSpawnEngineersTool(runner JobRunner, model string, opts ...SpawnOption) *SpawnEngineersTool {
	s := &SpawnEngineersTool{runner: runner, model: model, logger: logx.NewLogger("spawn")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SpawnEngineersTool) Name() string { return ToolSpawnEngineers }

func (s *SpawnEngineersTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: ToolSpawnEngineers,
		Description: "Spawn a container for each group of specs. Each container implements its group on the given " +
			"branch. Returns agent_results: one entry per group with container_id, code, cost_usd, error and log.",
		InputSchema: llm.InputSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"base_url":    {Type: "string", Description: "The base URL of the repository."},
				"branch_name": {Type: "string", Description: "The branch the engineers work on."},
				"specs_list": {
					Type:        "array",
					Description: "Grouped specs; each group is a list of {title, description} objects.",
					Items:       &llm.Property{Type: "array"},
				},
			},
			Required: []string{"base_url", "branch_name", "specs_list"},
		},
	}
}

// Exec runs the jobs. Failures before dispatch are logged and reported as an empty result list so the
// session can continue.
func (s *SpawnEngineersTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	results, err := s.spawn(ctx, args)
	if err != nil {
		s.logger.Error("spawn_engineers failed: %v", err)
		results = []dispatch.JobResult{}
	}
	data, err := json.Marshal(map[string]any{"agent_results": results})
	if err != nil {
		return nil, fmt.Errorf("encode agent results: %w", err)
	}
	return &ExecResult{Content: string(data)}, nil
}

func (s *SpawnEngineersTool) spawn(ctx context.Context, args map[string]any) ([]dispatch.JobResult, error) {
	baseURL, err := stringArg(args, "base_url")
	if err != nil {
		return nil, err
	}
	branch, err := stringArg(args, "branch_name")
	if err != nil {
		return nil, err
	}
	groups, ok := args["specs_list"].([]any)
	if !ok {
		return nil, fmt.Errorf("specs_list must be a list of groups")
	}

	var token string
	if s.tokens != nil {
		if token, err = s.tokens(ctx); err != nil {
			return nil, fmt.Errorf("mint repository token: %w", err)
		}
	}

	jobs := make([]dispatch.Job, 0, len(groups))
	for i, group := range groups {
		payload, ok := group.(map[string]any)
		if !ok {
			payload = map[string]any{"atomic_specs": group}
		}
		jobs = append(jobs, dispatch.Job{
			Name:         fmt.Sprintf("%s-group-%d", branch, i+1),
			Payload:      payload,
			RepoURL:      baseURL,
			Branch:       branch,
			Model:        s.model,
			SystemPrompt: s.systemPrompt,
			Credentials:  token,
			TimeBudget:   s.timeBudget,
		})
	}
	s.logger.Info("Spawning %d engineers on %s", len(jobs), branch)
	return s.runner.RunJobs(ctx, jobs), nil
}
