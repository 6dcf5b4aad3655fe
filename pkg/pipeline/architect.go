// Package pipeline runs the agent stages that turn a planned project into branches: the architect
// stage scaffolds one branch per ownership scope and the resolver integrates engineer branches.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"agentcoder/pkg/agent/answer"
	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/middleware/resilience/retry"
	"agentcoder/pkg/agent/session"
	"agentcoder/pkg/logx"
	"agentcoder/pkg/scope"
	"agentcoder/pkg/templates"
	"agentcoder/pkg/tools"
)

// Architect stage limits.
const (
	ArchitectRetryAttempts  = 7
	ArchitectRetryBaseDelay = 600 * time.Millisecond
	ArchitectMaxSteps       = 200
)

// ArchitectAnswerFields are the keys every architect answer carries.
//
//nolint:gochecknoglobals // answer shape
var ArchitectAnswerFields = []string{"project_dir", "branch_name", "base_url", "branch_url"}

const architectPrompt = "Here is the project plan. Initialize the project based on it."

// SessionFactory builds the session that runs one scope.
type SessionFactory func(s scope.Scope) (*session.Session, error)

// ArchitectInput is the plan handed to the architect stage.
//
//nolint:govet // fieldalignment: grouped by meaning
type ArchitectInput struct {
	ProjectName string
	GitURL      string
	// Specs holds the spec items of each scope. Scopes without items are skipped.
	Specs map[scope.Scope][]map[string]any
	// DirectoryTree is the planned manifest; each scope sees only its own entries.
	DirectoryTree []string
	DevRules      map[scope.Scope]string
}

// ArchitectResult is the outcome of both scoped sessions.
//
//nolint:govet // fieldalignment: grouped by meaning
type ArchitectResult struct {
	Branches map[scope.Scope]string
	Answers  map[scope.Scope]map[string]any
	Outcomes map[scope.Scope]*session.Outcome
	// Messages concatenates the conversations in FE, BE order.
	Messages []llm.Message
}

// ArchitectStage runs the FE and BE architect sessions concurrently.
type ArchitectStage struct {
	newSession SessionFactory
	renderer   *templates.Renderer
	policy     *retry.Policy
	logger     *logx.Logger
}

// StageOption configures an ArchitectStage.
type StageOption func(*ArchitectStage)

// WithRetryPolicy replaces the default session retry policy.
func WithRetryPolicy(p *retry.Policy) StageOption {
	return func(a *ArchitectStage) { a.policy = p }
}

// NewArchitectStage creates the stage. Each session is retried as a whole on throttling, seven
// attempts from a 600ms base delay.
func NewArchitectStage(newSession SessionFactory, opts ...StageOption) (*ArchitectStage, error) {
	if newSession == nil {
		return nil, fmt.Errorf("architect stage requires a session factory")
	}
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, err
	}
	a := &ArchitectStage{
		newSession: newSession,
		renderer:   renderer,
		policy:     retry.NewPolicy(ArchitectRetryAttempts, ArchitectRetryBaseDelay),
		logger:     logx.NewLogger("architect"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.policy.Logger == nil {
		a.policy.Logger = a.logger
	}
	return a, nil
}

type scopedRun struct {
	scope  scope.Scope
	branch string
	task   session.Task
}

// Run scaffolds a branch per scope. Both sessions run to completion; if either fails the stage
// fails and no partial result is returned.
func (a *ArchitectStage) Run(ctx context.Context, in *ArchitectInput) (*ArchitectResult, error) {
	var plan []scopedRun
	for _, s := range []scope.Scope{scope.Frontend, scope.Backend} {
		specs := in.Specs[s]
		if len(specs) == 0 {
			continue
		}
		run, err := a.prepare(s, specs, in)
		if err != nil {
			return nil, err
		}
		plan = append(plan, run)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("project %q has no frontend or backend specs", in.ProjectName)
	}

	runners := make([]session.Runner, len(plan))
	for i := range plan {
		run := plan[i]
		sess, err := a.newSession(run.scope)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s architect session: %w", run.scope, err)
		}
		runners[i] = func(ctx context.Context) (*session.Outcome, error) {
			a.logger.Info("Starting %s architect on branch %s", run.scope, run.branch)
			return retry.Do(ctx, a.policy, func(ctx context.Context) (*session.Outcome, error) {
				return sess.Run(ctx, run.task)
			})
		}
	}

	outcomes, err := session.RunAll(ctx, runners...)
	if err != nil {
		return nil, fmt.Errorf("architect stage failed: %w", err)
	}

	res := &ArchitectResult{
		Branches: make(map[scope.Scope]string, len(plan)),
		Answers:  make(map[scope.Scope]map[string]any, len(plan)),
		Outcomes: make(map[scope.Scope]*session.Outcome, len(plan)),
	}
	defaults := answer.Defaults(ArchitectAnswerFields...)
	for i, run := range plan {
		out := outcomes[i]
		res.Branches[run.scope] = run.branch
		res.Outcomes[run.scope] = out
		res.Answers[run.scope] = answer.OrDefault(out.Answer, true, defaults)
		if out.State != nil {
			res.Messages = append(res.Messages, out.State.Messages...)
		}
		a.logger.Info("%s architect finished in %d steps (answer found: %v)", run.scope, out.Steps(), out.Found)
	}
	return res, nil
}

func (a *ArchitectStage) prepare(s scope.Scope, specs []map[string]any, in *ArchitectInput) (scopedRun, error) {
	branch, err := scope.BranchName(in.ProjectName, s)
	if err != nil {
		return scopedRun{}, err
	}
	system, err := a.renderer.Render(templates.ArchitectTemplate, &templates.TemplateData{
		ProjectName:     in.ProjectName,
		Scope:           string(s),
		ScopeLabel:      s.Marker(),
		BranchName:      branch,
		GitURL:          in.GitURL,
		DevRules:        in.DevRules[s],
		ShellTool:       tools.ToolShell,
		FinalAnswerTool: tools.ToolFinalAnswer,
	})
	if err != nil {
		return scopedRun{}, err
	}

	input := map[string]any{
		"project_name": in.ProjectName,
		"owner":        string(s),
		"branch_name":  branch,
		"git_url":      in.GitURL,
		"spec":         specs,
	}
	if len(in.DirectoryTree) > 0 {
		tree, err := scope.FilterTree(in.DirectoryTree, s)
		if err != nil {
			return scopedRun{}, err
		}
		input["directory_tree"] = tree
	}
	return scopedRun{
		scope:  s,
		branch: branch,
		task:   session.Task{System: system, Prompt: architectPrompt, Input: input},
	}, nil
}

// ArchitectTools binds the tools an architect session may call, with shell commands run in workDir.
func ArchitectTools(workDir string) (*tools.Registry, error) {
	fields := append([]string{"owner", "description"}, ArchitectAnswerFields...)
	return tools.NewRegistry(
		tools.NewShellTool(workDir, 0),
		tools.NewFinalAnswerTool(fields...),
		tools.HumanAssistanceTool{},
	)
}
