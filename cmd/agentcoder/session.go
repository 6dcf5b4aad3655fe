package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentcoder/pkg/agent/answer"
	"agentcoder/pkg/agent/session"
	"agentcoder/pkg/pipeline"
	"agentcoder/pkg/scope"
	"agentcoder/pkg/tools"
)

// projectPlan is the planning output consumed by the architect stage.
//
//nolint:govet // fieldalignment: mirrors the file layout
type projectPlan struct {
	ProjectName   string           `yaml:"project_name"`
	GitURL        string           `yaml:"git_url"`
	FESpec        []map[string]any `yaml:"fe_spec"`
	BESpec        []map[string]any `yaml:"be_spec"`
	DirectoryTree []string         `yaml:"directory_tree"`
	DevRules      struct {
		FE string `yaml:"fe"`
		BE string `yaml:"be"`
	} `yaml:"dev_rules"`
}

func loadPlan(path string) (*projectPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var p projectPlan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if p.ProjectName == "" {
		return nil, fmt.Errorf("plan %s has no project_name", path)
	}
	return &p, nil
}

func (p *projectPlan) specs() map[scope.Scope][]map[string]any {
	return map[scope.Scope][]map[string]any{scope.Frontend: p.FESpec, scope.Backend: p.BESpec}
}

func (p *projectPlan) architectInput() *pipeline.ArchitectInput {
	return &pipeline.ArchitectInput{
		ProjectName:   p.ProjectName,
		GitURL:        p.GitURL,
		Specs:         p.specs(),
		DirectoryTree: p.DirectoryTree,
		DevRules:      map[scope.Scope]string{scope.Frontend: p.DevRules.FE, scope.Backend: p.DevRules.BE},
	}
}

//nolint:gochecknoglobals // cobra command tree
var (
	planPath   string
	taskPath   string
	workDir    string
	scopeFlag  string
	branchFlag string
	gitURLFlag string

	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Run one agent session over a JSON task file",
		RunE:  runSingleSession,
	}
	architectCmd = &cobra.Command{
		Use:   "architect",
		Short: "Scaffold the frontend and backend branches of a plan",
		RunE:  runArchitect,
	}
	resolveCmd = &cobra.Command{
		Use:   "resolve",
		Short: "Merge every unmerged branch into a base branch",
		RunE:  runResolve,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run architect, engineer and resolver stages for a plan",
		RunE:  runPipeline,
	}
)

func init() {
	sessionCmd.Flags().StringVar(&taskPath, "task", "", "task file: {\"system\", \"prompt\", \"input\"}")
	sessionCmd.Flags().StringVar(&scopeFlag, "scope", "", "restrict the final answer to architect fields of this scope (FE or BE)")
	_ = sessionCmd.MarkFlagRequired("task")

	for _, cmd := range []*cobra.Command{architectCmd, runCmd} {
		cmd.Flags().StringVar(&planPath, "plan", "", "project plan (YAML)")
		_ = cmd.MarkFlagRequired("plan")
	}

	resolveCmd.Flags().StringVar(&branchFlag, "branch", "", "base branch to merge into")
	resolveCmd.Flags().StringVar(&gitURLFlag, "git-url", "", "repository URL")
	_ = resolveCmd.MarkFlagRequired("branch")

	for _, cmd := range []*cobra.Command{sessionCmd, architectCmd, resolveCmd, runCmd} {
		cmd.Flags().StringVar(&workDir, "workdir", "", "directory shell commands run in (default: current directory)")
		rootCmd.AddCommand(cmd)
	}
}

func runSingleSession(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(taskPath)
	if err != nil {
		return fmt.Errorf("failed to read task: %w", err)
	}
	var task struct {
		Input  map[string]any `json:"input"`
		System string         `json:"system"`
		Prompt string         `json:"prompt"`
	}
	if err := json.Unmarshal(data, &task); err != nil {
		return fmt.Errorf("failed to parse task %s: %w", taskPath, err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var (
		fields   []string
		defaults map[string]any
	)
	if scopeFlag != "" {
		if _, err := scope.ParseScope(scopeFlag); err != nil {
			return err
		}
		fields = pipeline.ArchitectAnswerFields
		defaults = answer.Defaults(fields...)
	}
	reg, err := tools.NewRegistry(tools.NewShellTool(workDir, 0), tools.NewFinalAnswerTool(fields...), tools.HumanAssistanceTool{})
	if err != nil {
		return err
	}
	client, err := a.newClient("session", false)
	if err != nil {
		return err
	}
	sess, err := session.New(session.Config{
		Client:    client,
		Tools:     reg,
		MaxSteps:  a.cfg.Session.MaxSteps,
		MaxTokens: a.cfg.LLM.MaxTokens,
		Defaults:  defaults,
		Name:      "session",
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}

	runID := a.startRun(ctx, "session")
	out, err := sess.Run(ctx, session.Task{Input: task.Input, System: task.System, Prompt: task.Prompt})
	a.recordSession(runID, "session", out, err)
	a.finishRun(runID, err)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{
		"session_id": out.State.SessionID,
		"steps":      out.Steps(),
		"found":      out.Found,
		"answer":     out.Answer,
	})
}

// architectFactory builds one architect session per scope, each with its own shell tool.
func (a *app) architectFactory(root string) pipeline.SessionFactory {
	return func(s scope.Scope) (*session.Session, error) {
		dir := root
		if dir != "" {
			dir = filepath.Join(root, s.Marker())
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create %s workspace: %w", s, err)
			}
		}
		reg, err := pipeline.ArchitectTools(dir)
		if err != nil {
			return nil, err
		}
		return a.newSession("architect-"+string(s), reg, pipeline.ArchitectMaxSteps)
	}
}

func (a *app) runArchitect(ctx context.Context, runID string, plan *projectPlan) (*pipeline.ArchitectResult, error) {
	stage, err := pipeline.NewArchitectStage(a.architectFactory(workDir),
		pipeline.WithRetryPolicy(a.retryPolicy("architect")))
	if err != nil {
		return nil, err
	}
	res, err := stage.Run(ctx, plan.architectInput())
	if res != nil {
		for s, out := range res.Outcomes {
			a.recordSession(runID, "architect-"+string(s), out, nil)
		}
	} else if err != nil {
		a.recordSession(runID, "architect", nil, err)
	}
	return res, err
}

func runArchitect(cmd *cobra.Command, _ []string) error {
	plan, err := loadPlan(planPath)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	runID := a.startRun(ctx, "architect")
	res, err := a.runArchitect(ctx, runID, plan)
	a.finishRun(runID, err)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res.Answers)
}

func (a *app) runResolver(ctx context.Context, runID, branch, gitURL string) (*pipeline.ResolverResult, error) {
	conflictClient, err := a.newClient("resolve_conflict", true)
	if err != nil {
		return nil, err
	}
	reg, err := pipeline.ResolverTools(workDir, conflictClient)
	if err != nil {
		return nil, err
	}
	sess, err := a.newSession("resolver", reg, 0)
	if err != nil {
		return nil, err
	}
	resolver, err := pipeline.NewResolver(sess)
	if err != nil {
		return nil, err
	}
	res, err := resolver.Run(ctx, branch, gitURL)
	var out *session.Outcome
	if res != nil {
		out = res.Outcome
	}
	a.recordSession(runID, "resolver-"+branch, out, err)
	return res, err
}

func runResolve(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	runID := a.startRun(ctx, "resolve")
	res, err := a.runResolver(ctx, runID, branchFlag, gitURLFlag)
	a.finishRun(runID, err)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"branch": branchFlag, "final_url": res.FinalURL})
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	plan, err := loadPlan(planPath)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	runID := a.startRun(ctx, "pipeline")
	summary, err := a.pipeline(ctx, runID, plan)
	a.finishRun(runID, err)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), summary)
}

func (a *app) pipeline(ctx context.Context, runID string, plan *projectPlan) (map[string]any, error) {
	arch, err := a.runArchitect(ctx, runID, plan)
	if err != nil {
		return nil, err
	}

	d, cleanup, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	recorder := &recordingRunner{runner: d, app: a, runID: runID}
	allocTools, err := pipeline.AllocatorTools(recorder, a.cfg.LLM.Model,
		tools.WithTokenSource(githubToken),
		tools.WithJobTimeBudget(a.cfg.Dispatcher.TimeBudget))
	if err != nil {
		return nil, err
	}
	allocSession, err := a.newSession("allocator", allocTools, 0)
	if err != nil {
		return nil, err
	}
	allocOut, err := pipeline.Allocate(ctx, allocSession, plan.GitURL, arch, plan.specs())
	a.recordSession(runID, "allocator", allocOut, err)
	if err != nil {
		return nil, err
	}

	finalURLs := map[string]string{}
	for _, s := range []scope.Scope{scope.Frontend, scope.Backend} {
		branch, ok := arch.Branches[s]
		if !ok {
			continue
		}
		res, err := a.runResolver(ctx, runID, branch, plan.GitURL)
		if err != nil {
			return nil, err
		}
		finalURLs[branch] = res.FinalURL
	}
	return map[string]any{
		"architect":     arch.Answers,
		"agent_results": pipeline.AgentResults(allocOut),
		"final_urls":    finalURLs,
	}, nil
}
