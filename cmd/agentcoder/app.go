package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentcoder/pkg/agent"
	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/agent/middleware/resilience/retry"
	"agentcoder/pkg/agent/session"
	"agentcoder/pkg/config"
	"agentcoder/pkg/dispatch"
	"agentcoder/pkg/exec"
	"agentcoder/pkg/logx"
	"agentcoder/pkg/metrics"
	"agentcoder/pkg/persistence"
	"agentcoder/pkg/pipeline"
	"agentcoder/pkg/utils"
)

const cleanupTimeout = 2 * time.Minute

// app carries the per-invocation dependencies of a command.
type app struct {
	cfg     *config.Config
	metrics *metrics.Registry
	ledger  *persistence.Ledger
	logger  *logx.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: metrics.New(), logger: logx.NewLogger("agentcoder")}
	if cfg.Ledger.Path != "" {
		if a.ledger, err = persistence.Open(cfg.Ledger.Path); err != nil {
			a.logger.Warn("Run ledger disabled: %v", err)
		}
	}
	return a, nil
}

func (a *app) close() {
	path := metricsOut
	if path == "" && a.cfg.Metrics.Enabled {
		path = a.cfg.Metrics.DumpPath
	}
	if path != "" {
		if err := a.metrics.Dump(path); err != nil {
			a.logger.Error("Failed to write metrics: %v", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("%v", err)
		}
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) startRun(ctx context.Context, kind string) string {
	if a.ledger == nil {
		return ""
	}
	runID, err := a.ledger.StartRun(ctx, kind, a.cfg)
	if err != nil {
		a.logger.Warn("Failed to record run: %v", err)
		return ""
	}
	return runID
}

func (a *app) finishRun(runID string, err error) {
	if a.ledger == nil || runID == "" {
		return
	}
	status := persistence.RunStatusCompleted
	switch {
	case errors.Is(err, context.Canceled):
		status = persistence.RunStatusInterrupted
	case err != nil:
		status = persistence.RunStatusFailed
	}
	if ferr := a.ledger.FinishRun(context.Background(), runID, status); ferr != nil {
		a.logger.Warn("%v", ferr)
	}
}

func (a *app) recordSession(runID, name string, out *session.Outcome, runErr error) {
	if a.ledger == nil || runID == "" {
		return
	}
	rec := &persistence.SessionRecord{Name: name, Outcome: "answered"}
	if out != nil {
		rec.Steps = out.Steps()
		rec.AnswerFound = out.Found
		rec.Answer = out.Answer
		if out.State != nil {
			rec.SessionID = out.State.SessionID
		}
		if !out.Found {
			rec.Outcome = "defaulted"
		}
	}
	if runErr != nil {
		switch {
		case errors.Is(runErr, session.ErrStepLimitExceeded):
			rec.Outcome = "step_limit"
		case errors.Is(runErr, context.Canceled):
			rec.Outcome = "cancelled"
		default:
			rec.Outcome = "error"
		}
		rec.Error = runErr.Error()
	}
	if err := a.ledger.RecordSession(context.Background(), runID, rec); err != nil {
		a.logger.Warn("%v", err)
	}
}

func (a *app) recordJobs(runID string, results []dispatch.JobResult) {
	if a.ledger == nil || runID == "" || len(results) == 0 {
		return
	}
	if err := a.ledger.RecordJobResults(context.Background(), runID, results); err != nil {
		a.logger.Warn("%v", err)
	}
}

func (a *app) newClient(component string, guardEmpty bool) (llm.Client, error) {
	return agent.NewClient(a.cfg, agent.Options{
		Component:  component,
		Recorder:   a.metrics.LLM(),
		OnRetry:    a.metrics.OnRetry("llm", a.cfg.LLM.Model),
		GuardEmpty: guardEmpty,
		Logger:     logx.NewLogger(component),
	})
}

// newSession builds a session on a fresh client. maxSteps <= 0 uses the configured ceiling.
func (a *app) newSession(name string, tools session.ToolProvider, maxSteps int) (*session.Session, error) {
	client, err := a.newClient(name, false)
	if err != nil {
		return nil, err
	}
	counter, err := utils.NewTokenCounter(a.cfg.LLM.Model)
	if err != nil {
		a.logger.Warn("Token counting disabled: %v", err)
	}
	if maxSteps <= 0 {
		maxSteps = a.cfg.Session.MaxSteps
	}
	return session.New(session.Config{
		Client:      client,
		Tools:       tools,
		MaxSteps:    maxSteps,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Temperature: a.cfg.LLM.Temperature,
		Name:        name,
		Counter:     counter,
		Metrics:     a.metrics,
	})
}

// dispatcher connects to the container runtime. cleanup force-removes anything still registered,
// which only happens when a run was interrupted.
func (a *app) dispatcher(ctx context.Context) (d *dispatch.Dispatcher, cleanup func(), err error) {
	rt, err := exec.ConnectDocker(ctx, a.cfg.Dispatcher.Sockets)
	if err != nil {
		return nil, nil, fmt.Errorf("container runtime unavailable: %w", err)
	}
	registry := exec.NewContainerRegistry(logx.NewLogger("registry"))
	d = dispatch.New(rt, a.cfg.Dispatcher, dispatch.WithMetrics(a.metrics), dispatch.WithRegistry(registry))
	cleanup = func() {
		if registry.Count() == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := registry.CleanupAll(ctx, rt); err != nil {
			a.logger.Error("Cleanup incomplete: %v", err)
		}
	}
	return d, cleanup, nil
}

// retryPolicy is the whole-session retry policy of the architect stage, observed by the metrics
// registry under operation.
func (a *app) retryPolicy(operation string) *retry.Policy {
	p := retry.NewPolicy(pipeline.ArchitectRetryAttempts, pipeline.ArchitectRetryBaseDelay)
	p.MaxJitter = a.cfg.Retry.MaxJitter
	p.OnRetry = a.metrics.OnRetry(operation, a.cfg.LLM.Model)
	return p
}

// recordingRunner stores every dispatched batch in the run ledger.
type recordingRunner struct {
	runner *dispatch.Dispatcher
	app    *app
	runID  string
}

func (r *recordingRunner) RunJobs(ctx context.Context, jobs []dispatch.Job) []dispatch.JobResult {
	results := r.runner.RunJobs(ctx, jobs)
	r.app.recordJobs(r.runID, results)
	return results
}

func githubToken(context.Context) (string, error) {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token, nil
	}
	return "", errors.New("GITHUB_TOKEN is not set")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
