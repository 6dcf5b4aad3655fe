// Package metrics owns the process-wide Prometheus registry and the collectors fed by sessions,
// the container dispatcher, the retry wrapper and LLM calls.
package metrics

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	llmmetrics "agentcoder/pkg/agent/middleware/metrics"
)

// Registry holds every collector. It satisfies dispatch.Metrics and session.Metrics.
//
//nolint:govet // fieldalignment: grouped by subsystem
type Registry struct {
	reg *prometheus.Registry
	llm *llmmetrics.PrometheusRecorder

	jobsLaunched    prometheus.Counter
	jobsCompleted   *prometheus.CounterVec
	cleanupFailures *prometheus.CounterVec
	jobDuration     prometheus.Histogram

	sessionSteps    *prometheus.HistogramVec
	sessionsTotal   *prometheus.CounterVec
	sessionStepTime *prometheus.HistogramVec

	retriesTotal *prometheus.CounterVec
}

// New creates a registry with Go runtime collectors and every agentcoder collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		llm: llmmetrics.NewPrometheusRecorder(reg),

		jobsLaunched: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_launched_total",
			Help: "Containers started by the job dispatcher",
		}),
		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_completed_total",
			Help: "Dispatched jobs by outcome",
		}, []string{"outcome"}),
		cleanupFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_cleanup_failures_total",
			Help: "Stop or remove failures during container cleanup",
		}, []string{"kind"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_run_duration_seconds",
			Help:    "Wall time of a RunJobs call",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		sessionSteps: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "session_steps",
			Help:    "Graph nodes visited per session",
			Buckets: []float64{2, 4, 8, 16, 32, 64, 128, 200},
		}, []string{"outcome"}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_total",
			Help: "Finished sessions by outcome",
		}, []string{"outcome"}),
		sessionStepTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "session_step_duration_seconds",
			Help:    "Time spent in each session phase",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Backoffs taken by the retry wrapper",
		}, []string{"operation"}),
	}
}

// LLM returns the recorder for the LLM metrics middleware.
func (r *Registry) LLM() llmmetrics.Recorder { return r.llm }

// Gatherer exposes the registry for promhttp or testutil.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// JobLaunched counts a started container.
func (r *Registry) JobLaunched() { r.jobsLaunched.Inc() }

// JobCompleted counts a settled job.
func (r *Registry) JobCompleted(outcome string) { r.jobsCompleted.WithLabelValues(outcome).Inc() }

// CleanupFailed counts a failed stop or remove.
func (r *Registry) CleanupFailed(kind string) { r.cleanupFailures.WithLabelValues(kind).Inc() }

// ObserveRun records the duration of a dispatch batch.
func (r *Registry) ObserveRun(elapsed time.Duration) { r.jobDuration.Observe(elapsed.Seconds()) }

// ObserveStep records time spent in one session phase.
func (r *Registry) ObserveStep(phase string, elapsed time.Duration) {
	r.sessionStepTime.WithLabelValues(phase).Observe(elapsed.Seconds())
}

// ObserveSession records a finished session.
func (r *Registry) ObserveSession(outcome string, steps int) {
	r.sessionsTotal.WithLabelValues(outcome).Inc()
	r.sessionSteps.WithLabelValues(outcome).Observe(float64(steps))
}

// OnRetry returns a hook for retry.Policy.OnRetry that counts backoffs for operation and, when
// model is set, also feeds the LLM throttle counter.
func (r *Registry) OnRetry(operation, model string) func(attempt int, delay time.Duration, err error) {
	return func(int, time.Duration, error) {
		r.retriesTotal.WithLabelValues(operation).Inc()
		if model != "" {
			r.llm.IncThrottle(model, "throttling")
		}
	}
}

// WriteText writes every gathered family in the Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Dump writes the text exposition to path, creating parent directories.
func (r *Registry) Dump(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics dump: %w", err)
	}
	if err := r.WriteText(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metrics dump: %w", err)
	}
	return nil
}
