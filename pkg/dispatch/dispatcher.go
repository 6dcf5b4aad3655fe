package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"agentcoder/pkg/config"
	"agentcoder/pkg/exec"
	"agentcoder/pkg/logx"
	"agentcoder/pkg/utils"
)

// Job outcomes reported to Metrics.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeDegraded = "degraded"
)

// Metrics receives dispatcher events. pkg/metrics provides the Prometheus implementation.
type Metrics interface {
	JobLaunched()
	JobCompleted(outcome string)
	CleanupFailed(kind string)
	ObserveRun(elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) JobLaunched()             {}
func (nopMetrics) JobCompleted(string)      {}
func (nopMetrics) CleanupFailed(string)     {}
func (nopMetrics) ObserveRun(time.Duration) {}

// Handle pairs a job with the container and volume allocated for it.
type Handle struct {
	launchErr error
	Job       Job
	ID        string // empty until the container started
	Volume    string
	gone      bool
	done      bool
}

// Dispatcher runs job batches against a container runtime. Safe for sequential reuse; each RunJobs
// call owns the handles it creates.
type Dispatcher struct {
	runtime  exec.Runtime
	registry *exec.ContainerRegistry
	metrics  Metrics
	getenv   func(string) string
	logger   *logx.Logger
	cfg      config.DispatcherConfig
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRegistry records every container in a process-wide registry as well.
func WithRegistry(r *exec.ContainerRegistry) Option {
	return func(d *Dispatcher) { d.registry = r }
}

// WithGetenv replaces the environment lookup used for pass-through variables.
func WithGetenv(getenv func(string) string) Option {
	return func(d *Dispatcher) { d.getenv = getenv }
}

// New creates a dispatcher. Zero config fields take their defaults.
func New(runtime exec.Runtime, cfg config.DispatcherConfig, opts ...Option) *Dispatcher {
	def := config.Default().Dispatcher
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = def.CollectTimeout
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = def.TimeBudget
	}
	if cfg.VolumePrefix == "" {
		cfg.VolumePrefix = def.VolumePrefix
	}

	d := &Dispatcher{
		runtime: runtime,
		metrics: nopMetrics{},
		logger:  logx.NewLogger("dispatch"),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.getenv = getenvDefault(d.getenv)
	return d
}

// RunJobs launches every job, waits for them, and returns exactly one result per job in job order.
// Every container and volume created during the call is removed before it returns. A panic or a
// failure of the wait loop itself yields an empty slice.
func (d *Dispatcher) RunJobs(ctx context.Context, jobs []Job) (results []JobResult) {
	started := time.Now()
	runID := uuid.NewString()[:8]
	handles := make([]*Handle, 0, len(jobs))

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Run %s aborted: %v", runID, r)
			results = []JobResult{}
		}
		d.cleanup(ctx, handles)
		d.metrics.ObserveRun(time.Since(started))
	}()

	if len(jobs) == 0 {
		return []JobResult{}
	}
	d.logger.Info("Run %s: launching %d jobs with image %s", runID, len(jobs), d.cfg.Image)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if d.cfg.Stagger > 0 {
		limiter = rate.NewLimiter(rate.Every(d.cfg.Stagger), 1)
	}
	for i, job := range jobs {
		if job.Name == "" {
			job.Name = fmt.Sprintf("job-%d", i+1)
		}
		h := &Handle{Job: job}
		handles = append(handles, h)
		if err := limiter.Wait(ctx); err != nil {
			h.launchErr = fmt.Errorf("launch cancelled: %w", err)
			continue
		}
		d.launch(ctx, runID, i, h)
	}

	ceiling, err := d.wait(ctx, handles)
	if err != nil {
		d.logger.Error("Run %s: waiting for jobs failed: %v", runID, err)
		return []JobResult{}
	}

	results = make([]JobResult, 0, len(handles))
	for _, h := range handles {
		res := d.collect(ctx, h, ceiling)
		switch {
		case h.launchErr != nil:
			d.metrics.JobCompleted(OutcomeFailed)
		case res.OK():
			d.metrics.JobCompleted(OutcomeOK)
		default:
			d.metrics.JobCompleted(OutcomeDegraded)
		}
		results = append(results, res)
	}
	d.logger.Info("Run %s: %d jobs finished in %s", runID, len(results), time.Since(started).Round(time.Second))
	return results
}

// launch allocates the volume and starts the container without waiting for it.
func (d *Dispatcher) launch(ctx context.Context, runID string, index int, h *Handle) {
	base := utils.SanitizeIdentifier(fmt.Sprintf("%s-%s-%d", d.cfg.VolumePrefix, runID, index+1))

	vol, err := d.runtime.CreateVolume(ctx, base)
	if err != nil {
		h.launchErr = fmt.Errorf("create volume: %w", err)
		d.logger.Error("Job %s: %v", h.Job.Name, h.launchErr)
		return
	}
	h.Volume = vol

	env, err := jobEnv(h.Job, d.cfg.TimeBudget, d.cfg.ExtraEnv, d.getenv)
	if err != nil {
		h.launchErr = err
		return
	}
	id, err := d.runtime.Run(ctx, exec.RunSpec{
		Name:        base,
		Image:       d.cfg.Image,
		Env:         env,
		MemoryLimit: d.cfg.MemoryLimit,
		CPUQuota:    d.cfg.CPUQuota,
		Volumes:     map[string]string{vol: workspaceMount},
		Labels:      map[string]string{labelJob: h.Job.Name, labelDispatchRun: runID},
	})
	if err != nil {
		h.launchErr = fmt.Errorf("start container: %w", err)
		d.logger.Error("Job %s: %v", h.Job.Name, h.launchErr)
		return
	}
	h.ID = id
	if d.registry != nil {
		d.registry.Register(h.Job.Name, id, vol)
	}
	d.metrics.JobLaunched()
	d.logger.Info("Job %s started in container %s", h.Job.Name, id)
}

// maxStatusFailureRounds is how many consecutive poll rounds may fail for every outstanding handle
// before the runtime is treated as unreachable.
const maxStatusFailureRounds = 3

// wait polls until no handle is active. It reports whether the wait ceiling ended the loop. It
// returns an error when the context is cancelled or when every status check failed for
// maxStatusFailureRounds rounds in a row.
func (d *Dispatcher) wait(ctx context.Context, handles []*Handle) (bool, error) {
	var deadline time.Time
	if d.cfg.MaxWait > 0 {
		deadline = time.Now().Add(d.cfg.MaxWait)
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	failedRounds := 0
	for {
		active, checked, failed := 0, 0, 0
		var lastErr error
		for _, h := range handles {
			if h.ID == "" || h.gone || h.done {
				continue
			}
			checked++
			state, err := d.runtime.Get(ctx, h.ID)
			switch {
			case errors.Is(err, exec.ErrNotFound):
				h.gone = true
			case err != nil:
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				d.logger.Warn("Job %s: status check failed: %v", h.Job.Name, err)
				failed++
				lastErr = err
				active++
			case state.Active():
				active++
			default:
				h.done = true
			}
		}
		if active == 0 {
			return false, nil
		}
		if failed == checked {
			failedRounds++
			if failedRounds >= maxStatusFailureRounds {
				return false, fmt.Errorf("container runtime unreachable after %d status rounds: %w", failedRounds, lastErr)
			}
		} else {
			failedRounds = 0
		}
		logx.Debug(ctx, "dispatch", "%d jobs still running", active)
		if !deadline.IsZero() && time.Now().After(deadline) {
			d.logger.Warn("%d jobs still running after %s, giving up on them", active, d.cfg.MaxWait)
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// collect waits a bounded time for the handle to finish and turns its output into a result.
func (d *Dispatcher) collect(ctx context.Context, h *Handle, ceiling bool) JobResult {
	if h.launchErr != nil {
		return degraded(h.ID, h.Job.Name, nil, "failed to launch: %v", h.launchErr)
	}
	if h.gone {
		return degraded(h.ID, h.Job.Name, nil, "container vanished before its result could be collected")
	}

	if !h.done {
		finished, err := d.awaitFinish(ctx, h)
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return degraded(h.ID, h.Job.Name, nil, "container vanished before its result could be collected")
		case err != nil:
			return degraded(h.ID, h.Job.Name, nil, "waiting for job: %v", err)
		case !finished && ceiling:
			return degraded(h.ID, h.Job.Name, nil, "job exceeded dispatcher wait ceiling")
		case !finished:
			return degraded(h.ID, h.Job.Name, nil, "job did not finish within %s", d.cfg.CollectTimeout)
		}
	}

	out, err := d.runtime.Logs(ctx, h.ID)
	if errors.Is(err, exec.ErrNotFound) {
		return degraded(h.ID, h.Job.Name, nil, "container vanished before its result could be collected")
	}
	if err != nil {
		return degraded(h.ID, h.Job.Name, nil, "reading job output: %v", err)
	}
	res := parseOutput(h.ID, h.Job.Name, out)
	if res.Error != nil {
		d.logger.Warn("Job %s: %s", h.Job.Name, *res.Error)
	}
	return res
}

func (d *Dispatcher) awaitFinish(ctx context.Context, h *Handle) (bool, error) {
	interval := min(d.cfg.PollInterval, time.Second)
	deadline := time.Now().Add(d.cfg.CollectTimeout)
	for {
		state, err := d.runtime.Get(ctx, h.ID)
		if err != nil {
			return false, err
		}
		if state.Finished() {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// cleanup removes every container and volume in handles. It runs detached from ctx cancellation so
// an aborted run still releases its resources.
func (d *Dispatcher) cleanup(ctx context.Context, handles []*Handle) {
	if len(handles) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	for _, h := range handles {
		volumes := map[string]bool{}
		if h.Volume != "" {
			volumes[h.Volume] = true
		}
		if h.ID != "" {
			attached, err := d.runtime.Volumes(ctx, h.ID)
			if err != nil && !errors.Is(err, exec.ErrNotFound) {
				d.logger.Warn("Job %s: listing volumes failed: %v", h.Job.Name, err)
			}
			for _, v := range attached {
				volumes[v] = true
			}
			if err := d.runtime.Remove(ctx, h.ID, true); err != nil && !errors.Is(err, exec.ErrNotFound) {
				d.logger.Error("Job %s: removing container %s failed: %v", h.Job.Name, h.ID, err)
				d.metrics.CleanupFailed("container")
			}
			if d.registry != nil {
				d.registry.Unregister(h.ID)
			}
		}
		for v := range volumes {
			if err := d.runtime.RemoveVolume(ctx, v, true); err != nil && !errors.Is(err, exec.ErrNotFound) {
				d.logger.Error("Job %s: removing volume %s failed: %v", h.Job.Name, v, err)
				d.metrics.CleanupFailed("volume")
			}
		}
	}
	d.logger.Debug("Cleaned up %d handles", len(handles))
}
