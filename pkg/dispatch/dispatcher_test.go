package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/internal/mocks"
	"agentcoder/pkg/config"
	"agentcoder/pkg/exec"
)

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		Image:          "se-agent:test",
		PollInterval:   time.Millisecond,
		CollectTimeout: 20 * time.Millisecond,
		TimeBudget:     90 * time.Second,
	}
}

func jobs(names ...string) []Job {
	out := make([]Job, 0, len(names))
	for _, n := range names {
		out = append(out, Job{
			Name:        n,
			RepoURL:     "https://github.com/acme/app.git",
			Branch:      "app_FE",
			Model:       "claude-sonnet-4",
			Credentials: "ghs_token",
			Payload:     map[string]any{"group": n, "atomic_specs": []any{"a", "b"}},
		})
	}
	return out
}

type countingMetrics struct {
	outcomes map[string]int
	launched int
	cleanup  int
	runs     int
	mu       sync.Mutex
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{outcomes: map[string]int{}}
}

func (c *countingMetrics) JobLaunched() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launched++
}

func (c *countingMetrics) JobCompleted(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

func (c *countingMetrics) CleanupFailed(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup++
}

func (c *countingMetrics) ObserveRun(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
}

func assertNoLeaks(t *testing.T, rt *mocks.MockRuntime) {
	t.Helper()
	assert.Empty(t, rt.LiveContainers(), "containers leaked")
	assert.Empty(t, rt.LiveVolumes(), "volumes leaked")
}

func TestRunJobsCollectsResults(t *testing.T) {
	rt := mocks.NewMockRuntime()
	rt.SetOutput("fe", "cloning...\nworking\n{\"code\": \"diff --git a b\", \"cost\": 0.42, \"error\": null}\n\n")
	rt.SetOutput("be", "{\"code\": \"ok\", \"cost\": \"$1.5\"}")
	m := newCountingMetrics()

	d := New(rt, testConfig(), WithMetrics(m), WithGetenv(func(string) string { return "" }))
	results := d.RunJobs(context.Background(), jobs("fe", "be"))

	require.Len(t, results, 2)
	assert.Equal(t, "fe", results[0].Job)
	require.NotNil(t, results[0].Code)
	assert.Equal(t, "diff --git a b", *results[0].Code)
	assert.InDelta(t, 0.42, *results[0].Cost, 1e-9)
	assert.Nil(t, results[0].Error)
	assert.Equal(t, []string{"cloning...", "working", `{"code": "diff --git a b", "cost": 0.42, "error": null}`}, results[0].Log)
	assert.NotEmpty(t, results[0].HandleID)

	assert.InDelta(t, 1.5, *results[1].Cost, 1e-9)
	assert.True(t, results[1].OK())

	assertNoLeaks(t, rt)
	assert.Equal(t, 2, m.launched)
	assert.Equal(t, 2, m.outcomes[OutcomeOK])
	assert.Equal(t, 1, m.runs)
}

func TestRunJobsInjectsEnvironment(t *testing.T) {
	rt := mocks.NewMockRuntime()
	rt.SetOutput("fe", `{"code":"x"}`)
	cfg := testConfig()
	cfg.ExtraEnv = map[string]string{"BRANCH_NAME": "ignored", "EXTRA": "1"}
	cfg.MemoryLimit = "2g"
	cfg.CPUQuota = 50000

	d := New(rt, cfg, WithGetenv(func(k string) string {
		if k == EnvRegion {
			return "us-west-2"
		}
		return ""
	}))
	d.RunJobs(context.Background(), jobs("fe"))

	require.Len(t, rt.RunSpecs, 1)
	spec := rt.RunSpecs[0]
	assert.Equal(t, "se-agent:test", spec.Image)
	assert.Equal(t, "2g", spec.MemoryLimit)
	assert.Equal(t, int64(50000), spec.CPUQuota)
	assert.Equal(t, "https://github.com/acme/app.git", spec.Env[EnvRepoURL])
	assert.Equal(t, "app_FE", spec.Env[EnvBranch])
	assert.Equal(t, "claude-sonnet-4", spec.Env[EnvModel])
	assert.Equal(t, "ghs_token", spec.Env[EnvToken])
	assert.Equal(t, "fe", spec.Env[EnvJobName])
	assert.Equal(t, "90", spec.Env[EnvTimeBudget])
	assert.Equal(t, "90", spec.Env[EnvTimeOut])
	assert.Equal(t, "us-west-2", spec.Env[EnvRegion])
	assert.Equal(t, "1", spec.Env["EXTRA"])
	assert.JSONEq(t, `{"group":"fe","atomic_specs":["a","b"]}`, spec.Env[EnvPayload])
	assert.Equal(t, spec.Env[EnvPayload], spec.Env[EnvUserInput])
	require.Len(t, spec.Volumes, 1)
	for vol, mount := range spec.Volumes {
		assert.Contains(t, vol, "agentcoder-job-")
		assert.Equal(t, "/workspace", mount)
	}
}

func TestRunJobsAlwaysReturnsOneResultPerJob(t *testing.T) {
	rt := mocks.NewMockRuntime()
	rt.SetOutput("ok", `{"code":"fine"}`)
	rt.SetOutput("garbled", "Traceback (most recent call last):\n  boom")
	rt.FailRun("nolaunch", errors.New("image not found"))
	rt.NeverFinish("slow")
	rt.Vanish("reaped")
	rt.SetOutput("silent", "")
	m := newCountingMetrics()
	cfg := testConfig()
	cfg.MaxWait = 10 * time.Millisecond

	d := New(rt, cfg, WithMetrics(m))
	results := d.RunJobs(context.Background(), jobs("ok", "garbled", "nolaunch", "slow", "reaped", "silent"))

	require.Len(t, results, 6)
	byJob := map[string]JobResult{}
	for _, r := range results {
		byJob[r.Job] = r
	}

	assert.True(t, byJob["ok"].OK())

	require.NotNil(t, byJob["garbled"].Error)
	assert.Contains(t, *byJob["garbled"].Error, "could not parse job result")
	assert.Nil(t, byJob["garbled"].Code)
	assert.Nil(t, byJob["garbled"].Cost)
	assert.Equal(t, []string{"Traceback (most recent call last):", "  boom"}, byJob["garbled"].Log)

	require.NotNil(t, byJob["nolaunch"].Error)
	assert.Contains(t, *byJob["nolaunch"].Error, "image not found")

	require.NotNil(t, byJob["slow"].Error)
	assert.Contains(t, *byJob["slow"].Error, "wait ceiling")

	require.NotNil(t, byJob["reaped"].Error)
	assert.Contains(t, *byJob["reaped"].Error, "vanished")

	require.NotNil(t, byJob["silent"].Error)
	assert.Equal(t, "job produced no output", *byJob["silent"].Error)

	assertNoLeaks(t, rt)
	assert.Equal(t, 1, m.outcomes[OutcomeOK])
	assert.Equal(t, 1, m.outcomes[OutcomeFailed])
	assert.Equal(t, 4, m.outcomes[OutcomeDegraded])
}

func TestRunJobsWaitCeiling(t *testing.T) {
	rt := mocks.NewMockRuntime()
	rt.NeverFinish("stuck")
	rt.SetOutput("quick", `{"code":"done"}`)
	cfg := testConfig()
	cfg.MaxWait = 5 * time.Millisecond

	results := New(rt, cfg).RunJobs(context.Background(), jobs("quick", "stuck"))

	require.Len(t, results, 2)
	assert.True(t, results[0].OK())
	require.NotNil(t, results[1].Error)
	assert.Equal(t, "job exceeded dispatcher wait ceiling", *results[1].Error)
	assertNoLeaks(t, rt)
}

func TestRunJobsPanicYieldsEmptyResultsAndCleansUp(t *testing.T) {
	rt := mocks.NewMockRuntime()
	calls := 0
	rt.RunFunc = func(_ context.Context, spec exec.RunSpec) (string, error) {
		calls++
		if calls == 2 {
			panic("runtime client exploded")
		}
		return "", fmt.Errorf("refused %s", spec.Name)
	}

	results := New(rt, testConfig()).RunJobs(context.Background(), jobs("a", "b", "c"))

	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Len(t, rt.CreatedVolumes, 2)
	assertNoLeaks(t, rt)
}

func TestRunJobsUnreachableRuntimeYieldsEmptyResultsAndCleansUp(t *testing.T) {
	rt := mocks.NewMockRuntime()
	var mu sync.Mutex
	checks := 0
	rt.GetFunc = func(context.Context, string) (exec.ContainerState, error) {
		mu.Lock()
		defer mu.Unlock()
		checks++
		return exec.ContainerState{}, errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock")
	}
	cfg := testConfig()
	cfg.MaxWait = 0

	done := make(chan []JobResult, 1)
	go func() { done <- New(rt, cfg).RunJobs(context.Background(), jobs("a", "b")) }()

	select {
	case results := <-done:
		assert.NotNil(t, results)
		assert.Empty(t, results)
	case <-time.After(5 * time.Second):
		t.Fatal("RunJobs kept polling an unreachable runtime")
	}
	mu.Lock()
	assert.Equal(t, 2*maxStatusFailureRounds, checks)
	mu.Unlock()
	assertNoLeaks(t, rt)
}

func TestRunJobsCancelledContextStillCleansUp(t *testing.T) {
	rt := mocks.NewMockRuntime()
	rt.NeverFinish("a")
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	results := New(rt, cfg).RunJobs(ctx, jobs("a"))

	assert.Empty(t, results)
	assert.Equal(t, 1, rt.RunCount())
	assertNoLeaks(t, rt)
}

func TestRunJobsReleasesRegistryEntries(t *testing.T) {
	rt := mocks.NewMockRuntime()
	rt.SetOutput("a", `{"code":"x"}`)
	reg := exec.NewContainerRegistry(nil)

	var during int
	rt.GetFunc = func(_ context.Context, id string) (exec.ContainerState, error) {
		during = reg.Count()
		return exec.ContainerState{ID: id, Status: exec.StatusExited}, nil
	}

	results := New(rt, testConfig(), WithRegistry(reg)).RunJobs(context.Background(), jobs("a"))

	require.Len(t, results, 1)
	assert.Equal(t, 1, during)
	assert.Equal(t, 0, reg.Count())
}

func TestRunJobsEmpty(t *testing.T) {
	rt := mocks.NewMockRuntime()
	results := New(rt, testConfig()).RunJobs(context.Background(), nil)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Zero(t, rt.RunCount())
}

func TestRunJobsStaggersLaunches(t *testing.T) {
	rt := mocks.NewMockRuntime()
	cfg := testConfig()
	cfg.Stagger = 15 * time.Millisecond

	start := time.Now()
	New(rt, cfg).RunJobs(context.Background(), jobs("a", "b", "c"))

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 3, rt.RunCount())
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr string
		code    string
	}{
		{name: "trailing json", output: "log\n{\"code\":\"c\"}\n", code: "c"},
		{name: "crlf", output: "log\r\n{\"code\":\"c\"}\r\n", code: "c"},
		{name: "reported error", output: `{"error":"tests failed"}`, wantErr: "tests failed"},
		{name: "scalar", output: "42", wantErr: "not a JSON object"},
		{name: "null", output: "null", wantErr: "not a JSON object"},
		{name: "bad cost", output: `{"code":"c","cost":"lots"}`, wantErr: "not a number"},
		{name: "truncated", output: `{"code":`, wantErr: "could not parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := parseOutput("h", "j", []byte(tt.output))
			if tt.wantErr != "" {
				require.NotNil(t, res.Error)
				assert.Contains(t, *res.Error, tt.wantErr)
				return
			}
			require.Nil(t, res.Error)
			require.NotNil(t, res.Code)
			assert.Equal(t, tt.code, *res.Code)
		})
	}
}
