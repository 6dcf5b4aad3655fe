package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"agentcoder/pkg/exec"
)

type mockContainer struct {
	spec    exec.RunSpec
	id      string
	job     string
	status  string
	polls   int
	volumes []string
}

// MockRuntime implements exec.Runtime in memory. Containers are keyed to jobs through their JOB_NAME
// environment entry so tests can script per-job behaviour.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockRuntime struct {
	// RunFunc, when set, replaces the default Run behaviour.
	RunFunc func(ctx context.Context, spec exec.RunSpec) (string, error)
	// GetFunc, when set, replaces the default Get behaviour.
	GetFunc func(ctx context.Context, id string) (exec.ContainerState, error)

	// FinishAfter is the number of Get calls a container answers "running" before it exits.
	FinishAfter int

	CreatedContainers []string
	RemovedContainers []string
	CreatedVolumes    []string
	RemovedVolumes    []string
	RunSpecs          []exec.RunSpec

	containers map[string]*mockContainer
	volumes    map[string]bool
	outputs    map[string]string
	runErrs    map[string]error
	stuck      map[string]bool
	vanish     map[string]bool
	nextID     int

	mu sync.Mutex
}

// NewMockRuntime creates a runtime whose containers exit after one poll with empty output.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		FinishAfter: 1,
		containers:  make(map[string]*mockContainer),
		volumes:     make(map[string]bool),
		outputs:     make(map[string]string),
		runErrs:     make(map[string]error),
		stuck:       make(map[string]bool),
		vanish:      make(map[string]bool),
	}
}

// --- Configuration methods ---

// SetOutput sets the combined log output of the job's container.
func (m *MockRuntime) SetOutput(job, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[job] = output
}

// FailRun makes Run fail for the job.
func (m *MockRuntime) FailRun(job string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runErrs[job] = err
}

// NeverFinish keeps the job's container running forever.
func (m *MockRuntime) NeverFinish(job string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck[job] = true
}

// Vanish makes the job's container disappear right after it starts, as if reaped externally.
func (m *MockRuntime) Vanish(job string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vanish[job] = true
}

// --- exec.Runtime ---

// CreateVolume implements exec.Runtime.
func (m *MockRuntime) CreateVolume(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[name] = true
	m.CreatedVolumes = append(m.CreatedVolumes, name)
	return name, nil
}

// Run implements exec.Runtime.
func (m *MockRuntime) Run(ctx context.Context, spec exec.RunSpec) (string, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, spec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job := spec.Env["JOB_NAME"]
	m.RunSpecs = append(m.RunSpecs, spec)
	if err := m.runErrs[job]; err != nil {
		return "", err
	}

	m.nextID++
	id := fmt.Sprintf("mock-%04d", m.nextID)
	c := &mockContainer{spec: spec, id: id, job: job, status: exec.StatusRunning}
	for vol := range spec.Volumes {
		c.volumes = append(c.volumes, vol)
	}
	sort.Strings(c.volumes)
	m.CreatedContainers = append(m.CreatedContainers, id)
	if !m.vanish[job] {
		m.containers[id] = c
	}
	return id, nil
}

// Get implements exec.Runtime.
func (m *MockRuntime) Get(ctx context.Context, id string) (exec.ContainerState, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return exec.ContainerState{}, exec.ErrNotFound
	}
	c.polls++
	if c.status == exec.StatusRunning && !m.stuck[c.job] && c.polls > m.FinishAfter {
		c.status = exec.StatusExited
	}
	return exec.ContainerState{ID: id, Status: c.status}, nil
}

// Logs implements exec.Runtime.
func (m *MockRuntime) Logs(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, exec.ErrNotFound
	}
	return []byte(m.outputs[c.job]), nil
}

// Volumes implements exec.Runtime.
func (m *MockRuntime) Volumes(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, exec.ErrNotFound
	}
	return append([]string(nil), c.volumes...), nil
}

// Remove implements exec.Runtime.
func (m *MockRuntime) Remove(_ context.Context, id string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; !ok {
		return exec.ErrNotFound
	}
	delete(m.containers, id)
	m.RemovedContainers = append(m.RemovedContainers, id)
	return nil
}

// RemoveVolume implements exec.Runtime.
func (m *MockRuntime) RemoveVolume(_ context.Context, name string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.volumes[name] {
		return exec.ErrNotFound
	}
	delete(m.volumes, name)
	m.RemovedVolumes = append(m.RemovedVolumes, name)
	return nil
}

// --- Inspection methods ---

// LiveContainers returns the IDs of containers not yet removed.
func (m *MockRuntime) LiveContainers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LiveVolumes returns the names of volumes not yet removed.
func (m *MockRuntime) LiveVolumes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.volumes))
	for name := range m.volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunCount returns how many Run calls were made.
func (m *MockRuntime) RunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RunSpecs)
}
