package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentcoder/pkg/logx"
)

const (
	dockerCommand = "docker"
	podmanCommand = "podman"
)

// Command is one container CLI invocation.
type Command struct {
	Name string
	Args []string
	Env  []string // appended to the current process environment
}

// Output holds a finished command's streams. Combined interleaves stdout and stderr in write order.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	Combined []byte
}

// Runner executes container CLI commands. Tests substitute a fake.
type Runner func(ctx context.Context, cmd Command) (Output, error)

// lockedBuffer serialises the concurrent stdout/stderr copies into one buffer.
type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, c Command) (Output, error) {
	var stdout, stderr bytes.Buffer
	combined := &lockedBuffer{}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	err := cmd.Run()
	return Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Combined: combined.buf.Bytes()}, err
}

// DockerRuntime implements Runtime on top of the docker or podman CLI.
type DockerRuntime struct {
	logger   *logx.Logger
	run      Runner
	command  string
	endpoint string
}

// DockerOption configures a DockerRuntime.
type DockerOption func(*DockerRuntime)

// WithRunner replaces the command runner.
func WithRunner(r Runner) DockerOption {
	return func(d *DockerRuntime) { d.run = r }
}

// WithCommand forces the CLI binary (docker or podman).
func WithCommand(command string) DockerOption {
	return func(d *DockerRuntime) { d.command = command }
}

// DetectCommand prefers docker and falls back to podman when only podman is installed.
func DetectCommand() string {
	if _, err := exec.LookPath(podmanCommand); err == nil {
		if _, err := exec.LookPath(dockerCommand); err != nil {
			return podmanCommand
		}
	}
	return dockerCommand
}

// NewDockerRuntime creates a runtime talking to endpoint. An empty endpoint uses the CLI default.
func NewDockerRuntime(endpoint string, opts ...DockerOption) *DockerRuntime {
	d := &DockerRuntime{
		logger:   logx.NewLogger("docker"),
		run:      ExecRunner,
		endpoint: endpoint,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.command == "" {
		d.command = DetectCommand()
	}
	return d
}

// ConnectDocker discovers a reachable socket, trying extra candidates first, and returns a runtime
// bound to it.
func ConnectDocker(ctx context.Context, extra []string, opts ...DockerOption) (*DockerRuntime, error) {
	d := NewDockerRuntime("", opts...)
	finder := NewEndpointFinder(d.Probe)
	endpoint, err := finder.Find(ctx, extra)
	if err != nil {
		return nil, err
	}
	d.endpoint = endpoint
	d.logger.Info("Using %s runtime at %s", d.command, endpoint)
	return d, nil
}

// Endpoint returns the socket the runtime talks to.
func (d *DockerRuntime) Endpoint() string { return d.endpoint }

func (d *DockerRuntime) endpointArgs(endpoint string) []string {
	if endpoint == "" {
		return nil
	}
	if d.command == podmanCommand {
		return []string{"--url", endpoint}
	}
	return []string{"-H", endpoint}
}

func (d *DockerRuntime) exec(ctx context.Context, env []string, args ...string) (Output, error) {
	full := append(d.endpointArgs(d.endpoint), args...)
	out, err := d.run(ctx, Command{Name: d.command, Args: full, Env: env})
	if err != nil {
		msg := strings.TrimSpace(string(out.Stderr))
		if isNotFoundMessage(msg) {
			return out, fmt.Errorf("%s %s: %w", d.command, args[0], ErrNotFound)
		}
		if msg != "" {
			return out, fmt.Errorf("%s %s failed: %w: %s", d.command, strings.Join(args[:min(2, len(args))], " "), err, msg)
		}
		return out, fmt.Errorf("%s %s failed: %w", d.command, args[0], err)
	}
	return out, nil
}

func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "no such object") ||
		strings.Contains(lower, "no such volume") ||
		strings.Contains(lower, "no container with name or id")
}

// Probe checks that the daemon behind endpoint answers.
func (d *DockerRuntime) Probe(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	args := append(d.endpointArgs(endpoint), "version", "--format", "{{.Server.Version}}")
	out, err := d.run(ctx, Command{Name: d.command, Args: args})
	if err != nil {
		return fmt.Errorf("%s version: %w: %s", d.command, err, strings.TrimSpace(string(out.Stderr)))
	}
	return nil
}

// CreateVolume implements Runtime.
func (d *DockerRuntime) CreateVolume(ctx context.Context, name string) (string, error) {
	out, err := d.exec(ctx, nil, "volume", "create", "--label", "agentcoder=1", name)
	if err != nil {
		return "", err
	}
	if created := strings.TrimSpace(string(out.Stdout)); created != "" {
		return created, nil
	}
	return name, nil
}

// Run implements Runtime. Environment values are passed through the CLI process environment so
// credentials never appear in the argument list.
func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("image is required")
	}
	args := []string{"run", "-d"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	args = append(args, "--security-opt", "no-new-privileges")
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	env := make([]string, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k)
		env = append(env, k+"="+spec.Env[k])
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}
	if spec.CPUQuota > 0 {
		args = append(args, "--cpu-quota", strconv.FormatInt(spec.CPUQuota, 10))
	}
	for _, vol := range sortedKeys(spec.Volumes) {
		args = append(args, "-v", vol+":"+spec.Volumes[vol])
	}
	args = append(args, spec.Image)

	out, err := d.exec(ctx, env, args...)
	if err != nil {
		d.removeFailedStart(ctx, spec.Name)
		return "", err
	}
	id := strings.TrimSpace(string(out.Stdout))
	if id == "" {
		d.removeFailedStart(ctx, spec.Name)
		return "", fmt.Errorf("%s run returned no container id", d.command)
	}
	d.logger.Debug("Started container %s (%s)", shortID(id), spec.Name)
	return id, nil
}

// removeFailedStart force-removes a named container that "run -d" created but could not start. The
// caller never learns its ID, so nothing else would remove it or release its volumes.
func (d *DockerRuntime) removeFailedStart(ctx context.Context, name string) {
	if name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := d.Remove(ctx, name, true); err != nil && !errors.Is(err, ErrNotFound) {
		d.logger.Warn("Failed to remove container %s after a failed start: %v", name, err)
	}
}

type inspectState struct {
	FinishedAt string `json:"FinishedAt"`
	Status     string `json:"Status"`
	ExitCode   int    `json:"ExitCode"`
}

// Get implements Runtime.
func (d *DockerRuntime) Get(ctx context.Context, id string) (ContainerState, error) {
	out, err := d.exec(ctx, nil, "inspect", "--type", "container", "--format", "{{json .State}}", id)
	if err != nil {
		return ContainerState{}, err
	}
	var st inspectState
	if err := json.Unmarshal(bytes.TrimSpace(out.Stdout), &st); err != nil {
		return ContainerState{}, fmt.Errorf("decode state of %s: %w", shortID(id), err)
	}
	state := ContainerState{ID: id, Status: strings.ToLower(st.Status), ExitCode: st.ExitCode}
	if t, err := time.Parse(time.RFC3339Nano, st.FinishedAt); err == nil {
		state.FinishedAt = t
	}
	return state, nil
}

// Logs implements Runtime.
func (d *DockerRuntime) Logs(ctx context.Context, id string) ([]byte, error) {
	out, err := d.exec(ctx, nil, "logs", id)
	if err != nil {
		return nil, err
	}
	return out.Combined, nil
}

type inspectMount struct {
	Type string `json:"Type"`
	Name string `json:"Name"`
}

// Volumes implements Runtime.
func (d *DockerRuntime) Volumes(ctx context.Context, id string) ([]string, error) {
	out, err := d.exec(ctx, nil, "inspect", "--type", "container", "--format", "{{json .Mounts}}", id)
	if err != nil {
		return nil, err
	}
	var mounts []inspectMount
	if err := json.Unmarshal(bytes.TrimSpace(out.Stdout), &mounts); err != nil {
		return nil, fmt.Errorf("decode mounts of %s: %w", shortID(id), err)
	}
	var names []string
	for _, m := range mounts {
		if m.Type == "volume" && m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// Remove implements Runtime.
func (d *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	_, err := d.exec(ctx, nil, append(args, id)...)
	return err
}

// RemoveVolume implements Runtime.
func (d *DockerRuntime) RemoveVolume(ctx context.Context, name string, force bool) error {
	args := []string{"volume", "rm"}
	if force {
		args = append(args, "-f")
	}
	_, err := d.exec(ctx, nil, append(args, name)...)
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
