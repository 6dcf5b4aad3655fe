package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentcoder/pkg/logx"
)

const unixScheme = "unix://"

// EndpointFinder locates a reachable container runtime socket.
type EndpointFinder struct {
	Probe  func(ctx context.Context, endpoint string) error
	Stat   func(path string) (os.FileInfo, error)
	Getenv func(key string) string
	Home   func() (string, error)
	logger *logx.Logger
}

// NewEndpointFinder creates a finder that confirms candidates with probe.
func NewEndpointFinder(probe func(ctx context.Context, endpoint string) error) *EndpointFinder {
	return &EndpointFinder{
		Probe:  probe,
		Stat:   os.Stat,
		Getenv: os.Getenv,
		Home:   os.UserHomeDir,
		logger: logx.NewLogger("docker"),
	}
}

// Candidates lists endpoints in the order they are tried: extra, DOCKER_HOST, the system socket,
// Docker Desktop sockets, then rootless docker and podman sockets.
func (f *EndpointFinder) Candidates(extra []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(ep string) {
		if ep == "" {
			return
		}
		ep = normalizeEndpoint(ep)
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}

	for _, ep := range extra {
		add(ep)
	}
	add(f.Getenv("DOCKER_HOST"))
	add("/var/run/docker.sock")
	if home, err := f.Home(); err == nil && home != "" {
		add(filepath.Join(home, ".docker", "run", "docker.sock"))
		add(filepath.Join(home, ".docker", "desktop", "docker.sock"))
	}
	if xdg := f.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		add(filepath.Join(xdg, "docker.sock"))
		add(filepath.Join(xdg, "podman", "podman.sock"))
	}
	add("/run/podman/podman.sock")
	return out
}

func normalizeEndpoint(ep string) string {
	if strings.HasPrefix(ep, "/") {
		return unixScheme + ep
	}
	return ep
}

// Find returns the first candidate whose socket exists and whose daemon answers.
func (f *EndpointFinder) Find(ctx context.Context, extra []string) (string, error) {
	var tried []string
	for _, ep := range f.Candidates(extra) {
		if path, ok := strings.CutPrefix(ep, unixScheme); ok {
			if _, err := f.Stat(path); err != nil {
				tried = append(tried, ep+" (missing)")
				continue
			}
		}
		if err := f.Probe(ctx, ep); err != nil {
			f.logger.Debug("Runtime endpoint %s did not answer: %v", ep, err)
			tried = append(tried, ep+" (no response)")
			continue
		}
		return ep, nil
	}
	return "", fmt.Errorf("%w; tried %s. Start Docker or Podman, or point DOCKER_HOST or dispatcher.sockets at a reachable socket",
		ErrNoEndpoint, strings.Join(tried, ", "))
}
