// Package exec defines the container runtime the dispatcher drives and a docker/podman CLI
// implementation of it.
package exec

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a container or volume no longer exists.
	ErrNotFound = errors.New("container runtime object not found")
	// ErrNoEndpoint is returned when no container runtime socket answers.
	ErrNoEndpoint = errors.New("no reachable container runtime")
)

// Container statuses as reported by docker inspect.
const (
	StatusCreated    = "created"
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	StatusPaused     = "paused"
	StatusExited     = "exited"
	StatusDead       = "dead"
	StatusRemoving   = "removing"
)

// ContainerState is a snapshot of one execution unit.
type ContainerState struct {
	FinishedAt time.Time
	ID         string
	Status     string
	ExitCode   int
}

// Active reports whether the unit may still produce output.
func (s ContainerState) Active() bool {
	switch s.Status {
	case StatusCreated, StatusRunning, StatusRestarting, StatusPaused:
		return true
	default:
		return false
	}
}

// Finished reports whether the unit has stopped for good.
func (s ContainerState) Finished() bool {
	return s.Status == StatusExited || s.Status == StatusDead
}

// RunSpec describes one detached execution unit.
type RunSpec struct {
	Env         map[string]string
	Labels      map[string]string
	Volumes     map[string]string // volume name -> mount path
	Name        string
	Image       string
	MemoryLimit string
	CPUQuota    int64
}

// Runtime is the narrow container API the dispatcher consumes.
type Runtime interface {
	// CreateVolume allocates a named volume and returns its name.
	CreateVolume(ctx context.Context, name string) (string, error)
	// Run starts a detached unit and returns its ID without waiting for it.
	Run(ctx context.Context, spec RunSpec) (string, error)
	// Get returns the unit's state or ErrNotFound.
	Get(ctx context.Context, id string) (ContainerState, error)
	// Logs returns the unit's combined stdout and stderr.
	Logs(ctx context.Context, id string) ([]byte, error)
	// Volumes lists named volumes mounted into the unit.
	Volumes(ctx context.Context, id string) ([]string, error)
	Remove(ctx context.Context, id string, force bool) error
	RemoveVolume(ctx context.Context, name string, force bool) error
}
