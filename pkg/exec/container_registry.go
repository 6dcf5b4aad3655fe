package exec

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentcoder/pkg/logx"
)

// RegistryContainerInfo holds information about a registered execution unit.
type RegistryContainerInfo struct {
	StartTime   time.Time
	JobName     string
	ContainerID string
	Volume      string
}

// ContainerRegistry tracks every unit and volume a process has allocated so they can be released on
// shutdown, even when the owner never reached its own cleanup.
type ContainerRegistry struct {
	containers map[string]*RegistryContainerInfo // container ID -> info
	logger     *logx.Logger
	mu         sync.RWMutex
}

// NewContainerRegistry creates an empty registry.
func NewContainerRegistry(logger *logx.Logger) *ContainerRegistry {
	if logger == nil {
		logger = logx.NewLogger("registry")
	}
	return &ContainerRegistry{
		containers: make(map[string]*RegistryContainerInfo),
		logger:     logger,
	}
}

// Register records a started unit and its volume.
func (r *ContainerRegistry) Register(jobName, containerID, volume string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[containerID] = &RegistryContainerInfo{
		JobName:     jobName,
		ContainerID: containerID,
		Volume:      volume,
		StartTime:   time.Now(),
	}
	r.logger.Debug("Container registered: %s (job: %s, volume: %s)", shortID(containerID), jobName, volume)
}

// Unregister forgets a unit once its owner has released it.
func (r *ContainerRegistry) Unregister(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.containers[containerID]; ok {
		delete(r.containers, containerID)
		r.logger.Debug("Container unregistered: %s (job: %s)", shortID(containerID), info.JobName)
	}
}

// GetActiveContainers returns a copy of all registered units.
func (r *ContainerRegistry) GetActiveContainers() map[string]RegistryContainerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]RegistryContainerInfo, len(r.containers))
	for id, info := range r.containers {
		result[id] = *info
	}
	return result
}

// Count returns the number of registered units.
func (r *ContainerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}

// CleanupAll force-removes every registered unit and its volume. Objects that are already gone are
// not errors; other failures are joined and returned after every entry has been attempted.
func (r *ContainerRegistry) CleanupAll(ctx context.Context, rt Runtime) error {
	active := r.GetActiveContainers()
	if len(active) == 0 {
		return nil
	}
	r.logger.Info("Removing %d registered containers", len(active))

	var errs []error
	for id, info := range active {
		if err := rt.Remove(ctx, id, true); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Error("Failed to remove container %s: %v", shortID(id), err)
			errs = append(errs, err)
			continue
		}
		if info.Volume != "" {
			if err := rt.RemoveVolume(ctx, info.Volume, true); err != nil && !errors.Is(err, ErrNotFound) {
				r.logger.Error("Failed to remove volume %s: %v", info.Volume, err)
				errs = append(errs, err)
				continue
			}
		}
		r.Unregister(id)
	}
	return errors.Join(errs...)
}
