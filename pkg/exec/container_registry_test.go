package exec_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/internal/mocks"
	"agentcoder/pkg/exec"
)

func TestContainerRegistryTracking(t *testing.T) {
	reg := exec.NewContainerRegistry(nil)
	reg.Register("job-a", "c1", "vol-a")
	reg.Register("job-b", "c2", "vol-b")
	assert.Equal(t, 2, reg.Count())

	active := reg.GetActiveContainers()
	assert.Equal(t, "job-a", active["c1"].JobName)
	assert.Equal(t, "vol-b", active["c2"].Volume)

	reg.Unregister("c1")
	reg.Unregister("missing")
	assert.Equal(t, 1, reg.Count())
}

func TestCleanupAllRemovesContainersAndVolumes(t *testing.T) {
	ctx := context.Background()
	rt := mocks.NewMockRuntime()

	reg := exec.NewContainerRegistry(nil)
	for _, job := range []string{"a", "b"} {
		vol, err := rt.CreateVolume(ctx, "vol-"+job)
		require.NoError(t, err)
		id, err := rt.Run(ctx, exec.RunSpec{
			Image:   "img",
			Env:     map[string]string{"JOB_NAME": job},
			Volumes: map[string]string{vol: "/workspace"},
		})
		require.NoError(t, err)
		reg.Register(job, id, vol)
	}
	// Already gone entries are tolerated.
	reg.Register("ghost", "never-existed", "ghost-vol")

	require.NoError(t, reg.CleanupAll(ctx, rt))
	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, rt.LiveContainers())
	assert.Empty(t, rt.LiveVolumes())
}
