package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoder/pkg/dispatch"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	version, err := GetSchemaVersion(l.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	first, err := l.StartRun(ctx, "dispatch", map[string]any{"image": "se-agent:latest"})
	require.NoError(t, err)
	second, err := l.StartRun(ctx, "architect", nil)
	require.NoError(t, err)
	require.NoError(t, l.FinishRun(ctx, first, RunStatusCompleted))

	run, err := l.GetRun(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "dispatch", run.Kind)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.JSONEq(t, `{"image": "se-agent:latest"}`, run.ConfigJSON)
	require.NotNil(t, run.EndedAt)

	runs, err := l.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].RunID)
	assert.Nil(t, runs[0].EndedAt)

	limited, err := l.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = l.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, l.FinishRun(ctx, "missing", RunStatusFailed), ErrRunNotFound)
}

func TestRecordSessions(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	runID, err := l.StartRun(ctx, "architect", nil)
	require.NoError(t, err)

	require.NoError(t, l.RecordSession(ctx, runID, &SessionRecord{
		SessionID: "s-fe", Name: "architect_FE", Outcome: "answered", Steps: 12,
		AnswerFound: true, Answer: map[string]any{"branch_name": "shop_FE"},
	}))
	require.NoError(t, l.RecordSession(ctx, runID, &SessionRecord{
		Name: "architect_BE", Outcome: "error", Steps: 3, Error: "model step failed",
	}))

	sessions, err := l.Sessions(ctx, runID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s-fe", sessions[0].SessionID)
	assert.True(t, sessions[0].AnswerFound)
	assert.Equal(t, "shop_FE", sessions[0].Answer["branch_name"])
	assert.Equal(t, "model step failed", sessions[1].Error)
	assert.NotEmpty(t, sessions[1].SessionID)
	assert.Empty(t, sessions[1].Answer)
}

func TestRecordJobResults(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	runID, err := l.StartRun(ctx, "dispatch", nil)
	require.NoError(t, err)

	code := "diff --git a/x b/x"
	cost := 0.42
	failure := "container exited with status 1"
	require.NoError(t, l.RecordJobResults(ctx, runID, []dispatch.JobResult{
		{Job: "group-1", HandleID: "c1", Code: &code, Cost: &cost, Log: []string{"cloning", "done"}},
		{Job: "group-2", HandleID: "c2", Error: &failure},
	}))

	results, err := l.JobResults(ctx, runID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Code)
	assert.Equal(t, code, *results[0].Code)
	assert.InDelta(t, 0.42, *results[0].Cost, 1e-9)
	assert.Nil(t, results[0].Error)
	assert.Equal(t, []string{"cloning", "done"}, results[0].Log)

	assert.Nil(t, results[1].Code)
	assert.Nil(t, results[1].Cost)
	assert.Equal(t, failure, *results[1].Error)
	assert.Equal(t, []string{}, results[1].Log)
}
