package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "data", "buildfix.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestNewDBIsReopenable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildfix.db")
	first, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestJobLifecycle(t *testing.T) {
	database := newTestDB(t)

	id, err := database.CreateBuildJob("alpha")
	require.NoError(t, err)

	_, err = database.CreateBuildJob("alpha")
	assert.ErrorIs(t, err, ErrActiveJobExists)

	_, err = database.CreateBuildJob("beta")
	require.NoError(t, err)

	length, err := database.GetQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	pos, err := database.GetQueuePosition("beta")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	pending, err := database.GetPendingJobs(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "alpha", pending[0].Project)

	claimed, err := database.ClaimBuildJob(id, "w1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = database.ClaimBuildJob(id, "w2")
	require.NoError(t, err)
	assert.False(t, claimed, "a job is claimed once")

	job, err := database.GetActiveJob("alpha")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusBuilding, job.Status)
	assert.Equal(t, "w1", job.WorkerID)
	assert.NotNil(t, job.StartedAt)

	pos, err = database.GetQueuePosition("beta")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	require.NoError(t, database.CompleteBuildJob(id))
	job, err = database.GetBuildJob("alpha")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.FinishedAt)

	// finished jobs free the project
	_, err = database.CreateBuildJob("alpha")
	require.NoError(t, err)
}

func TestCancelPendingJob(t *testing.T) {
	database := newTestDB(t)

	_, err := database.CreateBuildJob("alpha")
	require.NoError(t, err)

	cancelled, err := database.CancelPendingJob("alpha")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = database.CancelPendingJob("alpha")
	require.NoError(t, err)
	assert.False(t, cancelled)

	job, err := database.GetBuildJob("alpha")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	missing, err := database.GetBuildJob("nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFailInterruptedJobs(t *testing.T) {
	database := newTestDB(t)

	id, err := database.CreateBuildJob("alpha")
	require.NoError(t, err)
	_, err = database.ClaimBuildJob(id, "w1")
	require.NoError(t, err)
	_, err = database.CreateBuildJob("beta")
	require.NoError(t, err)

	projects, err := database.FailInterruptedJobs("w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, projects)

	job, err := database.GetBuildJob("alpha")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "interrupted", job.ErrorMessage)
}

func TestPruneJobs(t *testing.T) {
	database := newTestDB(t)

	id, err := database.CreateBuildJob("alpha")
	require.NoError(t, err)
	require.NoError(t, database.FailBuildJob(id, "boom"))
	_, err = database.CreateBuildJob("beta")
	require.NoError(t, err)

	n, err := database.PruneJobs(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	length, err := database.GetQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestStatusMissingIsNotStarted(t *testing.T) {
	status, err := newTestDB(t).Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.StateNotStarted, status.State)
	assert.Equal(t, "ghost", status.Project)
	assert.Nil(t, status.Result)
}

func TestStatusLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	started := time.Unix(1700000000, 123456789).UTC()
	ended := started.Add(90 * time.Second)

	require.NoError(t, database.SetInProgress(ctx, "alpha", "run-1", started))
	require.NoError(t, database.RecordAttempt(ctx, "alpha", 3))

	status, err := database.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, status.State)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, started, *status.StartedAt)
	assert.Nil(t, status.EndedAt)

	result := &models.BuildResult{
		Success:      true,
		ArtifactPath: "/projects/alpha/target/app.jar",
		Checksum:     "abc123",
		Degraded:     true,
		FixAttempts:  2,
	}
	require.NoError(t, database.SetTerminal(ctx, "alpha", ended, result))

	status, err = database.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, &models.BuildStatus{
		Project:   "alpha",
		RunID:     "run-1",
		State:     models.StateCompleted,
		StartedAt: &started,
		EndedAt:   &ended,
		Attempts:  3,
		Result:    result,
	}, status)

	// a new run replaces the whole record
	require.NoError(t, database.SetInProgress(ctx, "alpha", "run-2", ended))
	status, err = database.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "run-2", status.RunID)
	assert.Nil(t, status.Result)
	assert.Zero(t, status.Attempts)
}

func TestSetTerminalWithoutRecord(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	result := &models.BuildResult{Reason: models.ReasonCancelled, Message: "cancelled before start"}

	require.NoError(t, database.SetTerminal(ctx, "alpha", time.Now(), result))

	status, err := database.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, result, status.Result)
	assert.Nil(t, status.StartedAt)
}

func TestLogsAppendReadReset(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	base := time.Unix(1700000000, 0).UTC()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, database.AppendLog(ctx, models.LogEvent{
			Project:   "alpha",
			Sequence:  i,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Message:   "line",
		}))
	}
	require.NoError(t, database.AppendLog(ctx, models.LogEvent{Project: "beta", Sequence: 1, Timestamp: base, Message: "other"}))

	events, err := database.ReadLogs(ctx, "alpha", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, base.Add(2*time.Second), events[0].Timestamp)

	last, err := database.LastSequence(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	require.NoError(t, database.ResetLogs(ctx, "alpha"))
	last, err = database.LastSequence(ctx, "alpha")
	require.NoError(t, err)
	assert.Zero(t, last)

	events, err = database.ReadLogs(ctx, "beta", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPruneLogs(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, database.SetInProgress(ctx, "done", "r1", old))
	require.NoError(t, database.SetTerminal(ctx, "done", old, &models.BuildResult{Success: true}))
	require.NoError(t, database.SetInProgress(ctx, "running", "r2", old))

	for _, p := range []string{"done", "running"} {
		require.NoError(t, database.AppendLog(ctx, models.LogEvent{Project: p, Sequence: 1, Timestamp: old, Message: "x"}))
	}

	n, err := database.PruneLogs(ctx, time.Now().Add(-24*time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	last, err := database.LastSequence(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}
