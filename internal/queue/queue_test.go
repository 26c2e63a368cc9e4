package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/db"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	results map[string]*models.BuildResult
}

func (f *fakeRunner) Run(_ context.Context, project string) (*models.BuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, project)
	if res, ok := f.results[project]; ok {
		return res, nil
	}
	return nil, errors.New("status store unavailable")
}

func (f *fakeRunner) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func TestEnqueueJob(t *testing.T) {
	database := newTestDB(t)

	pos, err := EnqueueJob(database, "alpha", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, err = EnqueueJob(database, "alpha", 2)
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	pos, err = EnqueueJob(database, "beta", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	_, err = EnqueueJob(database, "gamma", 2)
	assert.ErrorIs(t, err, ErrQueueFull)

	// unlimited
	_, err = EnqueueJob(database, "gamma", 0)
	assert.NoError(t, err)
}

func TestCancelPending(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	_, err := EnqueueJob(database, "alpha", 10)
	require.NoError(t, err)

	cancelled, err := CancelPending(ctx, database, database, "alpha")
	require.NoError(t, err)
	assert.True(t, cancelled)

	st, err := database.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, st.State)
	require.NotNil(t, st.Result)
	assert.Equal(t, models.ReasonCancelled, st.Result.Reason)

	job, err := database.GetBuildJob("alpha")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	cancelled, err = CancelPending(ctx, database, database, "alpha")
	require.NoError(t, err)
	assert.False(t, cancelled)

	// the project can be queued again
	_, err = EnqueueJob(database, "alpha", 10)
	assert.NoError(t, err)
}

func TestRecoverInterrupted(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	id, err := database.CreateBuildJob("alpha")
	require.NoError(t, err)
	claimed, err := database.ClaimBuildJob(id, "w1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, database.SetInProgress(ctx, "alpha", "run-1", time.Now()))

	require.NoError(t, RecoverInterrupted(ctx, database, database, "w1"))

	job, err := database.GetBuildJob("alpha")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	st, err := database.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, st.State)
	assert.Equal(t, models.ReasonInternal, st.Result.Reason)
}

func TestWorkerProcessesJobs(t *testing.T) {
	database := newTestDB(t)

	runner := &fakeRunner{results: map[string]*models.BuildResult{
		"alpha": {Success: true, ArtifactPath: "/p/alpha/target/alpha.jar"},
		"beta":  {Success: false, Reason: models.ReasonRetriesExhausted, Message: "still failing"},
	}}

	for _, p := range []string{"alpha", "beta", "gamma"} {
		_, err := EnqueueJob(database, p, 10)
		require.NoError(t, err)
	}

	cfg := &config.Config{WorkerID: "w1", WorkerConcurrent: 2, WorkerPollSecs: 1}
	w := NewWorker(database, runner, database, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		length, err := database.GetQueueLength()
		return err == nil && length == 0 && len(runner.Ran()) == 3
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, runner.Ran())

	want := map[string]models.JobStatus{
		"alpha": models.JobStatusCompleted,
		"beta":  models.JobStatusFailed,
		"gamma": models.JobStatusFailed,
	}
	for project, status := range want {
		job, err := database.GetBuildJob(project)
		require.NoError(t, err)
		assert.Equal(t, status, job.Status, project)
		assert.Equal(t, "w1", job.WorkerID, project)
	}

	job, err := database.GetBuildJob("beta")
	require.NoError(t, err)
	assert.Equal(t, "retries_exhausted: still failing", job.ErrorMessage)
}
