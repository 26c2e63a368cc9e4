package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to BUILDFIX_TEST_REDIS_ADDR with a unique key prefix.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("BUILDFIX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BUILDFIX_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	store := New(client, Options{Prefix: "buildfix-test-" + uuid.NewString()})
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, store.opts.Prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return store
}

func TestStatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	status, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.StateNotStarted, status.State)

	started := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.SetInProgress(ctx, "alpha", "run-1", started))
	require.NoError(t, store.RecordAttempt(ctx, "alpha", 2))

	result := &models.BuildResult{Success: false, FixAttempts: 5, ErrorReportPath: "/r/alpha/error-report.json", Reason: models.ReasonRetriesExhausted}
	require.NoError(t, store.SetTerminal(ctx, "alpha", started.Add(time.Minute), result))

	status, err = store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, 2, status.Attempts)
	assert.Equal(t, result, status.Result)
	assert.Equal(t, "run-1", status.RunID)

	ttl, err := store.client.TTL(ctx, store.statusKey("alpha")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	last, err := store.LastSequence(ctx, "alpha")
	require.NoError(t, err)
	assert.Zero(t, last)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, store.AppendLog(ctx, models.LogEvent{Project: "alpha", Sequence: i, Timestamp: time.Now().UTC(), Message: "line"}))
	}

	events, err := store.ReadLogs(ctx, "alpha", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, int64(3), events[1].Sequence)

	last, err = store.LastSequence(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	require.NoError(t, store.ResetLogs(ctx, "alpha"))
	events, err = store.ReadLogs(ctx, "alpha", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
