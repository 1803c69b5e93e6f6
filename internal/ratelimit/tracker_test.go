package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/internal/kv"
)

func newTracker(t *testing.T, limit int64) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewTracker(store, logger, limit), mr
}

func TestObserveCounts(t *testing.T) {
	tr, _ := newTracker(t, 0)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, over := tr.Observe(ctx, "agent-1")
		require.Equal(t, i, n)
		require.False(t, over, "no limit configured")
	}

	n, err := tr.Count(ctx, "agent-1", Window(time.Now()))
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestOverLimitIsAdvisory(t *testing.T) {
	tr, _ := newTracker(t, 2)
	ctx := context.Background()

	_, over := tr.Observe(ctx, "agent-1")
	require.False(t, over)
	_, over = tr.Observe(ctx, "agent-1")
	require.False(t, over)

	n, over := tr.Observe(ctx, "agent-1")
	require.Equal(t, int64(3), n)
	require.True(t, over)
}

func TestAgentsAreIndependent(t *testing.T) {
	tr, _ := newTracker(t, 0)
	ctx := context.Background()

	tr.Observe(ctx, "agent-1")
	n, _ := tr.Observe(ctx, "agent-2")
	require.Equal(t, int64(1), n)
}

func TestKVFailureFailsOpen(t *testing.T) {
	tr, mr := newTracker(t, 1)
	mr.Close()

	n, over := tr.Observe(context.Background(), "agent-1")
	require.Zero(t, n)
	require.False(t, over)
}

func TestEmptyAgentSkipped(t *testing.T) {
	tr, _ := newTracker(t, 1)
	n, over := tr.Observe(context.Background(), "")
	require.Zero(t, n)
	require.False(t, over)
}
