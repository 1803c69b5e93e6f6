package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client), mr
}

func TestGetSetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetNXOnlyFirstWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock:abc", "agent-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "lock:abc", "agent-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	v, err := s.Get(ctx, "lock:abc")
	require.NoError(t, err)
	require.Equal(t, "agent-1", v)
}

func TestTTLExpiryVisibility(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Second))
	d, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	require.Greater(t, d, 5*time.Second)

	mr.FastForward(11 * time.Second)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.TTL(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIncrByCreatesWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "rate:a:w", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.IncrBy(ctx, "rate:a:w", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	mr.FastForward(2 * time.Minute)
	got, err := s.GetInt(ctx, "rate:a:w")
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestIncrByFloatAccumulates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.IncrByFloat(ctx, "cost:org:b", 0.002, time.Hour)
	require.NoError(t, err)
	f, err := s.IncrByFloat(ctx, "cost:org:b", 0.003, time.Hour)
	require.NoError(t, err)
	require.InDelta(t, 0.005, f, 1e-9)

	got, err := s.GetFloat(ctx, "cost:org:b")
	require.NoError(t, err)
	require.InDelta(t, 0.005, got, 1e-9)
}

func TestKeyBuilders(t *testing.T) {
	require.Equal(t, "org:token:tok", OrgTokenKey("tok"))
	require.Equal(t, "lock:deadbeef", LockKey("deadbeef"))
	require.Equal(t, "rate:a1:2026-08-25T10:04", RateKey("a1", "2026-08-25T10:04"))
	require.Equal(t, "cache:o:m:h", CacheKey("o", "m", "h"))
}
