package semcache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/internal/embedding"
	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/storage"
)

// stubStore fakes the durable layer so the ANN path is testable without a
// database.
type stubStore struct {
	entries  map[string]model.CacheEntry
	nearest  *model.CacheHit
	hits     map[uuid.UUID]int
	upsertFn func(model.CacheEntry) error
}

func newStubStore() *stubStore {
	return &stubStore{
		entries: make(map[string]model.CacheEntry),
		hits:    make(map[uuid.UUID]int),
	}
}

func (s *stubStore) UpsertCacheEntry(_ context.Context, e model.CacheEntry) (model.CacheEntry, error) {
	if s.upsertFn != nil {
		if err := s.upsertFn(e); err != nil {
			return model.CacheEntry{}, err
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.entries[e.PromptHash] = e
	return e, nil
}

func (s *stubStore) NearestCacheEntry(context.Context, uuid.UUID, string, pgvector.Vector, float64) (model.CacheHit, error) {
	if s.nearest == nil {
		return model.CacheHit{}, storage.ErrNotFound
	}
	return *s.nearest, nil
}

func (s *stubStore) RecordCacheHit(_ context.Context, cacheID uuid.UUID, _ float64) error {
	s.hits[cacheID]++
	return nil
}

func newTestCache(t *testing.T, db durableStore) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	embedder := embedding.NewNoopProvider(model.EmbeddingDimensions)
	return New(kv.NewFromClient(client), db, embedder, logger, 24*time.Hour, 0.10), mr
}

func TestExactHitAfterStore(t *testing.T) {
	db := newStubStore()
	c, _ := newTestCache(t, db)
	ctx := context.Background()
	orgID := uuid.New()

	require.NoError(t, c.Store(ctx, orgID, "gpt-4", "what is the capital of france", "Paris.", nil))

	hit, ok := c.Lookup(ctx, orgID, "gpt-4", "what is the capital of france")
	require.True(t, ok)
	require.Equal(t, 1.0, hit.Similarity)
	require.Equal(t, "Paris.", hit.ResponseText)
	require.NotEqual(t, uuid.Nil, hit.CacheID)
}

func TestStoreWithoutUsageTokens(t *testing.T) {
	db := newStubStore()
	c, _ := newTestCache(t, db)
	ctx := context.Background()
	orgID := uuid.New()

	// Upstream responses without a usage block store a row with no token
	// count; the column is nullable for exactly this case.
	require.NoError(t, c.Store(ctx, orgID, "gpt-4", "summarize the incident report", "All clear.", nil))

	entry, ok := db.entries[HashPrompt("summarize the incident report")]
	require.True(t, ok)
	require.Nil(t, entry.ResponseTokens)

	hit, lookupOK := c.Lookup(ctx, orgID, "gpt-4", "summarize the incident report")
	require.True(t, lookupOK)
	require.Equal(t, "All clear.", hit.ResponseText)
}

func TestMissForUnknownPrompt(t *testing.T) {
	c, _ := newTestCache(t, newStubStore())
	_, ok := c.Lookup(context.Background(), uuid.New(), "gpt-4", "never seen before")
	require.False(t, ok)
}

func TestExactHitIsScopedToOrgAndModel(t *testing.T) {
	db := newStubStore()
	c, _ := newTestCache(t, db)
	ctx := context.Background()
	orgID := uuid.New()

	require.NoError(t, c.Store(ctx, orgID, "gpt-4", "hello", "hi", nil))

	_, ok := c.Lookup(ctx, uuid.New(), "gpt-4", "hello")
	require.False(t, ok, "other org must miss")

	_, ok = c.Lookup(ctx, orgID, "gpt-3.5-turbo", "hello")
	require.False(t, ok, "other model must miss")
}

func TestShortcutExpires(t *testing.T) {
	db := newStubStore()
	c, mr := newTestCache(t, db)
	ctx := context.Background()
	orgID := uuid.New()

	require.NoError(t, c.Store(ctx, orgID, "gpt-4", "hello", "hi", nil))
	mr.FastForward(25 * time.Hour)

	_, ok := c.Lookup(ctx, orgID, "gpt-4", "hello")
	require.False(t, ok)
}

func TestApproximateHitFromANN(t *testing.T) {
	db := newStubStore()
	cacheID := uuid.New()
	db.nearest = &model.CacheHit{CacheID: cacheID, ResponseText: "Paris.", Similarity: 0.93}
	c, _ := newTestCache(t, db)

	hit, ok := c.Lookup(context.Background(), uuid.New(), "gpt-4", "capital city of france?")
	require.True(t, ok)
	require.Equal(t, cacheID, hit.CacheID)
	require.InDelta(t, 0.93, hit.Similarity, 1e-9)
}

func TestStoreSurvivesKVOutage(t *testing.T) {
	db := newStubStore()
	c, mr := newTestCache(t, db)
	mr.Close()

	err := c.Store(context.Background(), uuid.New(), "gpt-4", "hello", "hi", nil)
	require.NoError(t, err, "durable write stands when the shortcut write fails")
	require.Len(t, db.entries, 1)
}

func TestStorePropagatesDurableFailure(t *testing.T) {
	db := newStubStore()
	db.upsertFn = func(model.CacheEntry) error { return errors.New("db down") }
	c, _ := newTestCache(t, db)

	err := c.Store(context.Background(), uuid.New(), "gpt-4", "hello", "hi", nil)
	require.Error(t, err)
}

func TestRecordHit(t *testing.T) {
	db := newStubStore()
	c, _ := newTestCache(t, db)
	id := uuid.New()

	c.RecordHit(context.Background(), id, 0.002)
	c.RecordHit(context.Background(), id, 0.002)
	require.Equal(t, 2, db.hits[id])

	c.RecordHit(context.Background(), uuid.Nil, 0.002)
	require.NotContains(t, db.hits, uuid.Nil)
}

func TestHashPrompt(t *testing.T) {
	h := HashPrompt("hello")
	require.Len(t, h, 16)
	require.Equal(t, h, HashPrompt("hello"))
	require.NotEqual(t, h, HashPrompt("hello "))
}

func TestTruncateBoundsEmbedInput(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'a'
	}
	require.Len(t, truncate(string(long)), embedTruncateLimit)
	require.Equal(t, "short", truncate("short"))
}
