// Package semcache is the semantic response cache.
//
// Lookup is two-tier: an exact SHA-256 prompt hash in the KV store answers
// repeats instantly, and a pgvector ANN query over prompt embeddings answers
// near-duplicates. Every failure inside the cache degrades to a miss; the
// caller then pays the upstream call it would have paid anyway.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/singleflight"

	"github.com/switchboardhq/switchboard/internal/embedding"
	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/storage"
)

// embedTruncateLimit bounds the text sent to the embedding provider. Long
// prompts are distinguished well enough by their head.
const embedTruncateLimit = 512

// durableStore is the slice of the storage layer the cache needs.
type durableStore interface {
	UpsertCacheEntry(ctx context.Context, e model.CacheEntry) (model.CacheEntry, error)
	NearestCacheEntry(ctx context.Context, orgID uuid.UUID, mdl string, embedding pgvector.Vector, maxDistance float64) (model.CacheHit, error)
	RecordCacheHit(ctx context.Context, cacheID uuid.UUID, costSaved float64) error
}

// Cache answers prompt lookups from the KV shortcut and the ANN index.
type Cache struct {
	store       *kv.Store
	db          durableStore
	embedder    embedding.Provider
	logger      *slog.Logger
	ttl         time.Duration
	maxDistance float64

	// embedGroup collapses concurrent embeds of the same prompt hash into
	// one provider call.
	embedGroup singleflight.Group
}

// New builds a cache. maxDistance is the cosine distance ceiling for an
// approximate hit (default 0.10).
func New(store *kv.Store, db durableStore, embedder embedding.Provider, logger *slog.Logger, ttl time.Duration, maxDistance float64) *Cache {
	return &Cache{
		store:       store,
		db:          db,
		embedder:    embedder,
		logger:      logger,
		ttl:         ttl,
		maxDistance: maxDistance,
	}
}

// HashPrompt returns the first 16 hex characters of SHA-256 over the prompt.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// shortcut is the KV shortcut payload for an exact-hash hit.
type shortcut struct {
	CacheID      uuid.UUID `json:"cache_id"`
	ResponseText string    `json:"response_text"`
}

// Lookup resolves a prompt against the cache. The exact hash is consulted
// first; on a KV miss the prompt is embedded and matched approximately.
// Returns ok=false for misses and for any internal failure.
func (c *Cache) Lookup(ctx context.Context, orgID uuid.UUID, mdl, prompt string) (model.CacheHit, bool) {
	hash := HashPrompt(prompt)

	raw, err := c.store.Get(ctx, kv.CacheKey(orgID.String(), mdl, hash))
	if err == nil {
		var s shortcut
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			return model.CacheHit{CacheID: s.CacheID, ResponseText: s.ResponseText, Similarity: 1.0}, true
		}
		c.logger.Warn("semcache: bad shortcut payload, treating as miss", "hash", hash)
	} else if err != kv.ErrNotFound {
		c.logger.Warn("semcache: kv lookup failed", "error", err)
	}

	vec, err := c.embed(ctx, hash, prompt)
	if err != nil {
		c.logger.Warn("semcache: embed failed, treating as miss", "error", err)
		return model.CacheHit{}, false
	}

	hit, err := c.db.NearestCacheEntry(ctx, orgID, mdl, vec, c.maxDistance)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("semcache: ann lookup failed, treating as miss", "error", err)
		}
		return model.CacheHit{}, false
	}
	return hit, true
}

// Store writes both the KV shortcut and the durable row. The durable row
// replaces any prior entry for the same (org, model, prompt_hash).
func (c *Cache) Store(ctx context.Context, orgID uuid.UUID, mdl, prompt, responseText string, responseTokens *int) error {
	hash := HashPrompt(prompt)

	vec, err := c.embed(ctx, hash, prompt)
	if err != nil {
		return err
	}

	entry, err := c.db.UpsertCacheEntry(ctx, model.CacheEntry{
		OrgID:           orgID,
		Model:           mdl,
		PromptHash:      hash,
		PromptEmbedding: vec,
		PromptText:      prompt,
		ResponseText:    responseText,
		ResponseTokens:  responseTokens,
		ExpiresAt:       time.Now().UTC().Add(c.ttl),
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(shortcut{CacheID: entry.ID, ResponseText: responseText})
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, kv.CacheKey(orgID.String(), mdl, hash), string(payload), c.ttl); err != nil {
		// The durable row stands; only the fast path is degraded.
		c.logger.Warn("semcache: shortcut write failed", "error", err)
	}
	return nil
}

// RecordHit bumps hit accounting. Best-effort; failures are logged and
// swallowed so a stats update never surfaces to the caller.
func (c *Cache) RecordHit(ctx context.Context, cacheID uuid.UUID, costSaved float64) {
	if cacheID == uuid.Nil {
		return
	}
	if err := c.db.RecordCacheHit(ctx, cacheID, costSaved); err != nil {
		c.logger.Warn("semcache: hit accounting failed", "error", err)
	}
}

// embed produces the prompt embedding, deduplicating concurrent calls for
// the same hash.
func (c *Cache) embed(ctx context.Context, hash, prompt string) (pgvector.Vector, error) {
	v, err, _ := c.embedGroup.Do(hash, func() (any, error) {
		return c.embedder.Embed(ctx, truncate(prompt))
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return v.(pgvector.Vector), nil
}

func truncate(s string) string {
	if len(s) > embedTruncateLimit {
		return s[:embedTruncateLimit]
	}
	return s
}
