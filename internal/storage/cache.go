package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/switchboardhq/switchboard/internal/model"
)

// UpsertCacheEntry writes a durable cache row, replacing any prior entry for
// the same (org, model, prompt_hash).
func (db *DB) UpsertCacheEntry(ctx context.Context, e model.CacheEntry) (model.CacheEntry, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO semantic_cache (cache_id, org_id, model, prompt_hash, prompt_embedding,
		   prompt_text, response_text, response_tokens, hit_count, cost_saved, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10)
		 ON CONFLICT (org_id, model, prompt_hash) DO UPDATE SET
		   prompt_embedding = EXCLUDED.prompt_embedding,
		   prompt_text = EXCLUDED.prompt_text,
		   response_text = EXCLUDED.response_text,
		   response_tokens = EXCLUDED.response_tokens,
		   created_at = EXCLUDED.created_at,
		   expires_at = EXCLUDED.expires_at`,
		e.ID, e.OrgID, e.Model, e.PromptHash, e.PromptEmbedding,
		e.PromptText, e.ResponseText, e.ResponseTokens, e.CreatedAt, e.ExpiresAt,
	)
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("storage: upsert cache entry: %w", err)
	}
	return e, nil
}

// NearestCacheEntry runs the ANN lookup: among non-expired entries for
// (org, model), return the nearest by cosine distance when that distance is
// below maxDistance.
func (db *DB) NearestCacheEntry(ctx context.Context, orgID uuid.UUID, mdl string, embedding pgvector.Vector, maxDistance float64) (model.CacheHit, error) {
	var hit model.CacheHit
	var distance float64
	err := db.pool.QueryRow(ctx,
		`SELECT cache_id, response_text, prompt_embedding <=> $1 AS distance
		 FROM semantic_cache
		 WHERE org_id = $2 AND model = $3 AND expires_at > now()
		 ORDER BY prompt_embedding <=> $1
		 LIMIT 1`,
		embedding, orgID, mdl,
	).Scan(&hit.CacheID, &hit.ResponseText, &distance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CacheHit{}, ErrNotFound
		}
		return model.CacheHit{}, fmt.Errorf("storage: nearest cache entry: %w", err)
	}
	if distance >= maxDistance {
		return model.CacheHit{}, ErrNotFound
	}
	hit.Similarity = 1 - distance
	return hit, nil
}

// RecordCacheHit increments hit accounting for an entry. Best-effort at the
// call site; errors surface here but callers log and continue.
func (db *DB) RecordCacheHit(ctx context.Context, cacheID uuid.UUID, costSaved float64) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE semantic_cache SET hit_count = hit_count + 1, cost_saved = cost_saved + $1
		 WHERE cache_id = $2`, costSaved, cacheID); err != nil {
		return fmt.Errorf("storage: record cache hit: %w", err)
	}
	return nil
}

// CacheStats aggregates live entries and hit accounting for an org.
func (db *DB) CacheStats(ctx context.Context, orgID uuid.UUID) (model.CacheStats, error) {
	var s model.CacheStats
	err := db.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(sum(hit_count), 0), COALESCE(sum(cost_saved), 0)
		 FROM semantic_cache WHERE org_id = $1 AND expires_at > now()`, orgID,
	).Scan(&s.Entries, &s.TotalHits, &s.TotalCostSaved)
	if err != nil {
		return model.CacheStats{}, fmt.Errorf("storage: cache stats: %w", err)
	}
	return s, nil
}
