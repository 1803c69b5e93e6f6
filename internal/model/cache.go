package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingDimensions is the fixed output dimensionality of the embedding
// collaborator. The semantic_cache vector column and the ANN index are
// declared with this size; providers producing a different size are rejected
// at startup.
const EmbeddingDimensions = 384

// CacheEntry is one stored upstream response, addressable both by exact
// prompt hash and by embedding proximity. Entries past ExpiresAt are
// invisible to lookups.
type CacheEntry struct {
	ID              uuid.UUID       `json:"cache_id"`
	OrgID           uuid.UUID       `json:"org_id"`
	Model           string          `json:"model"`
	PromptHash      string          `json:"prompt_hash"`
	PromptEmbedding pgvector.Vector `json:"-"`
	PromptText      string          `json:"prompt_text"`
	ResponseText    string          `json:"response_text"`
	ResponseTokens  *int            `json:"response_tokens,omitempty"`
	HitCount        int             `json:"hit_count"`
	CostSaved       float64         `json:"cost_saved"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// CacheHit is the result of a successful cache lookup. Similarity is 1.0 for
// exact hash hits and 1-distance for approximate hits.
type CacheHit struct {
	CacheID      uuid.UUID `json:"cache_id"`
	ResponseText string    `json:"response_text"`
	Similarity   float64   `json:"similarity"`
}

// CacheStats aggregates hit accounting for an org.
type CacheStats struct {
	Entries        int     `json:"entries"`
	TotalHits      int     `json:"totalHits"`
	TotalCostSaved float64 `json:"totalCostSaved"`
}
