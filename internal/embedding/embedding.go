// Package embedding provides vector embedding generation for the semantic cache.
//
// The proxy consumes a pure function: embed(text) → unit vector of fixed
// dimension. Providers must report Ready before the orchestrator starts
// accepting traffic.
package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// Ready blocks until the provider can serve embeddings, or returns an
	// error when it cannot. The orchestrator gates traffic on this.
	Ready(ctx context.Context) error
}

// NoopProvider returns zero vectors. Disables approximate cache hits while
// keeping the exact-hash path functional.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// Ready always succeeds.
func (p *NoopProvider) Ready(context.Context) error { return nil }

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}
