package embeddings

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder wraps an Embedder with a ristretto cache keyed by the
// input text. Resolver similarity lookups embed the same candidate
// labels repeatedly; the cache turns those into memory hits.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCached wraps inner with a cache holding roughly maxEntries vectors.
func NewCached(inner Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10, // Counters per ristretto guidance
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Generate returns a cached vector when available, otherwise delegates
// to the wrapped embedder and caches the result.
func (c *CachedEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Generate(ctx, text)
	if err != nil {
		return nil, err
	}

	// Each entry costs 1; eviction is by entry count, not bytes.
	c.cache.Set(text, vec, 1)
	return vec, nil
}

// Close releases the cache's internal goroutines.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
