package embed

import (
	"context"
	"time"

	"github.com/orneryd/munin/pkg/cache"
)

// CachedEmbedder wraps an Embedder with an in-memory LRU cache keyed by
// (model, text). The ingestion pipeline embeds the same content for
// duplicate scoring and again at store time, so repeats are common.
//
// Thread-safe when the wrapped embedder is.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.VectorCache
}

// NewCached wraps inner with a cache of maxSize entries expiring after
// ttl. ttl <= 0 disables expiry.
func NewCached(inner Embedder, maxSize int, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		cache: cache.New(maxSize, ttl),
	}
}

// Embed returns a cached vector when available, otherwise delegates to
// the wrapped embedder and caches the result.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.Key(e.inner.Model(), text)
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, vec)
	return vec, nil
}

// EmbedBatch serves cached texts from memory and fetches only the
// misses in a single batch call to the wrapped embedder.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := e.cache.Get(cache.Key(e.inner.Model(), text)); ok {
			results[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	fetched, err := e.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range fetched {
		i := missingIdx[j]
		results[i] = vec
		e.cache.Put(cache.Key(e.inner.Model(), texts[i]), vec)
	}
	return results, nil
}

// Dimensions returns the wrapped embedder's dimensions.
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Model returns the wrapped embedder's model name.
func (e *CachedEmbedder) Model() string {
	return e.inner.Model()
}

// CacheStats returns hit/miss statistics for the embedding cache.
func (e *CachedEmbedder) CacheStats() cache.Stats {
	return e.cache.Stats()
}
