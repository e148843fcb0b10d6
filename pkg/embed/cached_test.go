package embed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder records how many texts reached the wrapped embedder.
type countingEmbedder struct {
	*Static
	embedded atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedded.Add(1)
	return c.Static.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.embedded.Add(int64(len(texts)))
	return c.Static.EmbedBatch(ctx, texts)
}

func TestCachedEmbedServesRepeats(t *testing.T) {
	inner := &countingEmbedder{Static: NewStatic(8)}
	cached := NewCached(inner, 16, time.Minute)

	ctx := context.Background()
	first, err := cached.Embed(ctx, "postgres runs on port 5432")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "postgres runs on port 5432")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.embedded.Load(), "repeat should be served from cache")

	stats := cached.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCachedEmbedBatchFetchesOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{Static: NewStatic(8)}
	cached := NewCached(inner, 16, time.Minute)

	ctx := context.Background()
	warm, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, int64(1), inner.embedded.Load())

	vecs, err := cached.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, warm, vecs[0])
	assert.Equal(t, int64(3), inner.embedded.Load(), "only beta and gamma should hit the provider")

	// Everything is now cached.
	_, err = cached.EmbedBatch(ctx, []string{"gamma", "beta"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), inner.embedded.Load())
}

func TestCachedEmbedDoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{Static: NewStatic(8)}
	inner.Err = errors.New("provider down")
	cached := NewCached(inner, 16, time.Minute)

	ctx := context.Background()
	_, err := cached.Embed(ctx, "text")
	require.Error(t, err)

	inner.Err = nil
	vec, err := cached.Embed(ctx, "text")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
}

func TestCachedPassesThroughMetadata(t *testing.T) {
	cached := NewCached(NewStatic(8), 16, time.Minute)
	assert.Equal(t, 8, cached.Dimensions())
	assert.Equal(t, "static", cached.Model())
}

func TestNewWrapsWithCacheWhenConfigured(t *testing.T) {
	cfg := DefaultOllamaConfig()
	require.Positive(t, cfg.CacheSize)

	embedder, err := New(cfg)
	require.NoError(t, err)
	_, ok := embedder.(*CachedEmbedder)
	assert.True(t, ok)

	cfg.CacheSize = 0
	embedder, err = New(cfg)
	require.NoError(t, err)
	_, ok = embedder.(*CachedEmbedder)
	assert.False(t, ok)
}
