package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetPut(t *testing.T) {
	c := New(10, time.Minute)

	key := Key("mxbai-embed-large", "hello world")
	_, ok := c.Get(key)
	assert.False(t, ok, "empty cache should miss")

	c.Put(key, []float32{0.1, 0.2, 0.3})
	vec, ok := c.Get(key)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestKeyDistinguishesModelAndText(t *testing.T) {
	assert.NotEqual(t, Key("model-a", "text"), Key("model-b", "text"))
	assert.NotEqual(t, Key("model", "alpha"), Key("model", "beta"))
	// The separator byte keeps ("ab","c") and ("a","bc") apart.
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.Equal(t, Key("model", "text"), Key("model", "text"))
}

func TestLRUEviction(t *testing.T) {
	c := New(2, time.Minute)

	c.Put(Key("m", "first"), []float32{1})
	c.Put(Key("m", "second"), []float32{2})

	// Touch "first" so "second" becomes the eviction candidate.
	_, ok := c.Get(Key("m", "first"))
	assert.True(t, ok)

	c.Put(Key("m", "third"), []float32{3})

	_, ok = c.Get(Key("m", "second"))
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get(Key("m", "first"))
	assert.True(t, ok)
	_, ok = c.Get(Key("m", "third"))
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 10*time.Millisecond)

	key := Key("m", "transient")
	c.Put(key, []float32{1})

	_, ok := c.Get(key)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get(key)
	assert.False(t, ok, "expired entry should miss")
	assert.Equal(t, 0, c.Len(), "expired entry should be removed on Get")
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c := New(10, 0)

	key := Key("m", "durable")
	c.Put(key, []float32{1})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(key)
	assert.True(t, ok)
}

func TestPutRefreshesExisting(t *testing.T) {
	c := New(10, time.Minute)

	key := Key("m", "text")
	c.Put(key, []float32{1})
	c.Put(key, []float32{2})

	vec, ok := c.Get(key)
	assert.True(t, ok)
	assert.Equal(t, []float32{2}, vec)
	assert.Equal(t, 1, c.Len())
}

func TestRemoveAndClear(t *testing.T) {
	c := New(10, time.Minute)

	c.Put(Key("m", "a"), []float32{1})
	c.Put(Key("m", "b"), []float32{2})

	c.Remove(Key("m", "a"))
	_, ok := c.Get(Key("m", "a"))
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok = c.Get(Key("m", "b"))
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	c := New(5, time.Minute)

	key := Key("m", "text")
	c.Get(key) // miss
	c.Put(key, []float32{1})
	c.Get(key) // hit
	c.Get(key) // hit

	s := c.Stats()
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 5, s.MaxSize)
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(100, time.Minute)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				key := Key("m", string(rune('a'+n)))
				c.Put(key, []float32{float32(j)})
				c.Get(key)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.LessOrEqual(t, c.Len(), 100)
}
