// Package search provides vector indexing with cosine similarity search.
package search

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/orneryd/munin/pkg/math/vector"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// IndexResult is a ranked hit from a single search leg.
type IndexResult struct {
	ID    string
	Score float64
}

// VectorIndex provides vector similarity search.
// Brute-force cosine over normalized vectors; adequate for corpora in
// the tens of thousands of pieces.
type VectorIndex struct {
	dimensions int
	mu         sync.RWMutex
	vectors    map[string][]float32
}

// NewVectorIndex creates a new vector index. The first added vector pins
// the dimensionality when dimensions is 0.
func NewVectorIndex(dimensions int) *VectorIndex {
	return &VectorIndex{
		dimensions: dimensions,
		vectors:    make(map[string][]float32),
	}
}

// Add adds or updates a vector in the index.
func (v *VectorIndex) Add(id string, vec []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dimensions == 0 {
		v.dimensions = len(vec)
	}
	if len(vec) != v.dimensions {
		return ErrDimensionMismatch
	}

	// Normalize once so search is a plain dot product.
	v.vectors[id] = vector.Normalize(vec)
	return nil
}

// Remove removes a vector from the index.
func (v *VectorIndex) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, id)
}

// Search finds vectors similar to the query vector.
// Returns results sorted by cosine similarity (highest first).
func (v *VectorIndex) Search(ctx context.Context, query []float32, limit int, minSimilarity float64) ([]IndexResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.dimensions != 0 && len(query) != v.dimensions {
		return nil, ErrDimensionMismatch
	}

	normalizedQuery := vector.Normalize(query)

	type scored struct {
		id    string
		score float64
	}
	var results []scored

	for id, vec := range v.vectors {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Dot product of normalized vectors = cosine similarity
		sim := vector.DotProduct(normalizedQuery, vec)
		if sim >= minSimilarity {
			results = append(results, scored{id: id, score: sim})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})

	if len(results) > limit {
		results = results[:limit]
	}

	output := make([]IndexResult, len(results))
	for i, r := range results {
		output[i] = IndexResult{ID: r.id, Score: r.score}
	}
	return output, nil
}

// Count returns the number of indexed vectors.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// HasVector reports whether id is indexed.
func (v *VectorIndex) HasVector(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.vectors[id]
	return ok
}


