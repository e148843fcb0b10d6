package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// Static is a deterministic in-process Embedder for tests and offline use.
//
// Texts registered in Vectors get their fixed vector back; anything else
// gets a deterministic pseudo-embedding derived from an FNV hash of the
// text, normalized to unit length. Equal texts always produce equal
// vectors, so dedup and search behavior is reproducible.
type Static struct {
	Vectors map[string][]float32
	Dim     int
	Err     error // returned from every call when non-nil
}

// NewStatic creates a Static embedder producing dim-dimensional vectors.
func NewStatic(dim int) *Static {
	return &Static{Vectors: make(map[string][]float32), Dim: dim}
}

func (s *Static) Embed(_ context.Context, text string) ([]float32, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if vec, ok := s.Vectors[text]; ok {
		return vec, nil
	}
	return pseudoEmbedding(text, s.Dim), nil
}

func (s *Static) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

func (s *Static) Dimensions() int { return s.Dim }

func (s *Static) Model() string { return "static" }

func pseudoEmbedding(text string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		// xorshift64 keeps the sequence deterministic per text
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(int64(seed%2000)-1000) / 1000.0
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
