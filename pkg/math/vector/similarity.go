// Package vector provides vector math for Munin.
//
// Embedding comparisons happen in three places (the vector index, the
// diversity re-ranker, and the dedup pipeline), and all of them must
// agree on what "similar" means. This package is the single
// implementation they share; use it instead of rolling your own.
//
// All functions accumulate in float64 regardless of input precision,
// so two call sites comparing the same embeddings get the same answer.
package vector

import "math"

// CosineSimilarity calculates cosine similarity between two embeddings.
// Returns a value in [-1, 1]: 1 = identical direction, 0 = orthogonal.
//
// Mismatched lengths compare as 0 (fully dissimilar) rather than
// panicking: a corpus re-embedded under a different model may briefly
// hold mixed dimensionalities, and those pieces must simply never match.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DotProduct calculates the dot product of two vectors. For normalized
// vectors this equals cosine similarity, which is why the vector index
// normalizes on insert and searches with a plain dot product.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize returns an L2-normalized copy of the vector. The input is
// not modified. A zero vector normalizes to a zero vector.
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}

	out := make([]float32, len(vec))
	if sumSquares == 0 {
		return out
	}

	norm := math.Sqrt(sumSquares)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// NormalizeInPlace normalizes a vector in-place. Use Normalize to
// preserve the original.
func NormalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	norm := 1.0 / math.Sqrt(sumSquares)
	for i := range v {
		v[i] = float32(float64(v[i]) * norm)
	}
}
