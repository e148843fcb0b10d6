package search

import (
	"math"
	"sort"

	"github.com/orneryd/munin/pkg/math/vector"
)

// MMRCandidate is one input to Maximal Marginal Relevance selection.
type MMRCandidate struct {
	ID        string
	Relevance float64
	Embedding []float32
}

// MMR greedily re-ranks candidates to balance relevance with diversity,
// preventing result sets full of near-duplicates.
//
// Formula: MMR(d) = λ·relevance(d) − (1−λ)·max(sim(d, selected))
//
// Where:
//   - λ = 1.0: pure relevance (no diversification)
//   - λ = 0.0: pure diversity
//   - λ = 0.7: default, 70% relevance / 30% diversity
//   - sim is cosine similarity between embeddings
//
// The algorithm picks the highest-MMR candidate each round until limit
// is reached or candidates are exhausted. Candidates without embeddings
// contribute no similarity penalty, so they compete on relevance alone.
//
// Pure, single-threaded post-processing over an already-joined result
// set.
//
// Reference: Carbonell & Goldstein (1998), "The Use of MMR,
// Diversity-Based Reranking for Reordering Documents and Producing
// Summaries".
func MMR(candidates []MMRCandidate, lambda float64, limit int) []MMRCandidate {
	if limit <= 0 || len(candidates) == 0 {
		return nil
	}
	if len(candidates) <= 1 || lambda >= 1.0 {
		// Pure relevance: the greedy loop would pick by relevance
		// anyway, so just sort and truncate.
		out := append([]MMRCandidate(nil), candidates...)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Relevance > out[j].Relevance
		})
		if len(out) > limit {
			out = out[:limit]
		}
		return out
	}

	selected := make([]MMRCandidate, 0, limit)
	remaining := append([]MMRCandidate(nil), candidates...)

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := -1
		bestScore := math.Inf(-1)

		for i, cand := range remaining {
			maxSim := 0.0
			if cand.Embedding != nil {
				for _, sel := range selected {
					if sel.Embedding == nil {
						continue
					}
					if sim := vector.CosineSimilarity(cand.Embedding, sel.Embedding); sim > maxSim {
						maxSim = sim
					}
				}
			}

			score := lambda*cand.Relevance - (1-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		if bestIdx < 0 {
			break
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}
