// Package search provides hybrid retrieval with Reciprocal Rank Fusion.
//
// This package implements the same hybrid search approach used by
// production systems like Azure AI Search, Elasticsearch, and Weaviate:
// combining vector similarity search with BM25 full-text search using
// Reciprocal Rank Fusion (RRF).
//
// Search Capabilities:
//   - Vector similarity search (cosine over normalized embeddings)
//   - BM25 full-text search (keyword matching with TF-IDF)
//   - RRF hybrid search with weighted fusion
//   - Parallel legs joined with a timeout
//   - Graceful degradation when one leg fails
//
// How RRF Works:
//
// RRF combines rankings from multiple search methods. Instead of merging
// raw scores (which are incomparable between BM25 and cosine), RRF uses
// rank positions to create a unified ranking.
//
// Formula: fused = vectorWeight/(k + rank_vector) + textWeight/(k + rank_text)
//
// Where:
//   - k is a constant (default 60) smoothing rank differences
//   - rank is the 1-indexed position in that leg's result list
//   - a piece missing from one leg contributes 0 for that term
//
// Example: a piece ranked #1 by vector and #3 by keyword with default
// weights:
//
//	fused = 0.7/(60+1) + 0.3/(60+3)
//	      = 0.01148 + 0.00476
//	      = 0.01624
//
// Pieces appearing in both legs get boosted over pieces that dominate
// only one leg.
//
// Reference: Cormack, Clarke & Buettcher (2009), "Reciprocal Rank Fusion
// outperforms the best known automatic evaluation measures in combining
// results from multiple text retrieval systems."
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orneryd/munin/pkg/storage"
)

// Options configures hybrid search behavior.
type Options struct {
	// Limit is the maximum number of fused results to return.
	Limit int

	// MinSimilarity is the minimum cosine similarity for the vector leg.
	MinSimilarity float64

	// Scope restricts results to one (domain, space). Zero Domain
	// matches all domains; Spaces lists the spaces searched (empty
	// means Main and Personal; Developmental is opt-in).
	Domain string
	Spaces []storage.Space

	// Fusion configuration.
	FusionK      float64 // RRF constant (default: 60)
	VectorWeight float64 // Weight for the vector leg (default: 0.7)
	TextWeight   float64 // Weight for the keyword leg (default: 0.3)

	// LegTimeout bounds each search leg. A leg that misses the
	// deadline is dropped and the query degrades to the other leg.
	LegTimeout time.Duration
}

// DefaultOptions returns the default hybrid search configuration.
func DefaultOptions() *Options {
	return &Options{
		Limit:         50,
		MinSimilarity: 0,
		FusionK:       60,
		VectorWeight:  0.7,
		TextWeight:    0.3,
		LegTimeout:    2 * time.Second,
	}
}

// DefaultSpaces are the spaces searched when none are requested.
// Developmental pieces are excluded from default retrieval.
var DefaultSpaces = []storage.Space{storage.SpaceMain, storage.SpacePersonal}

// Result is one fused search hit.
type Result struct {
	ID         string
	Fused      float64
	Similarity float64 // raw cosine similarity when the vector leg saw it
	VectorRank int     // 1-indexed; 0 when absent from the leg
	TextRank   int
	Piece      *storage.Piece
}

// Response is the outcome of a hybrid search.
type Response struct {
	Results []Result
	// Method names the legs that contributed: "hybrid", "vector",
	// or "keyword".
	Method string
	// Degraded is true when a leg errored or timed out and the query
	// proceeded on the surviving leg alone.
	Degraded bool

	VectorCandidates int
	TextCandidates   int
}

// Service provides hybrid search over the piece store.
//
// The Service maintains a vector index and a BM25 index of active
// pieces. Both must be kept in sync with the store: IndexPiece after
// every write that leaves a piece active, RemovePiece after
// deactivation.
//
// Thread-safe: multiple goroutines can call Hybrid concurrently.
//
// Example:
//
//	svc := search.NewService(engine)
//	if err := svc.BuildIndexes(ctx); err != nil {
//		log.Fatal(err)
//	}
//	resp, err := svc.Hybrid(ctx, "learning rate", queryEmbedding, nil)
type Service struct {
	engine        storage.Engine
	vectorIndex   *VectorIndex
	fulltextIndex *FulltextIndex
	mu            sync.RWMutex
}

// NewService creates a search Service with empty indexes.
// Call BuildIndexes to populate them from existing data.
func NewService(engine storage.Engine) *Service {
	return &Service{
		engine:        engine,
		vectorIndex:   NewVectorIndex(0),
		fulltextIndex: NewFulltextIndex(),
	}
}

// IndexPiece adds an active piece to both indexes. Inactive pieces are
// removed instead, so callers can invoke this unconditionally after any
// write.
func (s *Service) IndexPiece(piece *storage.Piece) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !piece.Active {
		s.vectorIndex.Remove(string(piece.ID))
		s.fulltextIndex.Remove(string(piece.ID))
		return nil
	}

	if len(piece.Embedding) > 0 {
		if err := s.vectorIndex.Add(string(piece.ID), piece.Embedding); err != nil {
			return fmt.Errorf("index piece %s: %w", piece.ID, err)
		}
	}

	if text := searchableText(piece); text != "" {
		s.fulltextIndex.Index(string(piece.ID), text)
	}
	return nil
}

// RemovePiece removes a piece from both indexes.
func (s *Service) RemovePiece(id storage.PieceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectorIndex.Remove(string(id))
	s.fulltextIndex.Remove(string(id))
}

// BuildIndexes populates both indexes from every active piece in the
// store. Safe to call on a warm service; existing entries are replaced.
func (s *Service) BuildIndexes(ctx context.Context) error {
	pieces, err := s.engine.AllPieces()
	if err != nil {
		return fmt.Errorf("build indexes: %w", err)
	}

	count := 0
	for _, piece := range pieces {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !piece.Active {
			continue
		}
		if err := s.IndexPiece(piece); err != nil {
			continue // skip unindexable pieces, keep building
		}
		count++
	}
	return nil
}

// VectorSearch runs the vector leg alone, scope-filtered. Used by the
// deduplicator's semantic tier.
func (s *Service) VectorSearch(ctx context.Context, embedding []float32, k int, scope storage.Scope) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Over-fetch before scope filtering.
	raw, err := s.vectorIndex.Search(ctx, embedding, k*4, 0)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, k)
	for _, r := range raw {
		piece, err := s.engine.GetPiece(storage.PieceID(r.ID))
		if err != nil || !piece.Active {
			continue
		}
		if piece.Domain != scope.Domain || piece.Space != scope.Space {
			continue
		}
		results = append(results, Result{
			ID:         r.ID,
			Similarity: r.Score,
			Fused:      r.Score,
			Piece:      piece,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// legOutcome carries one leg's results across the join.
type legOutcome struct {
	results []IndexResult
	err     error
}

// Hybrid performs hybrid search with graceful degradation.
//
// Both legs run concurrently and are joined with opts.LegTimeout. A leg
// that errors or times out is dropped; the query proceeds on the
// surviving leg alone and the response is marked Degraded. Only when
// both legs fail does Hybrid return an error.
//
// An empty embedding skips the vector leg entirely (keyword-only
// search), which is how retrieval degrades when the embedding provider
// is unavailable.
func (s *Service) Hybrid(ctx context.Context, query string, embedding []float32, opts *Options) (*Response, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	candidateLimit := opts.Limit * 2
	legCtx, cancel := context.WithTimeout(ctx, legTimeout(opts))
	defer cancel()

	vectorCh := make(chan legOutcome, 1)
	textCh := make(chan legOutcome, 1)

	if len(embedding) > 0 {
		go func() {
			s.mu.RLock()
			defer s.mu.RUnlock()
			results, err := s.vectorIndex.Search(legCtx, embedding, candidateLimit, opts.MinSimilarity)
			vectorCh <- legOutcome{results: results, err: err}
		}()
	} else {
		vectorCh <- legOutcome{err: context.Canceled}
	}

	go func() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		textCh <- legOutcome{results: s.fulltextIndex.Search(query, candidateLimit)}
	}()

	vector := joinLeg(legCtx, vectorCh)
	text := joinLeg(legCtx, textCh)

	degraded := false
	method := "hybrid"
	switch {
	case vector.err == nil && text.err == nil:
		// both legs alive
	case vector.err == nil:
		method = "vector"
		degraded = true
	case text.err == nil:
		method = "keyword"
		degraded = len(embedding) > 0 // keyword-only by request is not degradation
	default:
		return nil, fmt.Errorf("hybrid search: both legs failed: vector: %v: %w", vector.err, text.err)
	}

	fused := s.fuse(vector.results, text.results, opts)

	return &Response{
		Results:          fused,
		Method:           method,
		Degraded:         degraded,
		VectorCandidates: len(vector.results),
		TextCandidates:   len(text.results),
	}, nil
}

func legTimeout(opts *Options) time.Duration {
	if opts.LegTimeout > 0 {
		return opts.LegTimeout
	}
	return 2 * time.Second
}

// joinLeg waits for a leg result or the shared deadline.
func joinLeg(ctx context.Context, ch chan legOutcome) legOutcome {
	select {
	case out := <-ch:
		return out
	case <-ctx.Done():
		return legOutcome{err: ctx.Err()}
	}
}

// fuse implements weighted Reciprocal Rank Fusion over the two legs,
// then filters by scope and enriches results with piece data.
func (s *Service) fuse(vectorResults, textResults []IndexResult, opts *Options) []Result {
	k := opts.FusionK
	if k == 0 {
		k = 60
	}

	vectorRanks := make(map[string]int, len(vectorResults))
	for i, r := range vectorResults {
		vectorRanks[r.ID] = i + 1
	}
	textRanks := make(map[string]int, len(textResults))
	for i, r := range textResults {
		textRanks[r.ID] = i + 1
	}

	allIDs := make(map[string]struct{}, len(vectorRanks)+len(textRanks))
	for id := range vectorRanks {
		allIDs[id] = struct{}{}
	}
	for id := range textRanks {
		allIDs[id] = struct{}{}
	}

	spaces := opts.Spaces
	if len(spaces) == 0 {
		spaces = DefaultSpaces
	}
	spaceSet := make(map[storage.Space]struct{}, len(spaces))
	for _, sp := range spaces {
		spaceSet[sp] = struct{}{}
	}

	var results []Result
	for id := range allIDs {
		var fusedScore float64
		if rank, ok := vectorRanks[id]; ok {
			fusedScore += opts.VectorWeight / (k + float64(rank))
		}
		if rank, ok := textRanks[id]; ok {
			fusedScore += opts.TextWeight / (k + float64(rank))
		}

		piece, err := s.engine.GetPiece(storage.PieceID(id))
		if err != nil || !piece.Active {
			continue
		}
		if opts.Domain != "" && piece.Domain != opts.Domain {
			continue
		}
		if _, ok := spaceSet[piece.Space]; !ok {
			continue
		}

		var similarity float64
		if rank, ok := vectorRanks[id]; ok {
			similarity = vectorResults[rank-1].Score
		}

		results = append(results, Result{
			ID:         id,
			Fused:      fusedScore,
			Similarity: similarity,
			VectorRank: vectorRanks[id],
			TextRank:   textRanks[id],
			Piece:      piece,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Fused > results[j].Fused
	})

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

// searchableText concatenates the keyword-indexed fields of a piece.
func searchableText(piece *storage.Piece) string {
	parts := make([]string, 0, 3)
	if piece.Content != "" {
		parts = append(parts, piece.Content)
	}
	if piece.Summary != "" {
		parts = append(parts, piece.Summary)
	}
	if len(piece.Tags) > 0 {
		parts = append(parts, strings.Join(piece.Tags, " "))
	}
	return strings.Join(parts, " ")
}
