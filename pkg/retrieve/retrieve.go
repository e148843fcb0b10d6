// Package retrieve is the read path: query in, ranked and
// budget-constrained knowledge out.
//
// Stages run in a fixed order on the already-joined hybrid result set:
//
//	hybrid search -> fusion -> temporal decay -> MMR diversity ->
//	min-score threshold -> per-info-type token budget
//
// Decay and MMR are pure post-processing; everything concurrent (the two
// search legs) is behind the search service. An unavailable embedding
// provider degrades the query to keyword-only rather than failing it.
package retrieve

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/orneryd/munin/pkg/decay"
	"github.com/orneryd/munin/pkg/embed"
	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
)

// Request is one retrieval query.
type Request struct {
	Query string `json:"query"`
	// Domain filters to one domain; empty matches all.
	Domain string `json:"domain,omitempty"`
	// Spaces lists the spaces searched. Empty means Main and Personal;
	// Developmental is opt-in.
	Spaces     []storage.Space `json:"spaces,omitempty"`
	MaxResults int             `json:"maxResults,omitempty"`
	MinScore   float64         `json:"minScore,omitempty"`
}

// ScoredPiece is one retrieval hit with its per-stage scores.
type ScoredPiece struct {
	Piece *storage.Piece `json:"piece"`
	// Fused is the RRF score out of hybrid search.
	Fused float64 `json:"fused"`
	// Score is the final relevance after temporal decay.
	Score float64 `json:"score"`
	// Truncated is set when the budget kept only the summary.
	Truncated bool `json:"truncated,omitempty"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Pieces []ScoredPiece `json:"pieces"`
	// Text is the formatted, budget-constrained block handed to the
	// agent's context window.
	Text string `json:"text"`
	// Method and Degraded mirror the hybrid search response.
	Method   string `json:"method"`
	Degraded bool   `json:"degraded"`
}

// Config tunes the post-search stages.
type Config struct {
	// MMRLambda trades relevance (1.0) against diversity (0.0).
	MMRLambda float64 `yaml:"mmr_lambda"`
	// Budgets maps info_type -> token budget for the formatted block.
	Budgets map[string]int `yaml:"budgets"`
	// DefaultBudget applies to info types not listed in Budgets.
	DefaultBudget int `yaml:"default_budget"`
	// TouchAccess enables access reinforcement: returned pieces get
	// their access counters bumped, best effort.
	TouchAccess bool `yaml:"touch_access"`
}

// Defaults for the post-search stages.
const (
	DefaultMMRLambda     = 0.7
	DefaultMaxResults    = 10
	DefaultTokenBudget   = 1200
	candidateOverfetch   = 4
	minCandidatePoolSize = 30
)

// DefaultConfig returns the standard retrieval tuning.
func DefaultConfig() *Config {
	return &Config{
		MMRLambda:     DefaultMMRLambda,
		Budgets:       map[string]int{},
		DefaultBudget: DefaultTokenBudget,
		TouchAccess:   true,
	}
}

// Pipeline executes retrieval queries.
type Pipeline struct {
	engine   storage.Engine
	searcher *search.Service
	embedder embed.Embedder
	decay    *decay.Decay
	config   *Config
}

// New assembles the retrieval pipeline. A nil config uses
// DefaultConfig(); a nil embedder makes every query keyword-only.
func New(engine storage.Engine, searcher *search.Service, embedder embed.Embedder, d *decay.Decay, config *Config) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	return &Pipeline{
		engine:   engine,
		searcher: searcher,
		embedder: embedder,
		decay:    d,
		config:   config,
	}
}

// Retrieve runs the full pipeline for one query.
func (p *Pipeline) Retrieve(ctx context.Context, req *Request) (*Result, error) {
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	// Embed the query; an unavailable provider degrades to keyword-only.
	var queryVec []float32
	degraded := false
	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, req.Query)
		switch {
		case err == nil:
			queryVec = vec
		case errors.Is(err, embed.ErrEmbeddingUnavailable):
			log.Printf("retrieve: embedding unavailable, keyword-only query: %v", err)
			degraded = true
		default:
			return nil, err
		}
	}

	// Over-fetch so decay and MMR have a pool to work with.
	pool := maxResults * candidateOverfetch
	if pool < minCandidatePoolSize {
		pool = minCandidatePoolSize
	}
	opts := search.DefaultOptions()
	opts.Limit = pool
	opts.Domain = req.Domain
	opts.Spaces = req.Spaces

	resp, err := p.searcher.Hybrid(ctx, req.Query, queryVec, opts)
	if err != nil {
		return nil, err
	}

	// Decay, then MMR over the decayed relevance.
	now := time.Now()
	byID := make(map[string]ScoredPiece, len(resp.Results))
	candidates := make([]search.MMRCandidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		score := p.decay.ApplyAt(r.Fused, r.Piece.CreatedAt, r.Piece.InfoType, now)
		byID[r.ID] = ScoredPiece{Piece: r.Piece, Fused: r.Fused, Score: score}
		candidates = append(candidates, search.MMRCandidate{
			ID:        r.ID,
			Relevance: score,
			Embedding: r.Piece.Embedding,
		})
	}
	selected := search.MMR(candidates, p.config.MMRLambda, maxResults)

	pieces := make([]ScoredPiece, 0, len(selected))
	for _, c := range selected {
		sp := byID[c.ID]
		if sp.Score < req.MinScore {
			continue
		}
		pieces = append(pieces, sp)
	}

	pieces, text := formatBudgeted(pieces, p.config)

	if p.config.TouchAccess {
		p.touchAccess(pieces)
	}

	return &Result{
		Pieces:   pieces,
		Text:     text,
		Method:   resp.Method,
		Degraded: degraded || resp.Degraded,
	}, nil
}

// touchAccess bumps access counters on returned pieces. Best effort: a
// lost write race or closed store never fails the query.
func (p *Pipeline) touchAccess(pieces []ScoredPiece) {
	now := time.Now()
	for _, sp := range pieces {
		_, err := storage.Mutate(p.engine, sp.Piece.ID, func(piece *storage.Piece) error {
			piece.AccessCount++
			piece.LastAccessed = now
			return nil
		})
		if err != nil {
			log.Printf("retrieve: access touch for %s failed: %v", sp.Piece.ID, err)
		}
	}
}
