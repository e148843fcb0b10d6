// Package dedup decides whether a candidate knowledge piece duplicates
// something already stored.
//
// Three tiers run in order, cheapest first, and the first conclusive tier
// wins:
//
//  1. Exact: blake2b content hash lookup within the candidate's scope.
//     A hit is a duplicate, no model involved.
//  2. Semantic: cosine similarity against the vector index. At or above
//     the duplicate threshold (0.98) the candidate is a near-verbatim
//     restatement. Below the escalation threshold (0.85) it is distinct.
//  3. Judge: for the gray zone in between, the single best match is
//     escalated to the LLM judge, which answers add, update, merge, or
//     noop.
//
// Degradation is deliberate: no embedding means tier 2 is skipped, an
// unreachable judge means the gray zone resolves to add. A sick model
// pipeline may let a duplicate in, but it never loses knowledge.
package dedup

import (
	"context"
	"errors"
	"log"

	"github.com/orneryd/munin/pkg/judge"
	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
)

// Default similarity thresholds.
const (
	DefaultDuplicateThreshold = 0.98
	DefaultEscalateThreshold  = 0.85
	DefaultCandidateLimit     = 5
)

// Action is what ingestion should do with the candidate.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionMerge  Action = "merge"
	ActionNoOp   Action = "noop"
)

// Tier identifies which tier produced the verdict.
type Tier int

const (
	TierNone  Tier = 0 // no match anywhere, default add
	TierExact Tier = 1
	TierVec   Tier = 2
	TierJudge Tier = 3
)

// Result is the dedup verdict for a candidate.
type Result struct {
	Action     Action
	Matched    *storage.Piece // nil for ActionAdd with no match
	Confidence float64
	Similarity float64 // cosine to Matched, 0 when tier 2 did not run
	Tier       Tier
	// MergedContent carries the judge's combined text for ActionMerge.
	MergedContent string
	// Degraded is set when a tier was skipped because its backend failed.
	Degraded bool
}

// Config holds dedup thresholds.
type Config struct {
	DuplicateThreshold float64 `yaml:"duplicate_threshold"` // >= means noop
	EscalateThreshold  float64 `yaml:"escalate_threshold"`  // >= means ask the judge
	CandidateLimit     int     `yaml:"candidate_limit"`     // vector candidates fetched
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		DuplicateThreshold: DefaultDuplicateThreshold,
		EscalateThreshold:  DefaultEscalateThreshold,
		CandidateLimit:     DefaultCandidateLimit,
	}
}

// Deduplicator runs the three-tier pipeline.
type Deduplicator struct {
	engine   storage.Engine
	searcher *search.Service
	judge    judge.Judge
	config   *Config
}

// New creates a deduplicator. A nil config uses DefaultConfig(). The judge
// may be nil, in which case gray-zone candidates resolve to add.
func New(engine storage.Engine, searcher *search.Service, j judge.Judge, config *Config) *Deduplicator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Deduplicator{engine: engine, searcher: searcher, judge: j, config: config}
}

// Evaluate runs the candidate through the three tiers.
//
// The candidate's ContentHash and Embedding should be populated before the
// call; a missing embedding skips tier 2 rather than erroring. Matching is
// confined to the candidate's scope (domain plus space), so the same fact
// in two domains is not a duplicate.
func (d *Deduplicator) Evaluate(ctx context.Context, candidate *storage.Piece) (*Result, error) {
	scope := candidate.Scope()

	// Tier 1: exact content hash.
	hash := candidate.ContentHash
	if hash == "" {
		hash = storage.HashContent(candidate.Content)
	}
	existing, err := d.engine.FindByHash(hash, scope)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	// A stored candidate finds its own hash; that is not a duplicate.
	// Deferred evaluation re-runs pieces that are already in the index,
	// so a self hit falls through to tier 2.
	if existing != nil && existing.ID == candidate.ID {
		existing = nil
	}
	if existing != nil {
		return &Result{
			Action:     ActionNoOp,
			Matched:    existing,
			Confidence: 1,
			Similarity: 1,
			Tier:       TierExact,
		}, nil
	}

	// Tier 2: semantic similarity.
	if len(candidate.Embedding) == 0 {
		return &Result{Action: ActionAdd, Tier: TierNone, Degraded: true}, nil
	}
	matches, err := d.searcher.VectorSearch(ctx, candidate.Embedding, d.config.CandidateLimit, scope)
	if err != nil {
		log.Printf("dedup: vector search failed, treating candidate as new: %v", err)
		return &Result{Action: ActionAdd, Tier: TierNone, Degraded: true}, nil
	}

	best, bestScore := bestMatch(candidate, matches)
	if best == nil || bestScore < d.config.EscalateThreshold {
		return &Result{Action: ActionAdd, Tier: TierVec, Matched: best, Similarity: bestScore}, nil
	}
	if bestScore >= d.config.DuplicateThreshold {
		return &Result{
			Action:     ActionNoOp,
			Matched:    best,
			Confidence: bestScore,
			Similarity: bestScore,
			Tier:       TierVec,
		}, nil
	}

	// Tier 3: gray zone, escalate the single best match to the judge.
	if d.judge == nil {
		return &Result{Action: ActionAdd, Matched: best, Similarity: bestScore, Tier: TierJudge, Degraded: true}, nil
	}
	decision, err := d.judge.Decide(ctx, candidate, best)
	if err != nil {
		if errors.Is(err, judge.ErrJudgeUnavailable) {
			log.Printf("dedup: judge unavailable, treating candidate as new: %v", err)
			return &Result{Action: ActionAdd, Matched: best, Similarity: bestScore, Tier: TierJudge, Degraded: true}, nil
		}
		return nil, err
	}

	return &Result{
		Action:        Action(decision.Action),
		Matched:       best,
		Confidence:    decision.Confidence,
		Similarity:    bestScore,
		Tier:          TierJudge,
		MergedContent: decision.MergedContent,
	}, nil
}

// bestMatch returns the highest-scoring match that is not the candidate
// itself. VectorSearch already filters to active, in-scope pieces.
func bestMatch(candidate *storage.Piece, matches []search.Result) (*storage.Piece, float64) {
	for _, m := range matches {
		if storage.PieceID(m.ID) == candidate.ID {
			continue
		}
		return m.Piece, m.Similarity
	}
	return nil, 0
}
