// Package munin provides the main API for embedded Munin usage.
//
// Munin is a knowledge engine for AI agents: it keeps a corpus of
// knowledge pieces consistent as new information arrives, and ranks
// what it returns so an agent's limited context window gets the most
// useful material first.
//
// Key Features:
//   - Three-tier ingestion dedup (content hash, vector similarity, LLM judge)
//   - Per-knowledge-type merge strategies, from fully automatic to manual review
//   - Quality validation with quarantine for failing pieces
//   - Hybrid retrieval (vector + keyword) with temporal decay and MMR diversity
//   - Token-budgeted output formatting for direct prompt injection
//
// Architecture:
//   - Storage: pluggable engine (BadgerDB persistent, in-memory for tests)
//   - Ingest: validation, dedup, and merge-strategy resolution in one pass
//   - Retrieve: hybrid search, decay, diversity, budget-aware selection
//   - Worker: durable queue driving deferred dedup, validation, and expiry
//
// Example Usage:
//
//	db, err := munin.Open("./data", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	outcome, err := db.Ingest(ctx, &ingest.Candidate{
//		Content:       "The deploy pipeline requires a green staging run first.",
//		KnowledgeType: storage.KnowledgeFact,
//		InfoType:      "facts",
//		Domain:        "deployment",
//	})
//
//	result, err := db.Retrieve(ctx, &retrieve.Request{
//		Query:  "what do I need before deploying?",
//		Domain: "deployment",
//	})
//	fmt.Println(result.Text) // ready to paste into a prompt
//
// ELI12:
//
// Think of Munin like a very organized notebook that an AI assistant
// keeps:
//
//  1. **No duplicate pages**: When you write something it already
//     knows, it notices ("you told me this before!") and either skips
//     it, updates the old page, or staples the two together.
//
//  2. **A quality check at the door**: New notes get checked for
//     problems (is it contradictory? does it leak someone's password?).
//     Suspicious notes go to a "quarantine" drawer instead of the
//     main notebook.
//
//  3. **Smart lookups**: Ask a question and it finds the most relevant
//     pages, prefers fresh ones over stale ones, and avoids handing
//     you five pages that all say the same thing.
//
//  4. **It fits your bag**: The answer is trimmed to a size budget, so
//     the assistant's limited "working memory" gets the best pages,
//     not just the first ones.
package munin

import (
	"context"
	"fmt"
	"log"

	"github.com/orneryd/munin/pkg/config"
	"github.com/orneryd/munin/pkg/decay"
	"github.com/orneryd/munin/pkg/dedup"
	"github.com/orneryd/munin/pkg/embed"
	"github.com/orneryd/munin/pkg/ingest"
	"github.com/orneryd/munin/pkg/judge"
	"github.com/orneryd/munin/pkg/lifecycle"
	"github.com/orneryd/munin/pkg/merge"
	"github.com/orneryd/munin/pkg/retrieve"
	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
	"github.com/orneryd/munin/pkg/validate"
)

// DB is an open Munin instance. All methods are safe for concurrent
// use. Create one with Open and release it with Close.
type DB struct {
	config   *config.Config
	engine   storage.Engine
	queue    storage.WorkQueue
	searcher *search.Service

	embedder embed.Embedder
	judge    judge.Judge

	validator *validate.Validator
	dedup     *dedup.Deduplicator
	manager   *merge.Manager
	ingestor  *ingest.Pipeline
	retriever *retrieve.Pipeline
	decayer   *decay.Decay
	sweeper   *lifecycle.Sweeper
	worker    *merge.Worker
}

// Option customizes a DB before its pipelines are wired. Mainly for
// tests and embedded callers that bring their own providers.
type Option func(*DB)

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e embed.Embedder) Option {
	return func(db *DB) { db.embedder = e }
}

// WithJudge replaces the configured judge.
func WithJudge(j judge.Judge) Option {
	return func(db *DB) { db.judge = j }
}

// WithEngine replaces the storage engine and queue. The caller owns
// neither after Open; Close releases both.
func WithEngine(engine storage.Engine, queue storage.WorkQueue) Option {
	return func(db *DB) {
		db.engine = engine
		db.queue = queue
	}
}

// Open creates or opens a Munin instance.
//
// A non-empty dataDir overrides the configured data directory. A nil
// config loads defaults plus MUNIN_* environment variables. The
// background worker starts immediately; callers that want a passive
// instance can still drain jobs explicitly with Sweep.
func Open(dataDir string, cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db := &DB{config: cfg}

	// Providers first, so options can override them before wiring.
	if cfg.Embedding.Provider != "" {
		embedder, err := embed.New(&cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		db.embedder = embedder
	}
	db.judge = judge.NewHTTP(&cfg.Judge)

	for _, opt := range opts {
		opt(db)
	}

	if db.engine == nil {
		switch cfg.Storage.Backend {
		case "memory":
			db.engine = storage.NewMemoryEngine()
			db.queue = storage.NewMemoryQueue()
		default:
			engine, err := storage.NewBadgerEngine(cfg.Storage.DataDir)
			if err != nil {
				return nil, fmt.Errorf("open storage at %s: %w", cfg.Storage.DataDir, err)
			}
			db.engine = engine
			db.queue = storage.NewBadgerQueue(engine)
		}
	}

	db.searcher = search.NewService(db.engine)
	if err := db.searcher.BuildIndexes(context.Background()); err != nil {
		db.engine.Close()
		return nil, fmt.Errorf("open: %w", err)
	}

	db.decayer = decay.New(&cfg.Decay)
	db.validator = validate.New(db.judge, &cfg.Validation)
	db.dedup = dedup.New(db.engine, db.searcher, db.judge, &cfg.Dedup)
	db.manager = merge.NewManager(db.engine, db.searcher, db.dedup, db.embedder, &cfg.Merge)
	db.ingestor = ingest.New(db.engine, db.searcher, db.embedder, db.validator, db.dedup, db.manager, db.queue)
	db.retriever = retrieve.New(db.engine, db.searcher, db.embedder, db.decayer, &cfg.Retrieval)
	db.sweeper = lifecycle.NewSweeper(db.engine, db.searcher, db.queue, cfg.Worker.DevelopmentalTTL)

	db.worker = merge.NewWorker(db.queue, cfg.Worker.Interval)
	db.worker.Handle(storage.JobDedup, func(ctx context.Context, job *storage.Job) error {
		return db.manager.RunDedup(ctx, job.PieceID)
	})
	db.worker.Handle(storage.JobValidate, func(ctx context.Context, job *storage.Job) error {
		_, err := db.validator.ValidatePiece(ctx, db.engine, job.PieceID)
		return err
	})
	db.worker.Handle(storage.JobExpiry, func(ctx context.Context, job *storage.Job) error {
		return db.sweeper.ExpirePiece(ctx, job.PieceID)
	})
	db.worker.Start()

	log.Printf("munin: opened (%s)", cfg)
	return db, nil
}

// Close stops the background worker and releases the storage engine.
func (db *DB) Close() error {
	db.worker.Stop()
	return db.engine.Close()
}

// Ingest runs one candidate through validation, dedup, and storage.
// See ingest.Pipeline for the full semantics.
func (db *DB) Ingest(ctx context.Context, c *ingest.Candidate) (*ingest.Outcome, error) {
	return db.ingestor.Ingest(ctx, c)
}

// Retrieve runs a query through hybrid search, decay, diversity
// re-ranking, and budget-aware formatting.
func (db *DB) Retrieve(ctx context.Context, req *retrieve.Request) (*retrieve.Result, error) {
	return db.retriever.Retrieve(ctx, req)
}

// Get loads a single piece by id, active or not.
func (db *DB) Get(id storage.PieceID) (*storage.Piece, error) {
	return db.engine.GetPiece(id)
}

// Validate re-runs quality checks on a stored piece and persists the
// outcome. A piece that fails moves to the developmental space. A
// quarantined piece that newly passes stops being eligible for expiry
// but stays in the developmental space until a reviewer moves it.
func (db *DB) Validate(ctx context.Context, id storage.PieceID) (*validate.Result, error) {
	return db.validator.ValidatePiece(ctx, db.engine, id)
}

// RunDedup runs post-ingestion dedup for one piece, the same path the
// background worker takes for deferred strategies.
func (db *DB) RunDedup(ctx context.Context, id storage.PieceID) error {
	return db.manager.RunDedup(ctx, id)
}

// Suggestions lists pending merge suggestions in a scope, oldest
// first. Expired suggestions are discarded during the scan.
func (db *DB) Suggestions(scope storage.Scope) ([]*storage.Suggestion, error) {
	return db.manager.ListSuggestions(scope)
}

// ResolveSuggestion approves or rejects a pending merge suggestion.
// Approving an expired suggestion returns merge.ErrSuggestionExpired;
// the stale proposal is never applied.
func (db *DB) ResolveSuggestion(ctx context.Context, id storage.SuggestionID, approve bool) error {
	return db.manager.ResolveSuggestion(ctx, id, approve)
}

// Link records a typed edge between two pieces. Unknown edge types are
// accepted with a warning, so callers can extend the vocabulary
// without a schema change.
func (db *DB) Link(sourceID, targetID storage.PieceID, edgeType storage.EdgeType, provenance string) (*storage.Edge, error) {
	if !storage.KnownEdgeType(edgeType) {
		log.Printf("munin: unknown edge type %q, storing anyway", edgeType)
	}
	edge := &storage.Edge{
		ID:         storage.NewEdgeID(),
		Source:     sourceID,
		Target:     targetID,
		Type:       edgeType,
		Provenance: provenance,
	}
	if err := db.engine.AddEdge(edge); err != nil {
		return nil, fmt.Errorf("link %s -> %s: %w", sourceID, targetID, err)
	}
	return edge, nil
}

// Neighbors returns the pieces reachable from id over outgoing edges,
// optionally filtered by edge type. Deactivated neighbors are
// included: provenance chains traverse superseded pieces.
func (db *DB) Neighbors(id storage.PieceID, edgeType storage.EdgeType) ([]*storage.Piece, error) {
	edges, err := db.engine.EdgesFor(id, edgeType)
	if err != nil {
		return nil, fmt.Errorf("neighbors of %s: %w", id, err)
	}
	pieces := make([]*storage.Piece, 0, len(edges))
	for _, edge := range edges {
		piece, err := db.engine.GetPiece(edge.Target)
		if err != nil {
			log.Printf("munin: edge %s targets missing piece %s, skipping", edge.ID, edge.Target)
			continue
		}
		pieces = append(pieces, piece)
	}
	return pieces, nil
}

// SweepStats reports what one maintenance sweep scheduled.
type SweepStats struct {
	ValidationJobs int `json:"validation_jobs"`
	ExpiryJobs     int `json:"expiry_jobs"`
}

// Sweep schedules maintenance work: validation jobs for unvalidated
// pieces and expiry jobs for quarantined pieces past retention, then
// drains the queue inline. The background worker does the same on its
// own interval; Sweep exists for CLI runs and tests that need the work
// done now.
func (db *DB) Sweep(ctx context.Context) (*SweepStats, error) {
	stats := &SweepStats{}

	validations, err := db.validator.Sweep(ctx, db.engine, db.queue)
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}
	stats.ValidationJobs = validations

	expiries, err := db.sweeper.Sweep(ctx)
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}
	stats.ExpiryJobs = expiries

	db.worker.Drain(ctx)
	return stats, nil
}

// Stats summarizes the corpus.
type Stats struct {
	Pieces        int64 `json:"pieces"`
	Active        int64 `json:"active"`
	Embedded      int64 `json:"embedded"`
	Developmental int64 `json:"developmental"`
}

// Stats counts pieces by lifecycle state. O(n) over the corpus.
func (db *DB) Stats() (*Stats, error) {
	pieces, err := db.engine.AllPieces()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	stats := &Stats{Pieces: int64(len(pieces))}
	for _, piece := range pieces {
		if piece.Active {
			stats.Active++
		}
		if len(piece.Embedding) > 0 {
			stats.Embedded++
		}
		if piece.Space == storage.SpaceDevelopmental {
			stats.Developmental++
		}
	}
	return stats, nil
}
