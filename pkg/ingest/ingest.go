// Package ingest is the single write path for knowledge pieces.
//
// Each candidate moves through Received -> Validated? -> Deduplicated? ->
// Stored (or Discarded), with the question marks resolved by the merge
// strategy of its knowledge type. The pipeline processes each candidate
// exactly once to a terminal state. Partial failure rejects the whole
// candidate: a piece is never stored half-validated or half-deduplicated.
//
// Two backends are allowed to be down without failing ingestion. An
// unavailable embedder stores the piece without a vector (keyword-only
// until re-embedded); an unavailable judge resolves gray-zone dedup to
// add. An unavailable validator is different: for strategies that
// validate at ingest, the candidate is rejected, because admitting an
// unchecked piece into a default-retrieval space is worse than making the
// caller retry.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/orneryd/munin/pkg/dedup"
	"github.com/orneryd/munin/pkg/embed"
	"github.com/orneryd/munin/pkg/merge"
	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
	"github.com/orneryd/munin/pkg/validate"
)

// Status is the terminal state of one ingested candidate.
type Status string

const (
	StatusStored    Status = "STORED"
	StatusDiscarded Status = "DISCARDED"
)

// RelatedEdge is a graph relation extracted alongside a candidate.
type RelatedEdge struct {
	Target storage.PieceID  `json:"target"`
	Type   storage.EdgeType `json:"type"`
}

// Candidate is one unit of knowledge submitted for ingestion.
type Candidate struct {
	Content       string                `json:"content"`
	KnowledgeType storage.KnowledgeType `json:"knowledgeType"`
	InfoType      string                `json:"infoType,omitempty"`
	Domain        string                `json:"domain"`
	Tags          []string              `json:"tags,omitempty"`
	Space         storage.Space         `json:"space,omitempty"`
	Source        string                `json:"source,omitempty"`
	Summary       string                `json:"summary,omitempty"`
	Edges         []RelatedEdge         `json:"edges,omitempty"`
}

// Outcome reports what happened to a candidate.
type Outcome struct {
	Status  Status          `json:"status"`
	PieceID storage.PieceID `json:"pieceId,omitempty"`
	// DedupAction is the verdict that produced this outcome, empty when
	// dedup did not run at ingest time.
	DedupAction dedup.Action         `json:"dedupAction,omitempty"`
	Suggestion  *storage.Suggestion  `json:"suggestion,omitempty"`
	Validation  *validate.Result     `json:"validation,omitempty"`
	Strategy    merge.Strategy       `json:"strategy"`
	// Degraded is set when a backend was down and a stage was skipped.
	Degraded bool `json:"degraded,omitempty"`
}

// Pipeline orchestrates validation, deduplication, and storage writes.
type Pipeline struct {
	engine    storage.Engine
	searcher  *search.Service
	embedder  embed.Embedder
	validator *validate.Validator
	dedup     *dedup.Deduplicator
	manager   *merge.Manager
	queue     storage.WorkQueue
}

// New assembles the ingestion pipeline. The embedder may be nil, which
// permanently degrades dedup to hash-only and search to keyword-only.
func New(engine storage.Engine, searcher *search.Service, embedder embed.Embedder,
	validator *validate.Validator, d *dedup.Deduplicator, manager *merge.Manager,
	queue storage.WorkQueue) *Pipeline {
	return &Pipeline{
		engine:    engine,
		searcher:  searcher,
		embedder:  embedder,
		validator: validator,
		dedup:     d,
		manager:   manager,
		queue:     queue,
	}
}

// Ingest runs one candidate to a terminal state.
func (p *Pipeline) Ingest(ctx context.Context, c *Candidate) (*Outcome, error) {
	if c.Content == "" {
		return nil, fmt.Errorf("candidate content is empty: %w", storage.ErrInvalidData)
	}
	if c.Domain == "" {
		return nil, fmt.Errorf("candidate domain is empty: %w", storage.ErrInvalidData)
	}

	piece := &storage.Piece{
		ID:            storage.NewPieceID(),
		Content:       c.Content,
		ContentHash:   storage.HashContent(c.Content),
		KnowledgeType: c.KnowledgeType,
		InfoType:      c.InfoType,
		Domain:        c.Domain,
		Tags:          c.Tags,
		Space:         c.Space,
		Source:        c.Source,
		Summary:       c.Summary,
	}
	if piece.Space == "" {
		piece.Space = storage.SpaceMain
	}

	strategy := p.manager.Resolve(c.KnowledgeType)
	outcome := &Outcome{Strategy: strategy}

	// Ingest-time validation gates the synchronous strategies. Deferred
	// strategies skip the inline cost and pick validation up from the
	// post-ingestion sweep.
	if strategy.IngestTimeDedup() {
		result, err := p.validator.Validate(ctx, piece)
		if err != nil {
			return nil, fmt.Errorf("ingest rejected, validation unavailable: %w", err)
		}
		validate.Apply(piece, result)
		outcome.Validation = result
	}

	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, piece.Content)
		switch {
		case err == nil:
			piece.Embedding = vec
		case errors.Is(err, embed.ErrEmbeddingUnavailable):
			log.Printf("ingest: embedding unavailable, storing piece without vector: %v", err)
			outcome.Degraded = true
		default:
			return nil, err
		}
	}

	if strategy.IngestTimeDedup() {
		return p.ingestWithDedup(ctx, piece, c.Edges, strategy, outcome)
	}
	return p.ingestDeferred(piece, c.Edges, strategy, outcome)
}

// ingestWithDedup handles AutoMergeOnIngest and SuggestionOnIngest.
func (p *Pipeline) ingestWithDedup(ctx context.Context, piece *storage.Piece, edges []RelatedEdge, strategy merge.Strategy, outcome *Outcome) (*Outcome, error) {
	res, err := p.dedup.Evaluate(ctx, piece)
	if err != nil {
		return nil, fmt.Errorf("ingest rejected, dedup failed: %w", err)
	}
	outcome.DedupAction = res.Action
	outcome.Degraded = outcome.Degraded || res.Degraded

	if strategy.AutoApply() && res.Action == dedup.ActionNoOp {
		// Nothing to store; the corpus already has this knowledge.
		outcome.Status = StatusDiscarded
		outcome.PieceID = res.Matched.ID
		return outcome, nil
	}

	if err := p.store(piece); err != nil {
		return nil, err
	}
	outcome.Status = StatusStored
	outcome.PieceID = piece.ID

	switch {
	case strategy.AutoApply():
		if res.Action == dedup.ActionUpdate || res.Action == dedup.ActionMerge {
			if err := p.manager.Apply(ctx, piece.ID, res); err != nil {
				return nil, err
			}
		}
	case res.Action != dedup.ActionAdd:
		s, err := p.manager.Suggest(piece.ID, piece.Scope(), res)
		if err != nil {
			return nil, err
		}
		outcome.Suggestion = s
	}

	if err := p.writeEdges(piece, edges); err != nil {
		return nil, err
	}
	return outcome, nil
}

// ingestDeferred handles PostIngestionAuto, PostIngestionSuggestion, and
// ManualOnly: store now, reconcile later.
func (p *Pipeline) ingestDeferred(piece *storage.Piece, edges []RelatedEdge, strategy merge.Strategy, outcome *Outcome) (*Outcome, error) {
	if err := p.store(piece); err != nil {
		return nil, err
	}
	outcome.Status = StatusStored
	outcome.PieceID = piece.ID

	if strategy.PostIngestion() {
		if err := p.queue.Enqueue(&storage.Job{PieceID: piece.ID, Kind: storage.JobDedup, Scope: piece.Scope()}); err != nil {
			return nil, err
		}
	}
	// Validation was skipped inline; the sweep will find the piece via
	// its NotValidated status, but enqueueing now shortens the window.
	if err := p.queue.Enqueue(&storage.Job{PieceID: piece.ID, Kind: storage.JobValidate, Scope: piece.Scope()}); err != nil {
		return nil, err
	}

	if err := p.writeEdges(piece, edges); err != nil {
		return nil, err
	}
	return outcome, nil
}

// store writes the piece, its metadata record, and its search index
// entries.
func (p *Pipeline) store(piece *storage.Piece) error {
	if err := p.engine.PutPiece(piece); err != nil {
		return err
	}
	meta := &storage.EntityMeta{
		ID:            string(piece.ID),
		KnowledgeType: piece.KnowledgeType,
		Space:         piece.Space,
	}
	if err := p.engine.PutMeta(meta); err != nil {
		return err
	}
	return p.searcher.IndexPiece(piece)
}

// writeEdges stores the candidate's extracted graph relations. Unknown
// edge types are logged but accepted; a dangling target fails the edge,
// not the ingestion.
func (p *Pipeline) writeEdges(piece *storage.Piece, edges []RelatedEdge) error {
	for _, rel := range edges {
		if !storage.KnownEdgeType(rel.Type) {
			log.Printf("ingest: unknown edge type %q on piece %s", rel.Type, piece.ID)
		}
		edge := &storage.Edge{
			ID:         storage.NewEdgeID(),
			Source:     piece.ID,
			Target:     rel.Target,
			Type:       rel.Type,
			Provenance: piece.Source,
		}
		if err := p.engine.AddEdge(edge); err != nil {
			if errors.Is(err, storage.ErrInvalidEdge) {
				log.Printf("ingest: dropping edge %s -> %s (%s): %v", piece.ID, rel.Target, rel.Type, err)
				continue
			}
			return err
		}
	}
	return nil
}
