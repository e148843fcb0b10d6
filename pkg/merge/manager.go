package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/orneryd/munin/pkg/dedup"
	"github.com/orneryd/munin/pkg/embed"
	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
)

// ErrSuggestionExpired is returned when a resolution arrives after the
// suggestion's approval window closed. The suggestion is discarded and no
// piece state changes.
var ErrSuggestionExpired = errors.New("suggestion expired")

// Manager applies dedup verdicts to stored pieces and owns the merge
// suggestion lifecycle.
//
// All mutations go through storage.Mutate, so a manager racing a manual
// validation or a concurrent dedup path serializes on the per-piece
// version and the loser retries against fresh state.
type Manager struct {
	engine   storage.Engine
	searcher *search.Service
	dedup    *dedup.Deduplicator
	embedder embed.Embedder // may be nil; merged pieces then carry no embedding
	config   *Config
	ttl      time.Duration
}

// NewManager creates a merge manager. A nil config uses DefaultConfig().
func NewManager(engine storage.Engine, searcher *search.Service, d *dedup.Deduplicator, embedder embed.Embedder, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		engine:   engine,
		searcher: searcher,
		dedup:    d,
		embedder: embedder,
		config:   config,
		ttl:      storage.DefaultSuggestionTTL,
	}
}

// Resolve returns the strategy governing a knowledge type.
func (m *Manager) Resolve(kt storage.KnowledgeType) Strategy {
	return m.config.Resolve(kt)
}

// Apply executes a dedup verdict against a stored candidate piece.
//
// Update deactivates the matched piece and points the candidate's
// Supersedes at it. Merge creates a combined piece, deactivates both
// sources, and records MERGED_FROM provenance edges. NoOp deactivates the
// candidate (it added nothing). Add is a no-op here: the candidate is
// already stored.
func (m *Manager) Apply(ctx context.Context, candidateID storage.PieceID, res *dedup.Result) error {
	switch res.Action {
	case dedup.ActionAdd:
		return nil
	case dedup.ActionNoOp:
		_, err := m.deactivate(candidateID, "")
		return err
	case dedup.ActionUpdate:
		return m.applyUpdate(candidateID, res.Matched.ID)
	case dedup.ActionMerge:
		return m.applyMerge(ctx, candidateID, res.Matched.ID, res.MergedContent)
	default:
		return fmt.Errorf("unknown dedup action %q", res.Action)
	}
}

// deactivate retires a piece and returns its final state, including the
// version the deactivation write landed at. Superseding paths need that
// version to keep the successor strictly newer.
func (m *Manager) deactivate(id storage.PieceID, supersededBy storage.PieceID) (*storage.Piece, error) {
	retired, err := storage.Mutate(m.engine, id, func(p *storage.Piece) error {
		p.Active = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.searcher.RemovePiece(id)
	if supersededBy != "" {
		edge := &storage.Edge{
			ID:         storage.NewEdgeID(),
			Source:     supersededBy,
			Target:     id,
			Type:       storage.EdgeSupersedes,
			Provenance: string(supersededBy),
		}
		if err := m.engine.AddEdge(edge); err != nil {
			return nil, err
		}
	}
	return retired, nil
}

func (m *Manager) applyUpdate(candidateID, matchedID storage.PieceID) error {
	old, err := m.deactivate(matchedID, candidateID)
	if err != nil {
		return err
	}
	updated, err := storage.Mutate(m.engine, candidateID, func(p *storage.Piece) error {
		p.Supersedes = matchedID
		// The replacement must version past the piece it replaces,
		// whose own version moved when it was deactivated.
		if p.Version < old.Version {
			p.Version = old.Version
		}
		return nil
	})
	if err != nil {
		return err
	}
	return m.searcher.IndexPiece(updated)
}

func (m *Manager) applyMerge(ctx context.Context, candidateID, matchedID storage.PieceID, mergedContent string) error {
	candidate, err := m.engine.GetPiece(candidateID)
	if err != nil {
		return err
	}
	matched, err := m.engine.GetPiece(matchedID)
	if err != nil {
		return err
	}

	// The judge's synthesis wins when present; otherwise fall back to
	// plain concatenation so a merge never loses text.
	content := mergedContent
	if content == "" {
		content = matched.Content + "\n\n" + candidate.Content
	}

	// Retire both sources first so the merged piece can version past
	// them, deactivation included.
	var newestSource int64
	for _, sourceID := range []storage.PieceID{matchedID, candidateID} {
		retired, err := m.deactivate(sourceID, "")
		if err != nil {
			return err
		}
		if retired.Version > newestSource {
			newestSource = retired.Version
		}
	}

	merged := &storage.Piece{
		ID:            storage.NewPieceID(),
		Content:       content,
		KnowledgeType: candidate.KnowledgeType,
		InfoType:      candidate.InfoType,
		Domain:        candidate.Domain,
		Tags:          unionTags(matched.Tags, candidate.Tags),
		Space:         candidate.Space,
		Source:        candidate.Source,
		Summary:       candidate.Summary,
		Supersedes:    matchedID,
		Version:       newestSource + 1,
		Active:        true,
	}
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, content)
		if err != nil {
			log.Printf("merge: embedding merged piece failed, storing without vector: %v", err)
		} else {
			merged.Embedding = vec
		}
	}

	if err := m.engine.PutPiece(merged); err != nil {
		return err
	}
	for _, sourceID := range []storage.PieceID{matchedID, candidateID} {
		edge := &storage.Edge{
			ID:         storage.NewEdgeID(),
			Source:     merged.ID,
			Target:     sourceID,
			Type:       storage.EdgeMergedFrom,
			Provenance: string(merged.ID),
		}
		if err := m.engine.AddEdge(edge); err != nil {
			return err
		}
	}
	return m.searcher.IndexPiece(merged)
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, tags := range [][]string{a, b} {
		for _, tag := range tags {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	return out
}

// Suggest persists a dedup verdict as a pending suggestion instead of
// applying it.
func (m *Manager) Suggest(candidateID storage.PieceID, scope storage.Scope, res *dedup.Result) (*storage.Suggestion, error) {
	if res.Matched == nil {
		return nil, fmt.Errorf("suggestion needs a matched piece: %w", storage.ErrInvalidData)
	}
	now := time.Now()
	s := &storage.Suggestion{
		ID:             storage.NewSuggestionID(),
		CandidateID:    candidateID,
		MatchedID:      res.Matched.ID,
		ProposedAction: string(res.Action),
		MergedContent:  res.MergedContent,
		Confidence:     res.Confidence,
		Scope:          scope,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	if err := m.engine.PutSuggestion(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSuggestions returns pending, unexpired suggestions for a scope.
// Expired suggestions encountered during the scan are discarded.
func (m *Manager) ListSuggestions(scope storage.Scope) ([]*storage.Suggestion, error) {
	all, err := m.engine.Suggestions(scope)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := all[:0]
	for _, s := range all {
		if s.Expired(now) {
			log.Printf("merge: discarding expired suggestion %s (%s vs %s)", s.ID, s.CandidateID, s.MatchedID)
			_ = m.engine.DeleteSuggestion(s.ID)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ResolveSuggestion applies or discards a pending suggestion.
//
// An expired suggestion is discarded regardless of approve and surfaces
// ErrSuggestionExpired; it is never applied, the referenced pieces have
// drifted for too long. Approval re-checks that both pieces are still
// active before applying, so a suggestion whose pieces were concurrently
// deduplicated by another path resolves to a harmless no-op.
func (m *Manager) ResolveSuggestion(ctx context.Context, id storage.SuggestionID, approve bool) error {
	s, err := m.engine.GetSuggestion(id)
	if err != nil {
		return err
	}
	if err := m.engine.DeleteSuggestion(id); err != nil {
		return err
	}
	if s.Expired(time.Now()) {
		log.Printf("merge: suggestion %s expired before resolution", s.ID)
		return ErrSuggestionExpired
	}
	if !approve {
		return nil
	}

	candidate, err := m.engine.GetPiece(s.CandidateID)
	if err != nil {
		return err
	}
	matched, err := m.engine.GetPiece(s.MatchedID)
	if err != nil {
		return err
	}
	if !candidate.Active || !matched.Active {
		log.Printf("merge: suggestion %s is stale, a referenced piece is no longer active", s.ID)
		return nil
	}

	res := &dedup.Result{
		Action:        dedup.Action(s.ProposedAction),
		Matched:       matched,
		Confidence:    s.Confidence,
		MergedContent: s.MergedContent,
	}
	return m.Apply(ctx, s.CandidateID, res)
}

// RunDedup executes a deferred dedup pass for a stored piece, honoring
// its knowledge type's strategy. This is the background-job entry point
// for PostIngestionAuto and PostIngestionSuggestion, and the manual
// trigger for ManualOnly.
//
// The pass is idempotent: a piece that was deactivated or already
// superseded since it was queued is skipped.
func (m *Manager) RunDedup(ctx context.Context, id storage.PieceID) error {
	piece, err := m.engine.GetPiece(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // administratively deleted since queueing
		}
		return err
	}
	if !piece.Active || piece.Supersedes != "" {
		return nil // already resolved by another path
	}

	res, err := m.dedup.Evaluate(ctx, piece)
	if err != nil {
		return err
	}
	if res.Action == dedup.ActionAdd {
		return nil
	}

	strategy := m.config.Resolve(piece.KnowledgeType)
	if strategy.AutoApply() || strategy == ManualOnly {
		return m.Apply(ctx, id, res)
	}
	_, err = m.Suggest(id, piece.Scope(), res)
	return err
}
