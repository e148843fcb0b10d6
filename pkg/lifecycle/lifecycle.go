// Package lifecycle manages piece retention in the developmental space.
//
// Pieces that fail validation are quarantined in the developmental space
// rather than deleted, so a human (or a later re-validation) can still
// rescue them. That quarantine is not forever: after a retention window
// the expiry sweep deactivates pieces that never passed validation,
// keeping the corpus from accumulating rejected material.
//
// Expiry is deactivation, not deletion. The piece record stays in the
// store with its provenance intact; it just stops being searchable.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
)

// DefaultDevelopmentalTTL is the default quarantine retention window.
const DefaultDevelopmentalTTL = 14 * 24 * time.Hour

// Sweeper finds quarantined pieces past their retention window and
// retires them through the work queue.
type Sweeper struct {
	engine   storage.Engine
	searcher *search.Service
	queue    storage.WorkQueue
	ttl      time.Duration
}

// NewSweeper creates a sweeper. A zero or negative ttl disables expiry;
// Sweep becomes a no-op.
func NewSweeper(engine storage.Engine, searcher *search.Service, queue storage.WorkQueue, ttl time.Duration) *Sweeper {
	return &Sweeper{engine: engine, searcher: searcher, queue: queue, ttl: ttl}
}

// Sweep enqueues an expiry job for every active developmental piece
// older than the retention window that has not passed validation.
// Returns the number of jobs enqueued.
//
// Expiry runs through the queue rather than inline so duplicate sweeps
// collapse and a crash mid-sweep loses no work.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	pieces, err := s.engine.AllPieces()
	if err != nil {
		return 0, fmt.Errorf("expiry sweep: %w", err)
	}

	cutoff := time.Now().Add(-s.ttl)
	enqueued := 0
	for _, piece := range pieces {
		select {
		case <-ctx.Done():
			return enqueued, ctx.Err()
		default:
		}
		if !s.expirable(piece, cutoff) {
			continue
		}
		if err := s.queue.Enqueue(&storage.Job{Kind: storage.JobExpiry, PieceID: piece.ID}); err != nil {
			return enqueued, fmt.Errorf("expiry sweep: enqueue %s: %w", piece.ID, err)
		}
		enqueued++
	}
	return enqueued, nil
}

func (s *Sweeper) expirable(piece *storage.Piece, cutoff time.Time) bool {
	return piece.Active &&
		piece.Space == storage.SpaceDevelopmental &&
		piece.ValidationStatus != storage.ValidationPassed &&
		piece.CreatedAt.Before(cutoff)
}

// ExpirePiece is the queue handler for expiry jobs. It re-checks the
// expiry conditions against the current piece state, then deactivates.
//
// The re-check matters: between sweep and handler the piece may have
// passed a re-validation and moved out of quarantine, and an expiry job
// must not retire it then. A piece that no longer qualifies is left
// alone. Idempotent; a redelivered job for an already retired piece is
// a no-op.
func (s *Sweeper) ExpirePiece(ctx context.Context, id storage.PieceID) error {
	piece, err := s.engine.GetPiece(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("expire %s: %w", id, err)
	}

	if !s.expirable(piece, time.Now().Add(-s.ttl)) {
		log.Printf("lifecycle: piece %s no longer expirable, skipping", id)
		return nil
	}

	if _, err := storage.Mutate(s.engine, id, func(p *storage.Piece) error {
		if !p.Active {
			return nil
		}
		p.Active = false
		return nil
	}); err != nil {
		return fmt.Errorf("expire %s: %w", id, err)
	}

	s.searcher.RemovePiece(id)
	log.Printf("lifecycle: expired developmental piece %s", id)
	return nil
}
