// Package storage tests
package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPiece(id, content, domain string, space Space) *Piece {
	return &Piece{
		ID:            PieceID(id),
		Content:       content,
		KnowledgeType: KnowledgeFact,
		InfoType:      "facts",
		Domain:        domain,
		Space:         space,
	}
}

// engines under test. Badger runs in-memory so tests need no disk.
func testEngines(t *testing.T) map[string]Engine {
	t.Helper()
	badgerEngine, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	return map[string]Engine{
		"memory": NewMemoryEngine(),
		"badger": badgerEngine,
	}
}

func TestEngine_PutGet(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			defer engine.Close()

			p := newTestPiece("p1", "learning rate 1e-4", "ml", SpaceMain)
			require.NoError(t, engine.PutPiece(p))

			// Defaults applied on write
			assert.Equal(t, int64(1), p.Version)
			assert.True(t, p.Active)
			assert.NotEmpty(t, p.ContentHash)
			assert.False(t, p.CreatedAt.IsZero())

			got, err := engine.GetPiece("p1")
			require.NoError(t, err)
			assert.Equal(t, p.Content, got.Content)
			assert.Equal(t, HashContent("learning rate 1e-4"), got.ContentHash)

			// Duplicate id rejected
			err = engine.PutPiece(newTestPiece("p1", "other", "ml", SpaceMain))
			assert.ErrorIs(t, err, ErrAlreadyExists)

			_, err = engine.GetPiece("missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngine_FindByHash_ScopeAndActivity(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			defer engine.Close()

			p := newTestPiece("p1", "use tabs not spaces", "style", SpaceMain)
			require.NoError(t, engine.PutPiece(p))

			hash := HashContent("use tabs not spaces")

			// Found in its own scope
			found, err := engine.FindByHash(hash, Scope{Domain: "style", Space: SpaceMain})
			require.NoError(t, err)
			assert.Equal(t, PieceID("p1"), found.ID)

			// Not found in another scope
			_, err = engine.FindByHash(hash, Scope{Domain: "style", Space: SpacePersonal})
			assert.ErrorIs(t, err, ErrNotFound)

			// Deactivation removes the hash entry
			got, err := engine.GetPiece("p1")
			require.NoError(t, err)
			got.Active = false
			require.NoError(t, engine.UpdatePiece(got, got.Version))

			_, err = engine.FindByHash(hash, Scope{Domain: "style", Space: SpaceMain})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngine_UpdatePiece_VersionCAS(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			defer engine.Close()

			p := newTestPiece("p1", "v1 content", "ml", SpaceMain)
			require.NoError(t, engine.PutPiece(p))

			// Two readers load version 1
			a, err := engine.GetPiece("p1")
			require.NoError(t, err)
			b, err := engine.GetPiece("p1")
			require.NoError(t, err)

			// First writer wins
			a.Content = "writer A"
			a.ContentHash = ""
			require.NoError(t, engine.UpdatePiece(a, 1))
			assert.Equal(t, int64(2), a.Version)

			// Second writer loses
			b.Content = "writer B"
			b.ContentHash = ""
			err = engine.UpdatePiece(b, 1)
			assert.ErrorIs(t, err, ErrVersionMismatch)

			got, err := engine.GetPiece("p1")
			require.NoError(t, err)
			assert.Equal(t, "writer A", got.Content)
			assert.Equal(t, int64(2), got.Version)
		})
	}
}

func TestEngine_UpdatePiece_CallerRaisedVersion(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			defer engine.Close()

			p := newTestPiece("p1", "successor content", "ml", SpaceMain)
			require.NoError(t, engine.PutPiece(p))

			// A superseding write raises the version past the piece it
			// replaces; the bump lands on top of the raised value.
			got, err := engine.GetPiece("p1")
			require.NoError(t, err)
			got.Version = 7
			require.NoError(t, engine.UpdatePiece(got, 1))
			assert.Equal(t, int64(8), got.Version)

			stored, err := engine.GetPiece("p1")
			require.NoError(t, err)
			assert.Equal(t, int64(8), stored.Version)
		})
	}
}

func TestMutate_RetriesAndConflicts(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	require.NoError(t, engine.PutPiece(newTestPiece("p1", "original", "ml", SpaceMain)))

	// Plain mutation succeeds and bumps version
	updated, err := Mutate(engine, "p1", func(p *Piece) error {
		p.Active = false
		return nil
	})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, int64(2), updated.Version)

	// A competing writer that always sneaks in ahead exhausts retries
	attempts := 0
	_, err = Mutate(engine, "p1", func(p *Piece) error {
		attempts++
		// Simulate a concurrent writer racing past us each attempt.
		fresh, getErr := engine.GetPiece("p1")
		if getErr != nil {
			return getErr
		}
		fresh.AccessCount++
		if upErr := engine.UpdatePiece(fresh, fresh.Version); upErr != nil {
			return upErr
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.Equal(t, MutateAttempts, attempts)
}

func TestEngine_Edges(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			defer engine.Close()

			require.NoError(t, engine.PutPiece(newTestPiece("p1", "a", "ml", SpaceMain)))
			require.NoError(t, engine.PutPiece(newTestPiece("p2", "b", "ml", SpaceMain)))

			edge := &Edge{
				ID:         "e1",
				Source:     "p1",
				Target:     "p2",
				Type:       EdgeSupersedes,
				Provenance: "p1",
			}
			require.NoError(t, engine.AddEdge(edge))

			// Dangling endpoints rejected
			bad := &Edge{ID: "e2", Source: "p1", Target: "ghost", Type: EdgeRelatesTo}
			assert.ErrorIs(t, engine.AddEdge(bad), ErrInvalidEdge)

			// Open vocabulary: unknown type strings are accepted
			odd := &Edge{ID: "e3", Source: "p1", Target: "p2", Type: "REMINDS_ME_OF"}
			require.NoError(t, engine.AddEdge(odd))

			all, err := engine.EdgesFor("p1", "")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			typed, err := engine.EdgesFor("p1", EdgeSupersedes)
			require.NoError(t, err)
			require.Len(t, typed, 1)
			assert.Equal(t, PieceID("p2"), typed[0].Target)
		})
	}
}

func TestEngine_ActivePiecesScoping(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			defer engine.Close()

			require.NoError(t, engine.PutPiece(newTestPiece("p1", "a", "ml", SpaceMain)))
			require.NoError(t, engine.PutPiece(newTestPiece("p2", "b", "ml", SpaceMain)))
			require.NoError(t, engine.PutPiece(newTestPiece("p3", "c", "ml", SpaceDevelopmental)))
			require.NoError(t, engine.PutPiece(newTestPiece("p4", "d", "infra", SpaceMain)))

			// Deactivate p2
			p2, err := engine.GetPiece("p2")
			require.NoError(t, err)
			p2.Active = false
			require.NoError(t, engine.UpdatePiece(p2, p2.Version))

			active, err := engine.ActivePieces(Scope{Domain: "ml", Space: SpaceMain})
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, PieceID("p1"), active[0].ID)

			count, err := engine.PieceCount()
			require.NoError(t, err)
			assert.Equal(t, int64(4), count)
		})
	}
}

func TestEngine_Meta(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			defer engine.Close()

			meta := &EntityMeta{
				ID:            "entity-1",
				KnowledgeType: KnowledgeProcedure,
				Space:         SpacePersonal,
				Profile:       map[string]string{"owner": "agent-7"},
			}
			require.NoError(t, engine.PutMeta(meta))

			got, err := engine.GetMeta("entity-1")
			require.NoError(t, err)
			assert.Equal(t, KnowledgeProcedure, got.KnowledgeType)
			assert.Equal(t, "agent-7", got.Profile["owner"])

			_, err = engine.GetMeta("nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestWorkQueue_CollapseAndFIFO(t *testing.T) {
	badgerEngine, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer badgerEngine.Close()

	queues := map[string]WorkQueue{
		"memory": NewMemoryQueue(),
		"badger": NewBadgerQueue(badgerEngine),
	}

	for name, q := range queues {
		t.Run(name, func(t *testing.T) {
			scope := Scope{Domain: "ml", Space: SpaceMain}

			require.NoError(t, q.Enqueue(&Job{PieceID: "p1", Kind: JobDedup, Scope: scope}))
			require.NoError(t, q.Enqueue(&Job{PieceID: "p2", Kind: JobDedup, Scope: scope}))
			// Re-enqueueing the same (kind, piece) collapses
			require.NoError(t, q.Enqueue(&Job{PieceID: "p1", Kind: JobDedup, Scope: scope}))

			n, err := q.Len()
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			seen := map[PieceID]bool{}
			for i := 0; i < 2; i++ {
				job, err := q.Dequeue()
				require.NoError(t, err)
				assert.Equal(t, JobDedup, job.Kind)
				seen[job.PieceID] = true
			}
			assert.True(t, seen["p1"])
			assert.True(t, seen["p2"])

			_, err = q.Dequeue()
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngine_Suggestions(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			scope := Scope{Domain: "golang", Space: SpaceMain}
			other := Scope{Domain: "python", Space: SpaceMain}

			older := &Suggestion{
				ID:             NewSuggestionID(),
				CandidateID:    "p1",
				MatchedID:      "p2",
				ProposedAction: "merge",
				Confidence:     0.9,
				Scope:          scope,
				CreatedAt:      time.Now().Add(-time.Hour),
			}
			newer := &Suggestion{
				ID:             NewSuggestionID(),
				CandidateID:    "p3",
				MatchedID:      "p4",
				ProposedAction: "update",
				Scope:          scope,
			}
			elsewhere := &Suggestion{
				ID:             NewSuggestionID(),
				CandidateID:    "p5",
				MatchedID:      "p6",
				ProposedAction: "noop",
				Scope:          other,
			}
			require.NoError(t, engine.PutSuggestion(older))
			require.NoError(t, engine.PutSuggestion(newer))
			require.NoError(t, engine.PutSuggestion(elsewhere))

			// Expiry defaults to 30 days out.
			got, err := engine.GetSuggestion(older.ID)
			require.NoError(t, err)
			assert.False(t, got.Expired(time.Now()))
			assert.True(t, got.Expired(time.Now().Add(31*24*time.Hour)))

			list, err := engine.Suggestions(scope)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, older.ID, list[0].ID, "oldest first")
			assert.Equal(t, newer.ID, list[1].ID)

			require.NoError(t, engine.DeleteSuggestion(older.ID))
			_, err = engine.GetSuggestion(older.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, engine.DeleteSuggestion(older.ID), ErrNotFound)
		})
	}
}

func TestHashContent_Stable(t *testing.T) {
	h1 := HashContent("same content")
	h2 := HashContent("same content")
	h3 := HashContent("different content")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64) // blake2b-256 hex
}
