package storage

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryEngine is an in-memory Engine implementation.
//
// Intended for tests and small corpora. All operations are guarded by a
// single RWMutex; pieces are cloned on the way in and out so callers can
// never mutate stored state without going through UpdatePiece.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
type MemoryEngine struct {
	mu     sync.RWMutex
	closed bool

	pieces map[PieceID]*Piece
	// hashIndex maps scope+hash -> piece id for active pieces only.
	hashIndex map[string]PieceID
	edges     map[EdgeID]*Edge
	// edgesBySource maps source piece id -> edge ids.
	edgesBySource map[PieceID][]EdgeID
	meta          map[string]*EntityMeta
	suggestions   map[SuggestionID]*Suggestion
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		pieces:        make(map[PieceID]*Piece),
		hashIndex:     make(map[string]PieceID),
		edges:         make(map[EdgeID]*Edge),
		edgesBySource: make(map[PieceID][]EdgeID),
		meta:          make(map[string]*EntityMeta),
		suggestions:   make(map[SuggestionID]*Suggestion),
	}
}

func hashIndexKey(scope Scope, hash string) string {
	return scope.Domain + "\x00" + string(scope.Space) + "\x00" + hash
}

// PutPiece stores a new piece. Fails with ErrAlreadyExists if the id is
// taken. Version is initialized to 1 when unset; Active defaults to true
// for version-1 pieces.
func (m *MemoryEngine) PutPiece(piece *Piece) error {
	if piece == nil || piece.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.pieces[piece.ID]; exists {
		return fmt.Errorf("piece %s: %w", piece.ID, ErrAlreadyExists)
	}

	normalizeNewPiece(piece)

	stored := piece.Clone()
	m.pieces[piece.ID] = stored
	if stored.Active {
		m.hashIndex[hashIndexKey(stored.Scope(), stored.ContentHash)] = stored.ID
	}
	return nil
}

// GetPiece returns a copy of the piece, active or not.
func (m *MemoryEngine) GetPiece(id PieceID) (*Piece, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	piece, ok := m.pieces[id]
	if !ok {
		return nil, fmt.Errorf("piece %s: %w", id, ErrNotFound)
	}
	return piece.Clone(), nil
}

// UpdatePiece applies a version check-and-set write.
func (m *MemoryEngine) UpdatePiece(piece *Piece, expectedVersion int64) error {
	if piece == nil || piece.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	current, ok := m.pieces[piece.ID]
	if !ok {
		return fmt.Errorf("piece %s: %w", piece.ID, ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("piece %s: expected v%d, stored v%d: %w",
			piece.ID, expectedVersion, current.Version, ErrVersionMismatch)
	}

	// Drop the old hash-index entry before re-keying; scope or hash may
	// have changed, and inactive pieces leave the index entirely.
	delete(m.hashIndex, hashIndexKey(current.Scope(), current.ContentHash))

	normalizeUpdatedPiece(piece, expectedVersion)

	stored := piece.Clone()
	m.pieces[piece.ID] = stored
	if stored.Active {
		m.hashIndex[hashIndexKey(stored.Scope(), stored.ContentHash)] = stored.ID
	}
	return nil
}

// DeletePiece physically removes a piece. This is the administrative
// delete; dedup never calls it, deactivation preserves provenance.
func (m *MemoryEngine) DeletePiece(id PieceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	piece, ok := m.pieces[id]
	if !ok {
		return fmt.Errorf("piece %s: %w", id, ErrNotFound)
	}
	delete(m.hashIndex, hashIndexKey(piece.Scope(), piece.ContentHash))
	delete(m.pieces, id)
	return nil
}

// FindByHash returns the active piece with the given content hash in
// scope, or ErrNotFound.
func (m *MemoryEngine) FindByHash(hash string, scope Scope) (*Piece, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	id, ok := m.hashIndex[hashIndexKey(scope, hash)]
	if !ok {
		return nil, fmt.Errorf("hash %.12s in %s/%s: %w", hash, scope.Domain, scope.Space, ErrNotFound)
	}
	return m.pieces[id].Clone(), nil
}

// ActivePieces returns all active pieces within the scope.
func (m *MemoryEngine) ActivePieces(scope Scope) ([]*Piece, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	var out []*Piece
	for _, p := range m.pieces {
		if p.Active && p.Domain == scope.Domain && p.Space == scope.Space {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// AllPieces returns every piece, active or not.
func (m *MemoryEngine) AllPieces() ([]*Piece, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Piece, 0, len(m.pieces))
	for _, p := range m.pieces {
		out = append(out, p.Clone())
	}
	return out, nil
}

// AddEdge stores a directed edge. Both endpoints must exist.
func (m *MemoryEngine) AddEdge(edge *Edge) error {
	if edge == nil || edge.ID == "" {
		return ErrInvalidID
	}
	if edge.Type == "" {
		return fmt.Errorf("edge %s: empty type: %w", edge.ID, ErrInvalidData)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return fmt.Errorf("edge %s: %w", edge.ID, ErrAlreadyExists)
	}
	if _, ok := m.pieces[edge.Source]; !ok {
		return fmt.Errorf("edge %s: source %s: %w", edge.ID, edge.Source, ErrInvalidEdge)
	}
	if _, ok := m.pieces[edge.Target]; !ok {
		return fmt.Errorf("edge %s: target %s: %w", edge.ID, edge.Target, ErrInvalidEdge)
	}

	normalizeEdge(edge)
	stored := *edge
	m.edges[edge.ID] = &stored
	m.edgesBySource[edge.Source] = append(m.edgesBySource[edge.Source], edge.ID)
	return nil
}

// EdgesFor returns outgoing edges for a piece, optionally filtered by
// type. An empty edgeType matches all types.
func (m *MemoryEngine) EdgesFor(id PieceID, edgeType EdgeType) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	var out []*Edge
	for _, eid := range m.edgesBySource[id] {
		e := m.edges[eid]
		if edgeType != "" && e.Type != edgeType {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// PutMeta stores or replaces a metadata record.
func (m *MemoryEngine) PutMeta(meta *EntityMeta) error {
	if meta == nil || meta.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	normalizeMeta(meta)
	cp := *meta
	if meta.Profile != nil {
		cp.Profile = make(map[string]string, len(meta.Profile))
		for k, v := range meta.Profile {
			cp.Profile[k] = v
		}
	}
	m.meta[meta.ID] = &cp
	return nil
}

// GetMeta returns the metadata record for an entity id.
func (m *MemoryEngine) GetMeta(id string) (*EntityMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	meta, ok := m.meta[id]
	if !ok {
		return nil, fmt.Errorf("meta %s: %w", id, ErrNotFound)
	}
	cp := *meta
	return &cp, nil
}

// PutSuggestion stores or replaces a merge suggestion.
func (m *MemoryEngine) PutSuggestion(s *Suggestion) error {
	if s == nil || s.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	normalizeSuggestion(s)
	cp := *s
	m.suggestions[s.ID] = &cp
	return nil
}

// GetSuggestion returns a merge suggestion by id.
func (m *MemoryEngine) GetSuggestion(id SuggestionID) (*Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	s, ok := m.suggestions[id]
	if !ok {
		return nil, fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// Suggestions returns pending suggestions for a scope, oldest first.
func (m *MemoryEngine) Suggestions(scope Scope) ([]*Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	var out []*Suggestion
	for _, s := range m.suggestions {
		if s.Scope != scope {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSuggestion removes a merge suggestion.
func (m *MemoryEngine) DeleteSuggestion(id SuggestionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.suggestions[id]; !ok {
		return fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
	}
	delete(m.suggestions, id)
	return nil
}

// PieceCount returns the total number of pieces, active or not.
func (m *MemoryEngine) PieceCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.pieces)), nil
}

// Close marks the engine closed. Further operations fail with
// ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
