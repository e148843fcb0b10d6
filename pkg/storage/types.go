// Package storage provides the store contracts and implementations for Munin.
//
// Munin keeps three logical stores behind one Engine interface:
//   - Piece store: knowledge pieces with content, embedding, and hash lookup
//   - Entity graph store: typed, directed edges between pieces with provenance
//   - Metadata store: entity id -> type/space/profile records
//
// Design Principles:
//   - Single logical store, pluggable physical backend (memory, Badger)
//   - Linearizable writes per piece id via version check-and-set
//   - Deactivation instead of deletion, so graph provenance survives dedup
//   - Testability through dependency injection
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	piece := &storage.Piece{
//		ID:            storage.NewPieceID(),
//		Content:       "PostgreSQL is our primary database",
//		KnowledgeType: storage.KnowledgeFact,
//		Domain:        "infrastructure",
//		Space:         storage.SpaceMain,
//	}
//	piece.ContentHash = storage.HashContent(piece.Content)
//	engine.PutPiece(piece)
//
//	// Exact-duplicate lookup within a scope
//	dup, err := engine.FindByHash(piece.ContentHash, piece.Scope())
package storage

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidData      = errors.New("invalid data")
	ErrInvalidEdge      = errors.New("invalid edge: source or target piece not found")
	ErrStorageClosed    = errors.New("storage closed")
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrVersionMismatch is returned by UpdatePiece when the stored version no
	// longer matches the caller's expected version. Callers retry through
	// Mutate, which surfaces ErrWriteConflict once retries are exhausted.
	ErrVersionMismatch = errors.New("version mismatch")
	ErrWriteConflict   = errors.New("write conflict: retries exhausted")
)

// PieceID is a strongly-typed unique identifier for knowledge pieces.
type PieceID string

// EdgeID is a strongly-typed unique identifier for entity-graph edges.
type EdgeID string

// NewPieceID returns a fresh unique piece id.
func NewPieceID() PieceID {
	return PieceID("piece-" + uuid.NewString())
}

// NewEdgeID returns a fresh unique edge id.
func NewEdgeID() EdgeID {
	return EdgeID("edge-" + uuid.NewString())
}

// KnowledgeType classifies what kind of knowledge a piece carries.
// The type drives the merge strategy chosen at ingestion time.
type KnowledgeType string

const (
	KnowledgeFact        KnowledgeType = "FACT"
	KnowledgeProcedure   KnowledgeType = "PROCEDURE"
	KnowledgeInstruction KnowledgeType = "INSTRUCTION"
	KnowledgePreference  KnowledgeType = "PREFERENCE"
	KnowledgeEpisodic    KnowledgeType = "EPISODIC"
	KnowledgeNote        KnowledgeType = "NOTE"
	KnowledgeExample     KnowledgeType = "EXAMPLE"
)

// Space partitions the corpus by trust level.
//
// Pieces that fail validation are forced into SpaceDevelopmental, which is
// excluded from default-space retrieval until they pass a later check.
type Space string

const (
	SpaceMain          Space = "MAIN"
	SpacePersonal      Space = "PERSONAL"
	SpaceDevelopmental Space = "DEVELOPMENTAL"
)

// ValidationStatus tracks where a piece is in the validation lifecycle.
type ValidationStatus string

const (
	ValidationNotValidated ValidationStatus = "NOT_VALIDATED"
	ValidationPending      ValidationStatus = "PENDING"
	ValidationPassed       ValidationStatus = "PASSED"
	ValidationFailed       ValidationStatus = "FAILED"
)

// Scope is a (domain, space) pair restricting dedup and search to
// comparable pieces. Two pieces in different scopes are never duplicates
// of each other.
type Scope struct {
	Domain string `json:"domain"`
	Space  Space  `json:"space"`
}

// Piece is an atomic unit of knowledge with content, embedding, and
// classification metadata.
//
// Identity and versioning:
//   - ID is immutable for the piece's lifetime
//   - Version increases monotonically on every stored mutation
//   - Supersedes points at the piece this one replaced (Update/Merge)
//   - Active is false once the piece has been superseded or merged away;
//     inactive pieces stay retrievable by id but are excluded from
//     default search, hash lookup, and dedup candidate sets
//
// Example:
//
//	piece := &storage.Piece{
//		ID:            storage.NewPieceID(),
//		Content:       "Always validate user input to prevent XSS",
//		KnowledgeType: storage.KnowledgeInstruction,
//		InfoType:      "instructions",
//		Domain:        "security",
//		Space:         storage.SpaceMain,
//		Tags:          []string{"xss", "input-validation"},
//	}
type Piece struct {
	ID          PieceID `json:"id"`
	Content     string  `json:"content"`
	ContentHash string  `json:"contentHash"`

	KnowledgeType KnowledgeType `json:"knowledgeType"`
	InfoType      string        `json:"infoType"`
	Domain        string        `json:"domain"`
	Tags          []string      `json:"tags,omitempty"`
	Space         Space         `json:"space"`

	Embedding []float32 `json:"embedding,omitempty"`
	Source    string    `json:"source,omitempty"`
	Summary   string    `json:"summary,omitempty"`

	Version    int64   `json:"version"`
	Supersedes PieceID `json:"supersedes,omitempty"`
	Active     bool    `json:"active"`

	ValidationStatus ValidationStatus `json:"validationStatus"`
	ValidationIssues []string         `json:"validationIssues,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Access tracking for reinforcement stats. Not part of the scoring
	// pipeline, which decays on CreatedAt only.
	LastAccessed time.Time `json:"lastAccessed,omitempty"`
	AccessCount  int64     `json:"accessCount,omitempty"`
}

// Scope returns the piece's (domain, space) scope.
func (p *Piece) Scope() Scope {
	return Scope{Domain: p.Domain, Space: p.Space}
}

// Clone returns a deep copy of the piece. Engines hand out clones so
// callers can mutate freely before writing back.
func (p *Piece) Clone() *Piece {
	cp := *p
	if p.Tags != nil {
		cp.Tags = append([]string(nil), p.Tags...)
	}
	if p.Embedding != nil {
		cp.Embedding = append([]float32(nil), p.Embedding...)
	}
	if p.ValidationIssues != nil {
		cp.ValidationIssues = append([]string(nil), p.ValidationIssues...)
	}
	return &cp
}

// HashContent computes the content-addressed digest for a piece body.
// BLAKE2b-256 keeps the digest short while being collision-resistant
// enough for exact-duplicate detection.
func HashContent(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// EdgeType is a tagged string for entity-graph edge types.
//
// The vocabulary is open: any non-empty string is accepted. Known values
// get typed constants for traversal code; unknown values are logged at
// edge creation (warn-on-unknown) but never rejected.
type EdgeType string

const (
	EdgeRelatesTo   EdgeType = "RELATES_TO"
	EdgeSupersedes  EdgeType = "SUPERSEDES"
	EdgeMergedFrom  EdgeType = "MERGED_FROM"
	EdgeDerivedFrom EdgeType = "DERIVED_FROM"
	EdgeContradicts EdgeType = "CONTRADICTS"
)

// KnownEdgeType reports whether t is one of the typed constants.
func KnownEdgeType(t EdgeType) bool {
	switch t {
	case EdgeRelatesTo, EdgeSupersedes, EdgeMergedFrom, EdgeDerivedFrom, EdgeContradicts:
		return true
	}
	return false
}

// Edge is a directed, typed relationship between two pieces.
//
// Provenance records who asserted the edge: a piece id for edges derived
// during ingestion, or an external source string. Multiple edges of
// different types may connect the same pair.
type Edge struct {
	ID         EdgeID    `json:"id"`
	Source     PieceID   `json:"source"`
	Target     PieceID   `json:"target"`
	Type       EdgeType  `json:"type"`
	Provenance string    `json:"provenance,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SuggestionID is a strongly-typed unique identifier for merge suggestions.
type SuggestionID string

// NewSuggestionID returns a fresh unique suggestion id.
func NewSuggestionID() SuggestionID {
	return SuggestionID("sugg-" + uuid.NewString())
}

// Suggestion is a pending human-approvable merge or update decision.
//
// Suggestions carry an expiry (default 30 days). An expired suggestion is
// dropped on sight, never applied: the pieces it references have had a
// month to drift, so the proposed action can no longer be trusted.
type Suggestion struct {
	ID          SuggestionID `json:"id"`
	CandidateID PieceID      `json:"candidateId"`
	MatchedID   PieceID      `json:"matchedId"`
	// ProposedAction is the dedup verdict awaiting approval: "update",
	// "merge", or "noop".
	ProposedAction string  `json:"proposedAction"`
	MergedContent  string  `json:"mergedContent,omitempty"`
	Confidence     float64 `json:"confidence"`
	Scope          Scope   `json:"scope"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the suggestion's approval window has closed.
func (s *Suggestion) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// EntityMeta is a metadata-store record: entity id -> type/space/profile.
type EntityMeta struct {
	ID            string            `json:"id"`
	KnowledgeType KnowledgeType     `json:"knowledgeType"`
	Space         Space             `json:"space"`
	Profile       map[string]string `json:"profile,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Engine defines the storage interface shared by the ingestion and
// retrieval pipelines.
//
// All Engine implementations MUST be:
//   - Thread-safe: safe for concurrent access from multiple goroutines
//   - Linearizable per piece id: UpdatePiece applies a version
//     check-and-set so concurrent writers cannot interleave
//   - Atomic: no partial writes become visible on failure
//
// Implementations:
//   - MemoryEngine: in-memory storage for tests and small corpora
//   - BadgerEngine: persistent disk storage on BadgerDB
type Engine interface {
	// Piece operations
	PutPiece(piece *Piece) error
	GetPiece(id PieceID) (*Piece, error)
	// UpdatePiece stores piece iff the stored version equals
	// expectedVersion, bumping piece.Version past expectedVersion (or
	// past a higher version the caller set on piece).
	// Returns ErrVersionMismatch on a lost race.
	UpdatePiece(piece *Piece, expectedVersion int64) error
	DeletePiece(id PieceID) error

	// Lookup operations. Both consider active pieces only.
	FindByHash(hash string, scope Scope) (*Piece, error)
	ActivePieces(scope Scope) ([]*Piece, error)
	AllPieces() ([]*Piece, error)

	// Entity graph operations
	AddEdge(edge *Edge) error
	EdgesFor(id PieceID, edgeType EdgeType) ([]*Edge, error)

	// Metadata operations
	PutMeta(meta *EntityMeta) error
	GetMeta(id string) (*EntityMeta, error)

	// Merge-suggestion operations. Suggestions returns pending
	// suggestions for a scope, oldest first.
	PutSuggestion(s *Suggestion) error
	GetSuggestion(id SuggestionID) (*Suggestion, error)
	Suggestions(scope Scope) ([]*Suggestion, error)
	DeleteSuggestion(id SuggestionID) error

	// Stats
	PieceCount() (int64, error)

	// Lifecycle
	Close() error
}

// MutateAttempts bounds the optimistic-retry loop in Mutate.
const MutateAttempts = 5

// Mutate applies fn to the current state of a piece and writes it back
// with a version check-and-set, retrying on ErrVersionMismatch.
//
// This is the per-piece serialization mechanism: a concurrent background
// merge and a manual validation both go through Mutate, and the loser of
// a race retries against the refreshed piece. After MutateAttempts lost
// races the call fails with ErrWriteConflict.
//
// fn may return ErrNotFound-wrapped errors to abort without retrying.
//
// Example:
//
//	updated, err := storage.Mutate(engine, id, func(p *storage.Piece) error {
//		p.Active = false
//		return nil
//	})
func Mutate(engine Engine, id PieceID, fn func(*Piece) error) (*Piece, error) {
	for attempt := 0; attempt < MutateAttempts; attempt++ {
		piece, err := engine.GetPiece(id)
		if err != nil {
			return nil, err
		}
		expected := piece.Version
		if err := fn(piece); err != nil {
			return nil, err
		}
		err = engine.UpdatePiece(piece, expected)
		if err == nil {
			return piece, nil
		}
		if !errors.Is(err, ErrVersionMismatch) {
			return nil, err
		}
	}
	return nil, ErrWriteConflict
}
