// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements the Engine interface with ACID transaction support; the
// version check-and-set in UpdatePiece runs inside a single Badger
// update transaction, which gives the per-piece linearizability the
// ingestion pipeline depends on.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes keep keys compact.
const (
	prefixPiece      = byte(0x01) // 0x01 + pieceID -> JSON(Piece)
	prefixEdge       = byte(0x02) // 0x02 + edgeID -> JSON(Edge)
	prefixHashIndex  = byte(0x03) // 0x03 + domain 0x00 space 0x00 hash -> pieceID (active only)
	prefixScopeIndex = byte(0x04) // 0x04 + domain 0x00 space 0x00 pieceID -> nil (active only)
	prefixEdgeSource = byte(0x05) // 0x05 + pieceID 0x00 edgeID -> nil
	prefixMeta       = byte(0x06) // 0x06 + entityID -> JSON(EntityMeta)
	prefixSuggestion = byte(0x07) // 0x07 + suggestionID -> JSON(Suggestion)
	prefixQueue      = byte(0x10) // 0x10 + kind 0x00 pieceID -> JSON(Job)
)

// BadgerEngine is the persistent Engine implementation.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/var/lib/munin")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db *badger.DB
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Ignored when InMemory.
	DataDir string
	// InMemory runs Badger without persistence. Useful for tests.
	InMemory bool
	// SyncWrites forces fsync after each write. Slower but durable.
	SyncWrites bool
}

// NewBadgerEngine opens (or creates) a persistent engine at dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory creates a Badger engine without persistence.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens a Badger engine with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	badgerOpts.InMemory = opts.InMemory
	badgerOpts.SyncWrites = opts.SyncWrites
	badgerOpts.Logger = nil
	if opts.InMemory {
		badgerOpts.Dir = ""
		badgerOpts.ValueDir = ""
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w: %v", ErrStoreUnavailable, err)
	}
	return &BadgerEngine{db: db}, nil
}

func pieceKey(id PieceID) []byte {
	return append([]byte{prefixPiece}, id...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, id...)
}

func hashKey(scope Scope, hash string) []byte {
	k := []byte{prefixHashIndex}
	k = append(k, scope.Domain...)
	k = append(k, 0x00)
	k = append(k, scope.Space...)
	k = append(k, 0x00)
	return append(k, hash...)
}

func scopeKey(scope Scope, id PieceID) []byte {
	k := append(scopePrefix(scope), id...)
	return k
}

func scopePrefix(scope Scope) []byte {
	k := []byte{prefixScopeIndex}
	k = append(k, scope.Domain...)
	k = append(k, 0x00)
	k = append(k, scope.Space...)
	k = append(k, 0x00)
	return k
}

func edgeSourceKey(source PieceID, id EdgeID) []byte {
	k := []byte{prefixEdgeSource}
	k = append(k, source...)
	k = append(k, 0x00)
	return append(k, id...)
}

func edgeSourcePrefix(source PieceID) []byte {
	k := []byte{prefixEdgeSource}
	k = append(k, source...)
	return append(k, 0x00)
}

func metaKey(id string) []byte {
	return append([]byte{prefixMeta}, id...)
}

func suggestionKey(id SuggestionID) []byte {
	return append([]byte{prefixSuggestion}, id...)
}

func wrapBadgerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%s: %w", op, ErrStorageClosed)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func getPieceTxn(txn *badger.Txn, id PieceID) (*Piece, error) {
	item, err := txn.Get(pieceKey(id))
	if err != nil {
		return nil, err
	}
	var piece Piece
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &piece)
	}); err != nil {
		return nil, err
	}
	return &piece, nil
}

func writePieceTxn(txn *badger.Txn, piece *Piece) error {
	data, err := json.Marshal(piece)
	if err != nil {
		return fmt.Errorf("encode piece: %w", ErrInvalidData)
	}
	if err := txn.Set(pieceKey(piece.ID), data); err != nil {
		return err
	}
	if piece.Active {
		if err := txn.Set(hashKey(piece.Scope(), piece.ContentHash), []byte(piece.ID)); err != nil {
			return err
		}
		return txn.Set(scopeKey(piece.Scope(), piece.ID), nil)
	}
	return nil
}

func clearPieceIndexesTxn(txn *badger.Txn, piece *Piece) error {
	if err := txn.Delete(hashKey(piece.Scope(), piece.ContentHash)); err != nil {
		return err
	}
	return txn.Delete(scopeKey(piece.Scope(), piece.ID))
}

// PutPiece stores a new piece inside a single transaction.
func (b *BadgerEngine) PutPiece(piece *Piece) error {
	if piece == nil || piece.ID == "" {
		return ErrInvalidID
	}

	normalizeNewPiece(piece)

	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(pieceKey(piece.ID))
		if err == nil {
			return fmt.Errorf("piece %s: %w", piece.ID, ErrAlreadyExists)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writePieceTxn(txn, piece)
	})
	if errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return wrapBadgerErr("put piece", err)
}

// GetPiece returns the piece, active or not.
func (b *BadgerEngine) GetPiece(id PieceID) (*Piece, error) {
	var piece *Piece
	err := b.db.View(func(txn *badger.Txn) error {
		p, err := getPieceTxn(txn, id)
		if err != nil {
			return err
		}
		piece = p
		return nil
	})
	if err != nil {
		return nil, wrapBadgerErr(fmt.Sprintf("get piece %s", id), err)
	}
	return piece, nil
}

// UpdatePiece applies the version check-and-set inside one transaction.
func (b *BadgerEngine) UpdatePiece(piece *Piece, expectedVersion int64) error {
	if piece == nil || piece.ID == "" {
		return ErrInvalidID
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		current, err := getPieceTxn(txn, piece.ID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("piece %s: expected v%d, stored v%d: %w",
				piece.ID, expectedVersion, current.Version, ErrVersionMismatch)
		}
		if err := clearPieceIndexesTxn(txn, current); err != nil {
			return err
		}
		normalizeUpdatedPiece(piece, expectedVersion)
		return writePieceTxn(txn, piece)
	})
	if errors.Is(err, ErrVersionMismatch) {
		return err
	}
	return wrapBadgerErr(fmt.Sprintf("update piece %s", piece.ID), err)
}

// DeletePiece physically removes a piece and its index entries.
func (b *BadgerEngine) DeletePiece(id PieceID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		piece, err := getPieceTxn(txn, id)
		if err != nil {
			return err
		}
		if err := clearPieceIndexesTxn(txn, piece); err != nil {
			return err
		}
		return txn.Delete(pieceKey(id))
	})
	return wrapBadgerErr(fmt.Sprintf("delete piece %s", id), err)
}

// FindByHash resolves the active piece with the given hash in scope.
func (b *BadgerEngine) FindByHash(hash string, scope Scope) (*Piece, error) {
	var piece *Piece
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(scope, hash))
		if err != nil {
			return err
		}
		var id PieceID
		if err := item.Value(func(val []byte) error {
			id = PieceID(val)
			return nil
		}); err != nil {
			return err
		}
		p, err := getPieceTxn(txn, id)
		if err != nil {
			return err
		}
		piece = p
		return nil
	})
	if err != nil {
		return nil, wrapBadgerErr("find by hash", err)
	}
	return piece, nil
}

// ActivePieces scans the scope index and loads each active piece.
func (b *BadgerEngine) ActivePieces(scope Scope) ([]*Piece, error) {
	var pieces []*Piece
	prefix := scopePrefix(scope)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := PieceID(bytes.TrimPrefix(it.Item().KeyCopy(nil), prefix))
			piece, err := getPieceTxn(txn, id)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue // stale index entry
				}
				return err
			}
			pieces = append(pieces, piece)
		}
		return nil
	})
	if err != nil {
		return nil, wrapBadgerErr("active pieces", err)
	}
	return pieces, nil
}

// AllPieces scans the piece prefix, returning active and inactive pieces.
func (b *BadgerEngine) AllPieces() ([]*Piece, error) {
	var pieces []*Piece
	prefix := []byte{prefixPiece}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var piece Piece
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &piece)
			}); err != nil {
				return err
			}
			cp := piece
			pieces = append(pieces, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, wrapBadgerErr("all pieces", err)
	}
	return pieces, nil
}

// AddEdge stores a directed edge after checking both endpoints exist.
func (b *BadgerEngine) AddEdge(edge *Edge) error {
	if edge == nil || edge.ID == "" {
		return ErrInvalidID
	}
	if edge.Type == "" {
		return fmt.Errorf("edge %s: empty type: %w", edge.ID, ErrInvalidData)
	}
	normalizeEdge(edge)

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(edgeKey(edge.ID)); err == nil {
			return fmt.Errorf("edge %s: %w", edge.ID, ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(pieceKey(edge.Source)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("edge %s: source %s: %w", edge.ID, edge.Source, ErrInvalidEdge)
			}
			return err
		}
		if _, err := txn.Get(pieceKey(edge.Target)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("edge %s: target %s: %w", edge.ID, edge.Target, ErrInvalidEdge)
			}
			return err
		}

		data, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("encode edge: %w", ErrInvalidData)
		}
		if err := txn.Set(edgeKey(edge.ID), data); err != nil {
			return err
		}
		return txn.Set(edgeSourceKey(edge.Source, edge.ID), nil)
	})
	if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrInvalidEdge) {
		return err
	}
	return wrapBadgerErr("add edge", err)
}

// EdgesFor returns outgoing edges for a piece, filtered by type when
// edgeType is non-empty.
func (b *BadgerEngine) EdgesFor(id PieceID, edgeType EdgeType) ([]*Edge, error) {
	var edges []*Edge
	prefix := edgeSourcePrefix(id)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			eid := EdgeID(bytes.TrimPrefix(it.Item().KeyCopy(nil), prefix))
			item, err := txn.Get(edgeKey(eid))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			var edge Edge
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			}); err != nil {
				return err
			}
			if edgeType != "" && edge.Type != edgeType {
				continue
			}
			cp := edge
			edges = append(edges, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, wrapBadgerErr("edges for", err)
	}
	return edges, nil
}

// PutMeta stores or replaces a metadata record.
func (b *BadgerEngine) PutMeta(meta *EntityMeta) error {
	if meta == nil || meta.ID == "" {
		return ErrInvalidID
	}
	normalizeMeta(meta)
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", ErrInvalidData)
	}
	return wrapBadgerErr("put meta", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.ID), data)
	}))
}

// GetMeta returns the metadata record for an entity id.
func (b *BadgerEngine) GetMeta(id string) (*EntityMeta, error) {
	var meta EntityMeta
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return nil, wrapBadgerErr(fmt.Sprintf("get meta %s", id), err)
	}
	return &meta, nil
}

// PutSuggestion stores or replaces a merge suggestion.
func (b *BadgerEngine) PutSuggestion(s *Suggestion) error {
	if s == nil || s.ID == "" {
		return ErrInvalidID
	}
	normalizeSuggestion(s)
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode suggestion: %w", ErrInvalidData)
	}
	return wrapBadgerErr("put suggestion", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(suggestionKey(s.ID), data)
	}))
}

// GetSuggestion returns a merge suggestion by id.
func (b *BadgerEngine) GetSuggestion(id SuggestionID) (*Suggestion, error) {
	var s Suggestion
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(suggestionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if err != nil {
		return nil, wrapBadgerErr(fmt.Sprintf("get suggestion %s", id), err)
	}
	return &s, nil
}

// Suggestions scans the suggestion prefix and filters by scope, oldest
// first.
func (b *BadgerEngine) Suggestions(scope Scope) ([]*Suggestion, error) {
	var out []*Suggestion
	prefix := []byte{prefixSuggestion}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s Suggestion
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			if s.Scope != scope {
				continue
			}
			cp := s
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, wrapBadgerErr("suggestions", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSuggestion removes a merge suggestion.
func (b *BadgerEngine) DeleteSuggestion(id SuggestionID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(suggestionKey(id)); err != nil {
			return err
		}
		return txn.Delete(suggestionKey(id))
	})
	return wrapBadgerErr(fmt.Sprintf("delete suggestion %s", id), err)
}

// PieceCount counts stored pieces by scanning keys only.
func (b *BadgerEngine) PieceCount() (int64, error) {
	var count int64
	prefix := []byte{prefixPiece}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, wrapBadgerErr("piece count", err)
	}
	return count, nil
}

// Close closes the underlying Badger database.
func (b *BadgerEngine) Close() error {
	return b.db.Close()
}
