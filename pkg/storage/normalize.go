package storage

import "time"

// normalizeNewPiece fills lifecycle defaults before a PutPiece write.
func normalizeNewPiece(piece *Piece) {
	now := time.Now()
	if piece.CreatedAt.IsZero() {
		piece.CreatedAt = now
	}
	piece.UpdatedAt = now
	if piece.Version == 0 {
		piece.Version = 1
		piece.Active = true
	}
	if piece.ContentHash == "" {
		piece.ContentHash = HashContent(piece.Content)
	}
	if piece.ValidationStatus == "" {
		piece.ValidationStatus = ValidationNotValidated
	}
}

// normalizeUpdatedPiece bumps the version and touches UpdatedAt for a
// check-and-set write that passed the version comparison. A caller may
// raise piece.Version above the stored version before the write; a
// superseding piece must end up strictly newer than the piece it
// replaces, so the bump applies on top of whichever is higher.
func normalizeUpdatedPiece(piece *Piece, expectedVersion int64) {
	if piece.Version < expectedVersion {
		piece.Version = expectedVersion
	}
	piece.Version++
	piece.UpdatedAt = time.Now()
	if piece.ContentHash == "" {
		piece.ContentHash = HashContent(piece.Content)
	}
}

func normalizeEdge(edge *Edge) {
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
}

func normalizeMeta(meta *EntityMeta) {
	meta.UpdatedAt = time.Now()
}

// DefaultSuggestionTTL is the approval window for merge suggestions.
const DefaultSuggestionTTL = 30 * 24 * time.Hour

func normalizeSuggestion(s *Suggestion) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = s.CreatedAt.Add(DefaultSuggestionTTL)
	}
}
