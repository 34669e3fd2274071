// Package storage defines the storage contracts for the consolidation engine.
//
// The engine owns a single durable collection of memory entries keyed by
// (profile_id, canonical_key) with a unique constraint enabling atomic
// upserts. Backends must implement Upsert with the store's native
// conflict-resolution primitive, never with a read-modify-write loop over
// unsynchronized statements.
package storage

import (
	"errors"

	"github.com/factloom/factloom/pkg/types"
)

var (
	// ErrNotFound indicates that the targeted entry does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// ListOptions filters profile-scoped listings.
type ListOptions struct {
	// Limit bounds the number of returned entries (0 means backend default).
	Limit int

	// Status restricts results to a lifecycle status when non-empty.
	Status types.MemoryStatus

	// MinImportance restricts results to entries at or above the given
	// importance. Used for anchor selection.
	MinImportance int

	// MinConfidence restricts results to entries at or above the given
	// confidence. Used for reliable-memory retrieval.
	MinConfidence int

	// OnlyEmbedded restricts results to entries with a stored embedding.
	OnlyEmbedded bool
}

// SimilarEntry pairs an entry with its cosine similarity to a query vector.
type SimilarEntry struct {
	Entry      types.MemoryEntry
	Similarity float64
}
