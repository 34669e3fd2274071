package storage

import (
	"context"

	"github.com/factloom/factloom/pkg/types"
)

// EntryStore provides persistence for memory entries.
//
// Upsert is the only write path on the hot ingestion loop and carries the
// engine's entire concurrency-correctness contract: two concurrent calls for
// the same (profile_id, canonical_key) must result in exactly one row with
// both observations merged, enforced by the backend's native conflict
// primitive.
type EntryStore interface {
	// Upsert inserts the entry or, on (profile_id, canonical_key) conflict,
	// merges it into the existing row according to types.MergeRules.
	// It returns the resulting row so callers can observe whether a merge
	// (SupportCount > 1) or a fresh creation occurred.
	Upsert(ctx context.Context, entry *types.MemoryEntry) (*types.MemoryEntry, error)

	// Get retrieves an entry by ID. Returns ErrNotFound if missing.
	Get(ctx context.Context, id string) (*types.MemoryEntry, error)

	// GetByCanonicalKey retrieves the entry for (profileID, canonicalKey).
	// Returns ErrNotFound if missing.
	GetByCanonicalKey(ctx context.Context, profileID, canonicalKey string) (*types.MemoryEntry, error)

	// ListByProfile lists entries for a profile with optional filters,
	// ordered by confidence then importance, both descending.
	ListByProfile(ctx context.Context, profileID string, opts ListOptions) ([]types.MemoryEntry, error)

	// ListProfiles returns the distinct profile IDs present in the store.
	ListProfiles(ctx context.Context) ([]string, error)

	// SearchSimilar returns up to limit ACTIVE entries whose embedding cosine
	// similarity to the query vector exceeds threshold, most similar first.
	SearchSimilar(ctx context.Context, profileID string, query []float32, limit int, threshold float64) ([]SimilarEntry, error)

	// StoreEmbedding attaches an embedding vector to an entry.
	// Returns ErrNotFound if the entry does not exist.
	StoreEmbedding(ctx context.Context, id string, embedding []float32) error

	// MergeKeywords unions the given keywords into the entry's keyword set.
	// Returns ErrNotFound if the entry does not exist.
	MergeKeywords(ctx context.Context, id string, keywords []string) error

	// UpdateStatus sets the lifecycle status of an entry.
	// Returns ErrNotFound if the entry does not exist.
	UpdateStatus(ctx context.Context, id string, status types.MemoryStatus) error

	// SetContradictionGroup assigns the group ID and AMBIGUOUS status to the
	// given entries in one batch statement. Protected entries keep their
	// status but still join the group. Returns the number of rows updated.
	SetContradictionGroup(ctx context.Context, ids []string, groupID string) (int, error)

	// ListContradicted returns all entries of a profile that carry a
	// contradiction group ID.
	ListContradicted(ctx context.Context, profileID string) ([]types.MemoryEntry, error)

	// RaiseImportance sets the entry's importance to newImportance only if it
	// exceeds the currently stored value at write time. Returns true when the
	// row was updated; a lost guard is a silent skip, not an error.
	RaiseImportance(ctx context.Context, id string, newImportance int) (bool, error)

	// IncrementRetrievalCount bumps retrieval_count for the given entries.
	// Read-use accounting only; never touched by the write path.
	IncrementRetrievalCount(ctx context.Context, ids []string) error

	// Close releases any resources held by the store.
	Close() error
}
