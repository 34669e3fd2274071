package engine

import (
	"context"
	"log"
	"time"

	"github.com/factloom/factloom/internal/embed"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// Duplicate tier thresholds. Boundary inclusivity matters: similarity exactly
// at BlockThreshold blocks, exactly at FlagThreshold flags.
const (
	// BlockThreshold is the similarity at or above which a claim is merged
	// into the matched entry instead of creating a new row.
	BlockThreshold = 0.95

	// FlagThreshold is the similarity at or above which a near-duplicate is
	// recorded for observability while still allowing creation.
	FlagThreshold = 0.90
)

// DuplicateTier classifies the outcome of a duplicate check.
type DuplicateTier string

const (
	// TierBlock routes the claim to the merge path of the matched entry.
	TierBlock DuplicateTier = "block"

	// TierFlag allows creation but records the near-duplicate relationship.
	TierFlag DuplicateTier = "flag"

	// TierAllow proceeds to an ordinary upsert.
	TierAllow DuplicateTier = "allow"
)

// DuplicateVerdict is the result of checking a claim against a profile's
// existing entries.
type DuplicateVerdict struct {
	Tier       DuplicateTier
	Match      *types.MemoryEntry
	Similarity float64
}

// DuplicateDetector compares a new claim's semantic vector against the
// profile's existing embedded entries and tiers the outcome.
//
// Detection is a quality enhancement, not a correctness gate: any failure
// (no provider, embedding error, search error) fails open to allow. The
// canonical-key upsert remains the correctness backstop.
type DuplicateDetector struct {
	store    storage.EntryStore
	embedder embed.Provider
	timeout  time.Duration
}

// NewDuplicateDetector creates a detector. embedder may be nil, in which case
// every check allows.
func NewDuplicateDetector(store storage.EntryStore, embedder embed.Provider) *DuplicateDetector {
	return &DuplicateDetector{
		store:    store,
		embedder: embedder,
		timeout:  5 * time.Second,
	}
}

// Check classifies the claim text against the profile's existing entries.
func (d *DuplicateDetector) Check(ctx context.Context, profileID, content string) DuplicateVerdict {
	allow := DuplicateVerdict{Tier: TierAllow}

	if d.embedder == nil || content == "" {
		return allow
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	vector, err := d.embedder.Embed(ctx, content)
	if err != nil {
		log.Printf("dedup: embedding failed for profile %s, failing open: %v", profileID, err)
		return allow
	}

	matches, err := d.store.SearchSimilar(ctx, profileID, vector, 1, 0)
	if err != nil {
		log.Printf("dedup: similarity search failed for profile %s, failing open: %v", profileID, err)
		return allow
	}
	if len(matches) == 0 {
		return allow
	}

	best := matches[0]
	return ClassifySimilarity(best.Similarity, &best.Entry)
}

// ClassifySimilarity tiers a similarity score against the block/flag
// thresholds. Split out so the boundary behavior is testable without a store.
func ClassifySimilarity(similarity float64, match *types.MemoryEntry) DuplicateVerdict {
	switch {
	case similarity >= BlockThreshold:
		return DuplicateVerdict{Tier: TierBlock, Match: match, Similarity: similarity}
	case similarity >= FlagThreshold:
		return DuplicateVerdict{Tier: TierFlag, Match: match, Similarity: similarity}
	default:
		return DuplicateVerdict{Tier: TierAllow, Match: match, Similarity: similarity}
	}
}
