package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sort"

	"github.com/factloom/factloom/internal/cache"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

const (
	// ReliableConfidenceThreshold selects entries trusted enough to inject
	// into downstream context without a similarity query.
	ReliableConfidenceThreshold = 60

	// importanceWeightDivisor scales the importance term of the hybrid score.
	importanceWeightDivisor = 20.0

	// retrievalDampeningDivisor scales the retrieval-count dampening term.
	retrievalDampeningDivisor = 50.0
)

// ScoredEntry pairs an entry with its similarity and final hybrid score.
type ScoredEntry struct {
	Entry      types.MemoryEntry `json:"entry"`
	Similarity float64           `json:"similarity"`
	Score      float64           `json:"score"`
}

// Retriever serves confidence-ranked reads over the consolidated store,
// fronted by the tiered cache.
type Retriever struct {
	store  storage.EntryStore
	caches *cache.Tiered
}

// NewRetriever creates a retriever.
func NewRetriever(store storage.EntryStore, caches *cache.Tiered) *Retriever {
	return &Retriever{store: store, caches: caches}
}

// HybridScore combines semantic similarity with an importance boost and a
// retrieval-frequency dampener, so that important-but-rarely-surfaced entries
// outrank frequently repeated ones at equal similarity.
func HybridScore(similarity float64, importance, retrievalCount int) float64 {
	boost := 1.0 + float64(importance)/importanceWeightDivisor
	dampener := 1.0 + float64(retrievalCount)/retrievalDampeningDivisor
	return similarity * boost / dampener
}

// FindSimilar returns the top entries for a query vector ranked by hybrid
// score. Results are cached in the hot tier; on a cache miss the retrieval
// count of each returned entry is incremented, which gradually dampens
// entries that keep being surfaced.
func (r *Retriever) FindSimilar(ctx context.Context, profileID string, query []float32, limit int, threshold float64) ([]ScoredEntry, error) {
	if profileID == "" {
		return nil, fmt.Errorf("%w: profile ID is required", storage.ErrInvalidInput)
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	cacheKey := similarCacheKey(profileID, query, limit, threshold)
	if r.caches != nil {
		if cached, ok := r.caches.Hot.Get(cacheKey); ok {
			if results, ok := cached.([]ScoredEntry); ok {
				return results, nil
			}
		}
	}

	// Over-fetch so the hybrid re-rank has room to reorder beyond the cut.
	candidates, err := r.store.SearchSimilar(ctx, profileID, query, limit*3, threshold)
	if err != nil {
		return nil, fmt.Errorf("retriever: similarity search failed: %w", err)
	}

	scored := make([]ScoredEntry, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, ScoredEntry{
			Entry:      c.Entry,
			Similarity: c.Similarity,
			Score:      HybridScore(c.Similarity, c.Entry.Importance, c.Entry.RetrievalCount),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	if len(scored) > 0 {
		ids := make([]string, len(scored))
		for i := range scored {
			ids[i] = scored[i].Entry.ID
		}
		if err := r.store.IncrementRetrievalCount(ctx, ids); err != nil {
			log.Printf("retriever: failed to bump retrieval counts: %v", err)
		}
	}

	if r.caches != nil {
		r.caches.Hot.Set(cacheKey, scored)
	}
	return scored, nil
}

// GetReliableMemories returns ACTIVE entries with confidence at or above 60,
// ordered by confidence then importance. Served from the warm tier.
func (r *Retriever) GetReliableMemories(ctx context.Context, profileID string, limit int) ([]types.MemoryEntry, error) {
	if profileID == "" {
		return nil, fmt.Errorf("%w: profile ID is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	cacheKey := fmt.Sprintf("%s:reliable:%d", profileID, limit)
	if r.caches != nil {
		if cached, ok := r.caches.Warm.Get(cacheKey); ok {
			if entries, ok := cached.([]types.MemoryEntry); ok {
				return entries, nil
			}
		}
	}

	entries, err := r.store.ListByProfile(ctx, profileID, storage.ListOptions{
		Limit:         limit,
		Status:        types.StatusActive,
		MinConfidence: ReliableConfidenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("retriever: failed to list reliable memories: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Confidence != entries[j].Confidence {
			return entries[i].Confidence > entries[j].Confidence
		}
		return entries[i].Importance > entries[j].Importance
	})

	if r.caches != nil {
		r.caches.Warm.Set(cacheKey, entries)
	}
	return entries, nil
}

// similarCacheKey folds the query vector into an FNV hash so equal queries
// share a cache slot without storing the vector itself in the key.
func similarCacheKey(profileID string, query []float32, limit int, threshold float64) string {
	h := fnv.New64a()
	for _, v := range query {
		fmt.Fprintf(h, "%.6f,", v)
	}
	return fmt.Sprintf("%s:similar:%x:%d:%.2f", profileID, h.Sum64(), limit, threshold)
}
