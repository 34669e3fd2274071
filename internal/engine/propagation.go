package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

const (
	// AnchorImportanceThreshold marks entries whose importance spreads to
	// their semantic neighborhood.
	AnchorImportanceThreshold = 80

	// NeighborSimilarityThreshold is the minimum cosine similarity for a
	// neighbor to receive a boost.
	NeighborSimilarityThreshold = 0.75

	// MaxNeighborsPerAnchor bounds the neighborhood considered per anchor.
	MaxNeighborsPerAnchor = 20

	// PropagatedImportanceCap is the ceiling for propagated importance.
	// Only direct assignment can push an entry above it.
	PropagatedImportanceCap = 75

	// propagationFactor scales the importance gap before decay.
	propagationFactor = 0.1

	// minAgeDecay floors the age decay so old anchors keep half strength.
	minAgeDecay = 0.5

	// neighborSearchMargin widens the store query just below the neighbor
	// floor. Stores filter strictly above the given threshold, while the
	// floor itself is inclusive; the exact comparison happens in Run.
	neighborSearchMargin = 1e-6
)

// PropagationDetail records one applied (or planned) boost.
type PropagationDetail struct {
	EntryID       string  `json:"entry_id"`
	AnchorID      string  `json:"anchor_id"`
	AnchorExcerpt string  `json:"anchor_excerpt"`
	Similarity    float64 `json:"similarity"`
	OldImportance int     `json:"old_importance"`
	NewImportance int     `json:"new_importance"`
}

// PropagationResult summarizes one propagation pass.
type PropagationResult struct {
	ProfileID    string              `json:"profile_id"`
	AnchorCount  int                 `json:"anchor_count"`
	UpdatedCount int                 `json:"updated_count"`
	DryRun       bool                `json:"dry_run"`
	Details      []PropagationDetail `json:"details"`
}

// Propagator spreads importance from high-importance anchor entries to their
// semantically close neighbors.
type Propagator struct {
	store storage.EntryStore
}

// NewPropagator creates an importance propagator.
func NewPropagator(store storage.EntryStore) *Propagator {
	return &Propagator{store: store}
}

// Run executes one propagation pass for a profile. Each anchor (importance at
// or above 80) boosts up to 20 neighbors with similarity at or above 0.75;
// when several anchors target the same neighbor, the largest resulting
// importance wins. With dryRun set, boosts are computed and reported but not
// persisted.
func (p *Propagator) Run(ctx context.Context, profileID string, dryRun bool) (*PropagationResult, error) {
	if profileID == "" {
		return nil, fmt.Errorf("%w: profile ID is required", storage.ErrInvalidInput)
	}

	anchors, err := p.store.ListByProfile(ctx, profileID, storage.ListOptions{
		Status:        types.StatusActive,
		MinImportance: AnchorImportanceThreshold,
		OnlyEmbedded:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("propagation: failed to list anchors for %s: %w", profileID, err)
	}

	result := &PropagationResult{
		ProfileID:   profileID,
		AnchorCount: len(anchors),
		DryRun:      dryRun,
	}
	if len(anchors) == 0 {
		return result, nil
	}

	anchorIDs := make(map[string]bool, len(anchors))
	for i := range anchors {
		anchorIDs[anchors[i].ID] = true
	}

	now := time.Now()

	// Best proposed boost per neighbor across all anchors.
	best := make(map[string]PropagationDetail)

	for i := range anchors {
		anchor := &anchors[i]
		decay := ageDecay(anchor.FirstSeenAt, now)

		neighbors, err := p.store.SearchSimilar(ctx, profileID, anchor.Embedding, MaxNeighborsPerAnchor+len(anchors), NeighborSimilarityThreshold-neighborSearchMargin)
		if err != nil {
			log.Printf("propagation: neighbor search failed for anchor %s: %v", anchor.ID, err)
			continue
		}

		taken := 0
		for _, n := range neighbors {
			if taken >= MaxNeighborsPerAnchor {
				break
			}
			if n.Entry.ID == anchor.ID || anchorIDs[n.Entry.ID] {
				continue
			}
			if n.Similarity < NeighborSimilarityThreshold {
				continue
			}
			taken++

			boost := int(math.Round(float64(anchor.Importance-n.Entry.Importance) * n.Similarity * propagationFactor * decay))
			if boost <= 0 {
				continue
			}

			newImp := n.Entry.Importance + boost
			if newImp > PropagatedImportanceCap {
				newImp = PropagatedImportanceCap
			}
			if newImp <= n.Entry.Importance {
				continue
			}

			if prev, ok := best[n.Entry.ID]; ok && prev.NewImportance >= newImp {
				continue
			}
			best[n.Entry.ID] = PropagationDetail{
				EntryID:       n.Entry.ID,
				AnchorID:      anchor.ID,
				AnchorExcerpt: excerpt(anchor.Content, 80),
				Similarity:    n.Similarity,
				OldImportance: n.Entry.Importance,
				NewImportance: newImp,
			}
		}
	}

	for _, detail := range best {
		if !dryRun {
			applied, err := p.store.RaiseImportance(ctx, detail.EntryID, detail.NewImportance)
			if err != nil {
				log.Printf("propagation: failed to raise importance for %s: %v", detail.EntryID, err)
				continue
			}
			if !applied {
				// Lost a race against a concurrent direct update; current
				// importance is already at or above the proposal.
				continue
			}
		}
		result.Details = append(result.Details, detail)
		result.UpdatedCount++
	}

	return result, nil
}

// ageDecay weakens an anchor's influence linearly over its first year, never
// dropping below half strength.
func ageDecay(firstSeen time.Time, now time.Time) float64 {
	if firstSeen.IsZero() {
		return 1.0
	}
	days := now.Sub(firstSeen).Hours() / 24
	decay := 1.0 - days/365
	return math.Max(minAgeDecay, decay)
}

func excerpt(content string, max int) string {
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "..."
}
