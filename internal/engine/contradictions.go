package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/factloom/factloom/internal/cache"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// GroupSeverity grades a contradiction group.
type GroupSeverity string

const (
	// SeverityNormal covers two-member groups.
	SeverityNormal GroupSeverity = "NORMAL"

	// SeverityHigh covers groups with more than two members.
	SeverityHigh GroupSeverity = "HIGH"
)

// ContradictionGroup is a set of entries representing mutually conflicting
// claims about the same fact.
type ContradictionGroup struct {
	GroupID  string              `json:"group_id"`
	Members  []types.MemoryEntry `json:"members"`
	Primary  string              `json:"primary_id"`
	Severity GroupSeverity       `json:"severity"`
}

// ContradictionManager tracks the contradiction lifecycle. Conflict detection
// itself is external analysis; this manager only applies and reports its
// outcomes. Group listings are whole-profile aggregates and are served
// through the cold cache tier.
type ContradictionManager struct {
	store  storage.EntryStore
	caches *cache.Tiered

	onEvent func(Event)
}

// NewContradictionManager creates a contradiction manager. caches may be nil
// to disable the group-listing cache.
func NewContradictionManager(store storage.EntryStore, caches *cache.Tiered) *ContradictionManager {
	return &ContradictionManager{store: store, caches: caches}
}

const contradictionsKeySuffix = ":contradictions"

func contradictionsCacheKey(profileID string) string {
	return profileID + contradictionsKeySuffix
}

// MarkContradicting assigns groupID and AMBIGUOUS status to the given entries
// in one batch statement. Fatal only on store unavailability; a batch that
// matches no rows surfaces as ErrNotFound rather than silently succeeding.
func (m *ContradictionManager) MarkContradicting(ctx context.Context, factIDs []string, groupID string) error {
	if len(factIDs) == 0 {
		return fmt.Errorf("%w: at least one fact ID is required", storage.ErrInvalidInput)
	}
	if groupID == "" {
		return fmt.Errorf("%w: group ID is required", storage.ErrInvalidInput)
	}

	updated, err := m.store.SetContradictionGroup(ctx, factIDs, groupID)
	if err != nil {
		return fmt.Errorf("contradictions: failed to mark group %s: %w", groupID, err)
	}
	if updated == 0 {
		return fmt.Errorf("contradictions: group %s: %w", groupID, storage.ErrNotFound)
	}

	// The mark flips statuses to AMBIGUOUS, which changes retrieval results
	// as well as the group listing. The batch carries no profile ID, so
	// resolve it from the first member.
	var profileID string
	if entry, err := m.store.Get(ctx, factIDs[0]); err == nil {
		profileID = entry.ProfileID
	}
	if m.caches != nil {
		if profileID != "" {
			m.caches.InvalidateProfile(profileID)
		} else {
			m.caches.Cold.InvalidatePattern(contradictionsKeySuffix)
		}
	}
	m.emit(Event{Kind: EventContradiction, ProfileID: profileID, GroupID: groupID, At: time.Now()})
	return nil
}

// Resolve promotes primaryID back to ACTIVE as the group's single primary.
// When deprecateOthers is set, the remaining unprotected members move to
// DEPRECATED; otherwise they stay AMBIGUOUS. Protected entries are never
// deprecated by this path.
func (m *ContradictionManager) Resolve(ctx context.Context, profileID, groupID, primaryID string, deprecateOthers bool) error {
	if groupID == "" || primaryID == "" {
		return fmt.Errorf("%w: group ID and primary ID are required", storage.ErrInvalidInput)
	}

	entries, err := m.store.ListContradicted(ctx, profileID)
	if err != nil {
		return fmt.Errorf("contradictions: failed to load group %s: %w", groupID, err)
	}

	var primaryFound bool
	for i := range entries {
		if entries[i].ContradictionGroupID != groupID {
			continue
		}

		if entries[i].ID == primaryID {
			primaryFound = true
			if err := m.store.UpdateStatus(ctx, primaryID, types.StatusActive); err != nil {
				return fmt.Errorf("contradictions: failed to promote primary %s: %w", primaryID, err)
			}
			continue
		}

		if deprecateOthers && !entries[i].IsProtected {
			if err := m.store.UpdateStatus(ctx, entries[i].ID, types.StatusDeprecated); err != nil {
				return fmt.Errorf("contradictions: failed to deprecate %s: %w", entries[i].ID, err)
			}
		}
	}

	if !primaryFound {
		return fmt.Errorf("contradictions: primary %s in group %s: %w", primaryID, groupID, storage.ErrNotFound)
	}
	if m.caches != nil {
		m.caches.InvalidateProfile(profileID)
	}
	return nil
}

// ListGroups partitions the profile's contradicted entries by group ID. The
// primary is the highest-confidence ACTIVE member, or the highest-confidence
// member when none is active. Severity is HIGH for groups with more than two
// members. Results come from the cold tier when cached; marks, resolutions,
// and profile writes invalidate it.
func (m *ContradictionManager) ListGroups(ctx context.Context, profileID string) ([]ContradictionGroup, error) {
	cacheKey := contradictionsCacheKey(profileID)
	if m.caches != nil {
		if cached, ok := m.caches.Cold.Get(cacheKey); ok {
			if groups, ok := cached.([]ContradictionGroup); ok {
				return groups, nil
			}
		}
	}

	entries, err := m.store.ListContradicted(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("contradictions: failed to list for profile %s: %w", profileID, err)
	}

	byGroup := make(map[string][]types.MemoryEntry)
	for i := range entries {
		gid := entries[i].ContradictionGroupID
		byGroup[gid] = append(byGroup[gid], entries[i])
	}

	groups := make([]ContradictionGroup, 0, len(byGroup))
	for gid, members := range byGroup {
		group := ContradictionGroup{
			GroupID:  gid,
			Members:  members,
			Primary:  selectPrimary(members),
			Severity: SeverityNormal,
		}
		if len(members) > 2 {
			group.Severity = SeverityHigh
		}
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].GroupID < groups[j].GroupID
	})

	if m.caches != nil {
		m.caches.Cold.Set(cacheKey, groups)
	}
	return groups, nil
}

func (m *ContradictionManager) emit(event Event) {
	if m.onEvent != nil {
		m.onEvent(event)
	}
}

// selectPrimary picks the highest-confidence ACTIVE member, falling back to
// the highest-confidence member of any status.
func selectPrimary(members []types.MemoryEntry) string {
	var best, bestActive *types.MemoryEntry
	for i := range members {
		m := &members[i]
		if best == nil || m.Confidence > best.Confidence {
			best = m
		}
		if m.Status == types.StatusActive && (bestActive == nil || m.Confidence > bestActive.Confidence) {
			bestActive = m
		}
	}
	if bestActive != nil {
		return bestActive.ID
	}
	if best != nil {
		return best.ID
	}
	return ""
}
