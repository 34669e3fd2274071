package types

import (
	"sort"
	"time"
)

// MergeStrategy describes how a single MemoryEntry field is reconciled when a
// new observation collides with an existing row on (ProfileID, CanonicalKey).
type MergeStrategy string

const (
	// MergeOverwriteIfPresent takes the incoming value when it is non-zero,
	// otherwise keeps the existing one. A populated field is never nulled out.
	MergeOverwriteIfPresent MergeStrategy = "overwrite-if-present"

	// MergeMax keeps the larger of the two values.
	MergeMax MergeStrategy = "max"

	// MergeAddCapped adds ConfidenceBoost to the existing value, capped at
	// MaxConfidence. Protected entries stay pinned at MaxConfidence.
	MergeAddCapped MergeStrategy = "add-capped"

	// MergeIncrement adds one to the existing value.
	MergeIncrement MergeStrategy = "increment"

	// MergeUnion takes the sorted set union of both values.
	MergeUnion MergeStrategy = "union"

	// MergePreserve keeps the existing value unconditionally.
	MergePreserve MergeStrategy = "preserve"

	// MergeOr keeps a boolean true once either side has set it.
	MergeOr MergeStrategy = "or"

	// MergeNow stamps the merge time.
	MergeNow MergeStrategy = "now"
)

// MergeRules maps MemoryEntry fields to their conflict-resolution strategy.
// Both store backends implement these semantics; the table is the single
// source of truth and what the tests assert against.
var MergeRules = map[string]MergeStrategy{
	"id":                     MergePreserve,
	"profile_id":             MergePreserve,
	"canonical_key":          MergePreserve,
	"content":                MergeOverwriteIfPresent,
	"type":                   MergeOverwriteIfPresent,
	"confidence":             MergeAddCapped,
	"support_count":          MergeIncrement,
	"importance":             MergeMax,
	"status":                 MergeOverwriteIfPresent,
	"contradiction_group_id": MergePreserve,
	"is_protected":           MergeOr,
	"embedding":              MergePreserve,
	"keywords":               MergeUnion,
	"relationships":          MergeUnion,
	"parent_fact_id":         MergeOverwriteIfPresent,
	"is_atomic_fact":         MergeOr,
	"source":                 MergeOverwriteIfPresent,
	"source_id":              MergeOverwriteIfPresent,
	"first_seen_at":          MergePreserve,
	"last_seen_at":           MergeNow,
	"retrieval_count":        MergePreserve,
}

// MergeEntries reconciles an incoming observation into an existing entry
// according to MergeRules and returns the merged result. Neither argument is
// mutated. The now parameter becomes the merged LastSeenAt.
func MergeEntries(existing, incoming *MemoryEntry, now time.Time) *MemoryEntry {
	merged := *existing

	for field, strategy := range MergeRules {
		switch field {
		case "content":
			merged.Content = overwriteIfPresent(existing.Content, incoming.Content)
		case "type":
			merged.Type = overwriteIfPresent(existing.Type, incoming.Type)
		case "confidence":
			if existing.IsProtected || incoming.IsProtected {
				merged.Confidence = MaxConfidence
			} else {
				merged.Confidence = existing.Confidence + ConfidenceBoost
				if merged.Confidence > MaxConfidence {
					merged.Confidence = MaxConfidence
				}
			}
		case "support_count":
			merged.SupportCount = existing.SupportCount + 1
		case "importance":
			if incoming.Importance > existing.Importance {
				merged.Importance = incoming.Importance
			}
		case "status":
			if incoming.Status != "" {
				merged.Status = incoming.Status
			}
		case "is_protected":
			merged.IsProtected = existing.IsProtected || incoming.IsProtected
		case "keywords":
			merged.Keywords = UnionStrings(existing.Keywords, incoming.Keywords)
		case "relationships":
			merged.Relationships = UnionStrings(existing.Relationships, incoming.Relationships)
		case "parent_fact_id":
			merged.ParentFactID = overwriteIfPresent(existing.ParentFactID, incoming.ParentFactID)
		case "is_atomic_fact":
			merged.IsAtomicFact = existing.IsAtomicFact || incoming.IsAtomicFact
		case "source":
			merged.Source = overwriteIfPresent(existing.Source, incoming.Source)
		case "source_id":
			merged.SourceID = overwriteIfPresent(existing.SourceID, incoming.SourceID)
		case "last_seen_at":
			merged.LastSeenAt = now
		default:
			// Preserve strategies fall through: the copy of existing already
			// carries the right value.
			_ = strategy
		}
	}

	return &merged
}

// UnionStrings returns the sorted set union of a and b.
func UnionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func overwriteIfPresent(existing, incoming string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}
