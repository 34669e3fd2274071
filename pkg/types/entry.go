// Package types defines the shared data model for the factloom consolidation
// engine: memory entries, incoming claims, and the merge rules applied when a
// claim collides with an existing entry.
package types

import "time"

// MemoryStatus is the lifecycle status of a memory entry.
// Only active entries are eligible for default retrieval.
type MemoryStatus string

const (
	// StatusActive marks an entry as eligible for retrieval.
	StatusActive MemoryStatus = "ACTIVE"

	// StatusAmbiguous marks an entry as part of an unresolved contradiction
	// group. Ambiguous entries are excluded from default retrieval until an
	// operator or downstream policy resolves the group.
	StatusAmbiguous MemoryStatus = "AMBIGUOUS"

	// StatusDeprecated marks an entry as superseded or rejected. Deprecated
	// entries are kept for audit but never retrieved.
	StatusDeprecated MemoryStatus = "DEPRECATED"
)

// Entry type tags. These are open-ended; the engine treats them as opaque
// labels and only the generation pipeline assigns meaning to them.
const (
	TypeFact       = "fact"
	TypeStory      = "story"
	TypeLore       = "lore"
	TypeAtomicFact = "atomic-fact"
)

// Confidence and importance bounds shared by the merge rules, the importance
// propagator, and the ranked retriever.
const (
	// MaxConfidence is the ceiling for corroboration strength.
	MaxConfidence = 100

	// ConfidenceBoost is added to an entry's confidence on every merge.
	ConfidenceBoost = 10

	// MaxImportance is the ceiling for editorial importance.
	MaxImportance = 100
)

// MemoryEntry is the unit of knowledge. Exactly one active-eligible row exists
// per (ProfileID, CanonicalKey) pair; the store's native upsert primitive is
// the sole enforcement mechanism.
type MemoryEntry struct {
	// ID is an opaque identifier assigned at creation, immutable.
	ID string `json:"id"`

	// ProfileID is the owning knowledge base. All operations are scoped to it.
	ProfileID string `json:"profile_id"`

	// CanonicalKey is the deterministic normalization hash of Content.
	// Unique together with ProfileID.
	CanonicalKey string `json:"canonical_key"`

	// Content is the claim text. On merge the most recent non-empty value wins.
	Content string `json:"content"`

	// Type is the categorical tag (fact, story, lore, atomic-fact, ...).
	Type string `json:"type"`

	// Confidence is corroboration strength, 0-100. Monotonically
	// non-decreasing under normal merges, capped at 100.
	Confidence int `json:"confidence"`

	// SupportCount is the number of independent observations merged into
	// this entry, always >= 1.
	SupportCount int `json:"support_count"`

	// Importance is the editorial/propagated weight, 0-100. Takes the max
	// across merges except where capped by propagation rules.
	Importance int `json:"importance"`

	// Status is the lifecycle status (ACTIVE, AMBIGUOUS, DEPRECATED).
	Status MemoryStatus `json:"status"`

	// ContradictionGroupID is set when the entry participates in a detected
	// conflict.
	ContradictionGroupID string `json:"contradiction_group_id,omitempty"`

	// IsProtected pins the entry at confidence 100. Protected entries are
	// never demoted by automated processes.
	IsProtected bool `json:"is_protected"`

	// Embedding is the fixed-length semantic vector. Absent until background
	// embedding completes.
	Embedding []float32 `json:"embedding,omitempty"`

	// Keywords and Relationships are string sets, merged by union on conflict.
	Keywords      []string `json:"keywords,omitempty"`
	Relationships []string `json:"relationships,omitempty"`

	// ParentFactID links a fine-grained atomic fact to its originating
	// narrative entry.
	ParentFactID string `json:"parent_fact_id,omitempty"`

	// IsAtomicFact marks entries extracted as fine-grained facts.
	IsAtomicFact bool `json:"is_atomic_fact"`

	// Source identifies the producing pipeline (chat, document, transcript, ...).
	Source string `json:"source,omitempty"`

	// SourceID is an opaque reference into the source system.
	SourceID string `json:"source_id,omitempty"`

	// FirstSeenAt is immutable once set. LastSeenAt is updated on every merge.
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// RetrievalCount is incremented on read-use only, never reset by writes.
	RetrievalCount int `json:"retrieval_count"`
}

// Claim is the shape supplied by external claim producers. The engine derives
// a canonical key when CanonicalKey is empty; dedup is never skippable by
// omission.
type Claim struct {
	Content       string   `json:"content"`
	Type          string   `json:"type,omitempty"`
	CanonicalKey  string   `json:"canonical_key,omitempty"`
	Importance    int      `json:"importance,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	Relationships []string `json:"relationships,omitempty"`
	Source        string   `json:"source,omitempty"`
	SourceID      string   `json:"source_id,omitempty"`
	ParentFactID  string   `json:"parent_fact_id,omitempty"`
	IsAtomicFact  bool     `json:"is_atomic_fact,omitempty"`
	IsProtected   bool     `json:"is_protected,omitempty"`
}
