// Package engine implements the memory consolidation core: canonical
// identity, duplicate detection, the atomic confidence-accumulating upsert,
// contradiction lifecycle, importance propagation, and ranked retrieval.
package engine

import (
	"fmt"
	"time"
)

// jobKind tags the background work queued by the write path.
type jobKind string

const (
	jobEmbed jobKind = "embed"
	jobTag   jobKind = "tag"
)

// backgroundJob is a fire-and-forget task queued after a successful upsert.
// Jobs never block the write path and their failures never surface to the
// caller.
type backgroundJob struct {
	Kind      jobKind
	EntryID   string
	ProfileID string
	Content   string
	Queued    time.Time
}

// Config holds engine tuning.
type Config struct {
	// NumWorkers is the number of background worker goroutines (default: 4).
	NumWorkers int

	// QueueSize is the background job queue buffer (default: 1024).
	QueueSize int

	// ShutdownTimeout bounds the worker drain on shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// InitialConfidence is the confidence assigned on first sighting of a
	// canonical key (default: 50).
	InitialConfidence int

	// EmbedRatePerSec throttles background embedding calls (default: 5).
	EmbedRatePerSec float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:        4,
		QueueSize:         1024,
		ShutdownTimeout:   30 * time.Second,
		InitialConfidence: 50,
		EmbedRatePerSec:   5,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}
	if c.InitialConfidence < 0 || c.InitialConfidence > 100 {
		return fmt.Errorf("InitialConfidence must be in [0,100], got %d", c.InitialConfidence)
	}
	if c.EmbedRatePerSec <= 0 {
		return fmt.Errorf("EmbedRatePerSec must be > 0, got %v", c.EmbedRatePerSec)
	}
	return nil
}

// EventKind tags engine events published to observers.
type EventKind string

const (
	// EventCreated fires when a claim produced a fresh entry.
	EventCreated EventKind = "entry_created"

	// EventMerged fires when a claim merged into an existing entry.
	EventMerged EventKind = "entry_merged"

	// EventFlagged fires when a near-duplicate was allowed but recorded.
	EventFlagged EventKind = "near_duplicate_flagged"

	// EventContradiction fires when entries are marked as contradicting.
	EventContradiction EventKind = "contradiction_marked"
)

// Event describes a consolidation event for the ops feed.
type Event struct {
	Kind       EventKind `json:"kind"`
	ProfileID  string    `json:"profile_id"`
	EntryID    string    `json:"entry_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	Similarity float64   `json:"similarity,omitempty"`
	At         time.Time `json:"at"`
}
