package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/factloom/factloom/internal/cache"
	"github.com/factloom/factloom/internal/embed"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// Engine orchestrates consolidation: the synchronous atomic upsert on the
// write path, plus fire-and-forget background enrichment (embedding, tagging)
// via a worker pool. No application-level locking exists around the upsert;
// atomicity under concurrent writers is entirely the store's.
type Engine struct {
	config   Config
	store    storage.EntryStore
	caches   *cache.Tiered
	embedder embed.Provider
	detector *DuplicateDetector

	retriever      *Retriever
	contradictions *ContradictionManager
	propagator     *Propagator

	jobs            chan *backgroundJob
	workerWaitGroup sync.WaitGroup
	workerCancel    context.CancelFunc

	mu           sync.RWMutex
	started      bool
	shuttingDown bool

	onEvent func(Event)
}

// New creates an engine. The store is required; caches and embedder may be
// nil (caching disabled, duplicate detection fails open to allow).
func New(store storage.EntryStore, caches *cache.Tiered, embedder embed.Provider, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: entry store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	e := &Engine{
		config:   cfg,
		store:    store,
		caches:   caches,
		embedder: embedder,
		detector: NewDuplicateDetector(store, embedder),
		jobs:     make(chan *backgroundJob, cfg.QueueSize),
	}

	e.retriever = NewRetriever(store, caches)
	e.contradictions = NewContradictionManager(store, caches)
	e.contradictions.onEvent = e.emit
	e.propagator = NewPropagator(store)

	return e, nil
}

// SetOnEvent registers a callback fired for consolidation events. Used by the
// ops server to feed its websocket hub. Must be set before Start.
func (e *Engine) SetOnEvent(callback func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = callback
}

// Retriever exposes the ranked read path.
func (e *Engine) Retriever() *Retriever {
	return e.retriever
}

// Contradictions exposes the contradiction lifecycle manager.
func (e *Engine) Contradictions() *ContradictionManager {
	return e.contradictions
}

// Propagator exposes the importance propagation batch job.
func (e *Engine) Propagator() *Propagator {
	return e.propagator
}

// Start launches the background worker pool. Must be called before
// UpsertMemory.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine: already started")
	}

	log.Println("Starting consolidation engine...")

	workerCtx, cancel := context.WithCancel(ctx)
	e.workerCancel = cancel
	e.startWorkerPool(workerCtx)

	e.started = true
	log.Println("Consolidation engine started")
	return nil
}

// Shutdown stops the worker pool, draining queued jobs up to the configured
// timeout.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("engine: not started")
	}

	log.Println("Shutting down consolidation engine...")
	e.shuttingDown = true

	if err := e.stopWorkerPool(ctx); err != nil {
		log.Printf("engine: worker pool shutdown had errors: %v", err)
	}
	if e.workerCancel != nil {
		e.workerCancel()
	}

	e.started = false
	e.shuttingDown = false
	log.Println("Consolidation engine shut down")
	return nil
}

// UpsertMemory ingests one claim for a profile and returns the committed row.
//
// Callers can tell a merge from a fresh creation by the returned
// SupportCount (> 1 means merged). Duplicate-detection and background-task
// failures are never observable here; only store-level failures surface.
func (e *Engine) UpsertMemory(ctx context.Context, profileID string, claim types.Claim) (*types.MemoryEntry, error) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return nil, fmt.Errorf("engine: not started")
	}

	if profileID == "" {
		return nil, fmt.Errorf("%w: profile ID is required", storage.ErrInvalidInput)
	}
	if claim.Content == "" {
		return nil, fmt.Errorf("%w: claim content is required", storage.ErrInvalidInput)
	}

	// Backfill the canonical key when the producer omitted it.
	canonicalKey := claim.CanonicalKey
	if canonicalKey == "" {
		canonicalKey = CanonicalKey(claim.Content)
	}

	// Semantic duplicate check. A block reroutes the claim onto the matched
	// entry's canonical key so the ordinary upsert performs the merge; a flag
	// is recorded for observability only. Failures have already degraded the
	// verdict to allow inside the detector.
	verdict := e.detector.Check(ctx, profileID, claim.Content)
	switch verdict.Tier {
	case TierBlock:
		log.Printf("engine: claim for profile %s blocked as duplicate of %s (similarity %.3f), merging",
			profileID, verdict.Match.ID, verdict.Similarity)
		canonicalKey = verdict.Match.CanonicalKey
	case TierFlag:
		log.Printf("engine: claim for profile %s flagged as near-duplicate of %s (similarity %.3f)",
			profileID, verdict.Match.ID, verdict.Similarity)
		e.emit(Event{
			Kind:       EventFlagged,
			ProfileID:  profileID,
			EntryID:    verdict.Match.ID,
			Similarity: verdict.Similarity,
			At:         time.Now(),
		})
	}

	incoming := e.entryFromClaim(profileID, canonicalKey, claim)

	stored, err := e.store.Upsert(ctx, incoming)
	if err != nil {
		return nil, fmt.Errorf("engine: upsert failed: %w", err)
	}

	// Writes invalidate every cached read keyed by this profile.
	if e.caches != nil {
		e.caches.InvalidateProfile(profileID)
	}

	kind := EventCreated
	if stored.SupportCount > 1 {
		kind = EventMerged
	}
	e.emit(Event{Kind: kind, ProfileID: profileID, EntryID: stored.ID, At: time.Now()})

	// Decoupled background enrichment; neither task may block or fail the
	// write path.
	if len(stored.Embedding) == 0 {
		e.enqueue(&backgroundJob{Kind: jobEmbed, EntryID: stored.ID, ProfileID: profileID, Content: stored.Content, Queued: time.Now()})
	}
	e.enqueue(&backgroundJob{Kind: jobTag, EntryID: stored.ID, ProfileID: profileID, Content: stored.Content, Queued: time.Now()})

	return stored, nil
}

// entryFromClaim builds the incoming observation row for the upsert.
func (e *Engine) entryFromClaim(profileID, canonicalKey string, claim types.Claim) *types.MemoryEntry {
	confidence := e.config.InitialConfidence
	if claim.IsProtected {
		confidence = types.MaxConfidence
	}

	importance := claim.Importance
	if importance < 0 {
		importance = 0
	}
	if importance > types.MaxImportance {
		importance = types.MaxImportance
	}

	return &types.MemoryEntry{
		ID:            uuid.NewString(),
		ProfileID:     profileID,
		CanonicalKey:  canonicalKey,
		Content:       claim.Content,
		Type:          claim.Type,
		Confidence:    confidence,
		SupportCount:  1,
		Importance:    importance,
		IsProtected:   claim.IsProtected,
		Keywords:      claim.Keywords,
		Relationships: claim.Relationships,
		ParentFactID:  claim.ParentFactID,
		IsAtomicFact:  claim.IsAtomicFact,
		Source:        claim.Source,
		SourceID:      claim.SourceID,
	}
}

// QueueDepth returns the current number of queued background jobs.
func (e *Engine) QueueDepth() int {
	return len(e.jobs)
}

func (e *Engine) emit(event Event) {
	e.mu.RLock()
	callback := e.onEvent
	e.mu.RUnlock()
	if callback != nil {
		callback(event)
	}
}
