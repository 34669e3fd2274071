package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factloom/factloom/internal/cache"
	"github.com/factloom/factloom/internal/embed"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

func newTestEngine(t *testing.T, store storage.EntryStore, embedder embed.Provider) *Engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.NumWorkers = 1

	eng, err := New(store, cache.NewTiered(cache.DefaultTieredConfig()), embedder, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = eng.Shutdown(shutdownCtx)
		cancel()
	})
	return eng
}

func TestUpsertMemoryCreatesEntry(t *testing.T) {
	store := newMockEntryStore()
	eng := newTestEngine(t, store, nil)

	entry, err := eng.UpsertMemory(context.Background(), "p1", types.Claim{
		Content:    "prefers tabs over spaces",
		Type:       "preference",
		Importance: 40,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "p1", entry.ProfileID)
	assert.Equal(t, CanonicalKey("prefers tabs over spaces"), entry.CanonicalKey)
	assert.Equal(t, 50, entry.Confidence)
	assert.Equal(t, 1, entry.SupportCount)
	assert.Equal(t, 40, entry.Importance)
	assert.Equal(t, types.StatusActive, entry.Status)
}

func TestUpsertMemoryRepeatMerges(t *testing.T) {
	store := newMockEntryStore()
	eng := newTestEngine(t, store, nil)
	ctx := context.Background()

	first, err := eng.UpsertMemory(ctx, "p1", types.Claim{Content: "Works at Acme"})
	require.NoError(t, err)

	// Restatement differing only in case and punctuation lands on the same
	// canonical key and merges.
	second, err := eng.UpsertMemory(ctx, "p1", types.Claim{Content: "works at acme!"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.SupportCount)
	assert.Equal(t, 60, second.Confidence)
}

func TestUpsertMemoryProtectedClaim(t *testing.T) {
	store := newMockEntryStore()
	eng := newTestEngine(t, store, nil)

	entry, err := eng.UpsertMemory(context.Background(), "p1", types.Claim{
		Content:     "legal name is Jordan Smith",
		IsProtected: true,
	})
	require.NoError(t, err)

	assert.True(t, entry.IsProtected)
	assert.Equal(t, types.MaxConfidence, entry.Confidence)
}

func TestUpsertMemoryValidation(t *testing.T) {
	eng := newTestEngine(t, newMockEntryStore(), nil)
	ctx := context.Background()

	_, err := eng.UpsertMemory(ctx, "", types.Claim{Content: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = eng.UpsertMemory(ctx, "p1", types.Claim{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestUpsertMemoryBlockedDuplicateMerges(t *testing.T) {
	store := newMockEntryStore()
	store.add(&types.MemoryEntry{
		ID:           "existing",
		ProfileID:    "p1",
		CanonicalKey: CanonicalKey("works at acme corporation"),
		Content:      "works at acme corporation",
		Confidence:   50,
		SupportCount: 1,
		Status:       types.StatusActive,
		Embedding:    []float32{1, 0, 0, 0},
	})

	embedder := &fixedEmbedder{
		dimension: 4,
		vectors: map[string][]float32{
			// Different wording, near-identical vector: over the block line.
			"employed at acme corporation": {1, 0.01, 0, 0},
		},
	}
	eng := newTestEngine(t, store, embedder)

	merged, err := eng.UpsertMemory(context.Background(), "p1", types.Claim{
		Content: "employed at acme corporation",
	})
	require.NoError(t, err)

	// The claim was rerouted onto the matched entry's identity instead of
	// creating a second row.
	assert.Equal(t, "existing", merged.ID)
	assert.Equal(t, 2, merged.SupportCount)

	profiles, err := store.ListByProfile(context.Background(), "p1", storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
}

func TestUpsertMemoryEmitsEvents(t *testing.T) {
	store := newMockEntryStore()

	cfg := DefaultConfig()
	cfg.NumWorkers = 1
	eng, err := New(store, nil, nil, cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []Event
	eng.SetOnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	_, err = eng.UpsertMemory(ctx, "p1", types.Claim{Content: "likes coffee"})
	require.NoError(t, err)
	_, err = eng.UpsertMemory(ctx, "p1", types.Claim{Content: "likes coffee"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Kind)
	assert.Equal(t, EventMerged, events[1].Kind)
}

func TestUpsertMemoryRequiresStart(t *testing.T) {
	eng, err := New(newMockEntryStore(), nil, nil, DefaultConfig())
	require.NoError(t, err)

	_, err = eng.UpsertMemory(context.Background(), "p1", types.Claim{Content: "x"})
	assert.Error(t, err)
}

func TestBackgroundEnrichmentEmbedsAndTags(t *testing.T) {
	store := newMockEntryStore()
	embedder := &fixedEmbedder{dimension: 4}
	eng := newTestEngine(t, store, embedder)

	entry, err := eng.UpsertMemory(context.Background(), "p1", types.Claim{
		Content: "database migration finished without errors",
	})
	require.NoError(t, err)

	// Enrichment is fire-and-forget; poll until the workers catch up.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), entry.ID)
		require.NoError(t, err)
		if len(got.Embedding) > 0 && len(got.Keywords) > 0 {
			assert.Contains(t, got.Keywords, "database")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background enrichment did not complete in time")
}
