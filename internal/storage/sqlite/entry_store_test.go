package sqlite

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing. NewEntryStore
// applies the full schema, so no additional DDL is required.
func newTestStore(t *testing.T) *EntryStore {
	t.Helper()
	store, err := NewEntryStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEntry(id, profileID, key string) *types.MemoryEntry {
	return &types.MemoryEntry{
		ID:           id,
		ProfileID:    profileID,
		CanonicalKey: key,
		Content:      "content for " + key,
		Confidence:   50,
		SupportCount: 1,
		Importance:   30,
	}
}

func TestUpsertCreatesEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.Upsert(ctx, testEntry("e1", "p1", "k1"))
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	if got.SupportCount != 1 {
		t.Errorf("SupportCount: got %d, want 1", got.SupportCount)
	}
	if got.Status != types.StatusActive {
		t.Errorf("Status: got %q, want ACTIVE", got.Status)
	}
	if got.Type != types.TypeFact {
		t.Errorf("Type: got %q, want default fact", got.Type)
	}
	if got.FirstSeenAt.IsZero() || got.LastSeenAt.IsZero() {
		t.Error("timestamps not backfilled on create")
	}
}

func TestUpsertMergesOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Upsert(ctx, testEntry("e1", "p1", "k1"))
	if err != nil {
		t.Fatalf("first Upsert() failed: %v", err)
	}

	// Second observation for the same (profile, key): the row merges, the
	// second caller's ID is discarded.
	incoming := testEntry("e2", "p1", "k1")
	incoming.Content = "updated content"
	incoming.Importance = 60
	incoming.Keywords = []string{"merge"}

	second, err := store.Upsert(ctx, incoming)
	if err != nil {
		t.Fatalf("second Upsert() failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("ID: got %q, want original %q", second.ID, first.ID)
	}
	if second.SupportCount != 2 {
		t.Errorf("SupportCount: got %d, want 2", second.SupportCount)
	}
	if second.Confidence != 60 {
		t.Errorf("Confidence: got %d, want 60", second.Confidence)
	}
	if second.Content != "updated content" {
		t.Errorf("Content: got %q, want incoming content", second.Content)
	}
	if second.Importance != 60 {
		t.Errorf("Importance: got %d, want max 60", second.Importance)
	}
	if !reflect.DeepEqual(second.Keywords, []string{"merge"}) {
		t.Errorf("Keywords: got %v, want [merge]", second.Keywords)
	}

	// Exactly one row persisted.
	entries, err := store.ListByProfile(ctx, "p1", storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListByProfile() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("row count: got %d, want 1", len(entries))
	}
}

func TestUpsertConfidenceMonotoneAndCapped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	last := 0
	for i := 0; i < 10; i++ {
		got, err := store.Upsert(ctx, testEntry(fmt.Sprintf("e%d", i), "p1", "k1"))
		if err != nil {
			t.Fatalf("Upsert() %d failed: %v", i, err)
		}
		if got.Confidence < last {
			t.Fatalf("confidence decreased: %d -> %d", last, got.Confidence)
		}
		if got.Confidence > types.MaxConfidence {
			t.Fatalf("confidence exceeded cap: %d", got.Confidence)
		}
		last = got.Confidence
	}
	if last != types.MaxConfidence {
		t.Errorf("confidence after 10 observations: got %d, want %d", last, types.MaxConfidence)
	}
}

func TestUpsertProtectedEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	protected := testEntry("e1", "p1", "k1")
	protected.IsProtected = true

	got, err := store.Upsert(ctx, protected)
	if err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if got.Confidence != types.MaxConfidence {
		t.Errorf("protected create Confidence: got %d, want %d", got.Confidence, types.MaxConfidence)
	}

	// Merges never lower a protected entry's confidence or clear the flag.
	merged, err := store.Upsert(ctx, testEntry("e2", "p1", "k1"))
	if err != nil {
		t.Fatalf("merge Upsert() failed: %v", err)
	}
	if merged.Confidence != types.MaxConfidence {
		t.Errorf("protected merge Confidence: got %d, want %d", merged.Confidence, types.MaxConfidence)
	}
	if !merged.IsProtected {
		t.Error("IsProtected cleared by merge")
	}
}

func TestUpsertConcurrentSameKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Upsert(ctx, testEntry(fmt.Sprintf("e%d", i), "p1", "k1"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Upsert() failed: %v", err)
		}
	}

	entries, err := store.ListByProfile(ctx, "p1", storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListByProfile() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("row count: got %d, want 1", len(entries))
	}
	if entries[0].SupportCount != writers {
		t.Errorf("SupportCount: got %d, want %d", entries[0].SupportCount, writers)
	}
}

func TestUpsertValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("nil entry: got %v, want ErrInvalidInput", err)
	}

	missing := testEntry("e1", "", "k1")
	if _, err := store.Upsert(ctx, missing); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("missing profile: got %v, want ErrInvalidInput", err)
	}

	empty := testEntry("e1", "p1", "k1")
	empty.Content = ""
	if _, err := store.Upsert(ctx, empty); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("empty content: got %v, want ErrInvalidInput", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := testEntry("e1", "p1", "k1")
	in.Keywords = []string{"alpha", "beta"}
	in.Relationships = []string{"rel-1"}
	in.Source = "chat"
	in.SourceID = "msg-42"
	in.ParentFactID = "parent-1"
	in.IsAtomicFact = true

	if _, err := store.Upsert(ctx, in); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	got, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !reflect.DeepEqual(got.Keywords, []string{"alpha", "beta"}) {
		t.Errorf("Keywords: got %v", got.Keywords)
	}
	if got.Source != "chat" || got.SourceID != "msg-42" {
		t.Errorf("provenance: got %q/%q", got.Source, got.SourceID)
	}
	if got.ParentFactID != "parent-1" || !got.IsAtomicFact {
		t.Errorf("atomic fact linkage: got %q/%v", got.ParentFactID, got.IsAtomicFact)
	}
}

func TestListByProfileFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e1 := testEntry("e1", "p1", "k1")
	e1.Confidence = 90
	e2 := testEntry("e2", "p1", "k2")
	e2.Confidence = 40
	e3 := testEntry("e3", "p2", "k1")

	for _, e := range []*types.MemoryEntry{e1, e2, e3} {
		if _, err := store.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", e.ID, err)
		}
	}
	if err := store.UpdateStatus(ctx, "e2", types.StatusDeprecated); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	active, err := store.ListByProfile(ctx, "p1", storage.ListOptions{Status: types.StatusActive})
	if err != nil {
		t.Fatalf("ListByProfile() failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "e1" {
		t.Errorf("status filter: got %v", active)
	}

	confident, err := store.ListByProfile(ctx, "p1", storage.ListOptions{MinConfidence: 60})
	if err != nil {
		t.Fatalf("ListByProfile() failed: %v", err)
	}
	if len(confident) != 1 || confident[0].ID != "e1" {
		t.Errorf("confidence filter: got %v", confident)
	}
}

func TestSearchSimilar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, vec := range [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}} {
		id := fmt.Sprintf("e%d", i)
		if _, err := store.Upsert(ctx, testEntry(id, "p1", fmt.Sprintf("k%d", i))); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
		if err := store.StoreEmbedding(ctx, id, vec); err != nil {
			t.Fatalf("StoreEmbedding() failed: %v", err)
		}
	}

	results, err := store.SearchSimilar(ctx, "p1", []float32{1, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("SearchSimilar() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("result count: got %d, want 2 (orthogonal entry excluded)", len(results))
	}
	if results[0].Entry.ID != "e0" {
		t.Errorf("best match: got %s, want e0", results[0].Entry.ID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not ordered by similarity")
	}
}

func TestSearchSimilarExcludesNonActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, testEntry("e1", "p1", "k1")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := store.StoreEmbedding(ctx, "e1", []float32{1, 0}); err != nil {
		t.Fatalf("StoreEmbedding() failed: %v", err)
	}
	if err := store.UpdateStatus(ctx, "e1", types.StatusDeprecated); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	results, err := store.SearchSimilar(ctx, "p1", []float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("SearchSimilar() failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("deprecated entry surfaced in search: %v", results)
	}
}

func TestSetContradictionGroup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	protected := testEntry("e1", "p1", "k1")
	protected.IsProtected = true
	if _, err := store.Upsert(ctx, protected); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if _, err := store.Upsert(ctx, testEntry("e2", "p1", "k2")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	n, err := store.SetContradictionGroup(ctx, []string{"e1", "e2", "missing"}, "g1")
	if err != nil {
		t.Fatalf("SetContradictionGroup() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("rows updated: got %d, want 2", n)
	}

	got1, _ := store.Get(ctx, "e1")
	if got1.Status != types.StatusActive {
		t.Errorf("protected status: got %q, want ACTIVE preserved", got1.Status)
	}
	if got1.ContradictionGroupID != "g1" {
		t.Errorf("protected group: got %q, want g1", got1.ContradictionGroupID)
	}

	got2, _ := store.Get(ctx, "e2")
	if got2.Status != types.StatusAmbiguous {
		t.Errorf("unprotected status: got %q, want AMBIGUOUS", got2.Status)
	}

	contradicted, err := store.ListContradicted(ctx, "p1")
	if err != nil {
		t.Fatalf("ListContradicted() failed: %v", err)
	}
	if len(contradicted) != 2 {
		t.Errorf("contradicted count: got %d, want 2", len(contradicted))
	}
}

func TestRaiseImportanceGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, testEntry("e1", "p1", "k1")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	applied, err := store.RaiseImportance(ctx, "e1", 50)
	if err != nil {
		t.Fatalf("RaiseImportance() failed: %v", err)
	}
	if !applied {
		t.Error("raise from 30 to 50 not applied")
	}

	// Guard: a lower or equal proposal is a silent skip.
	applied, err = store.RaiseImportance(ctx, "e1", 40)
	if err != nil {
		t.Fatalf("RaiseImportance() failed: %v", err)
	}
	if applied {
		t.Error("raise to lower value applied")
	}

	got, _ := store.Get(ctx, "e1")
	if got.Importance != 50 {
		t.Errorf("Importance: got %d, want 50", got.Importance)
	}
}

func TestIncrementRetrievalCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, testEntry("e1", "p1", "k1")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if _, err := store.Upsert(ctx, testEntry("e2", "p1", "k2")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	if err := store.IncrementRetrievalCount(ctx, []string{"e1", "e2"}); err != nil {
		t.Fatalf("IncrementRetrievalCount() failed: %v", err)
	}
	if err := store.IncrementRetrievalCount(ctx, []string{"e1"}); err != nil {
		t.Fatalf("IncrementRetrievalCount() failed: %v", err)
	}

	got1, _ := store.Get(ctx, "e1")
	got2, _ := store.Get(ctx, "e2")
	if got1.RetrievalCount != 2 || got2.RetrievalCount != 1 {
		t.Errorf("counts: got %d/%d, want 2/1", got1.RetrievalCount, got2.RetrievalCount)
	}
}

func TestMergeKeywords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := testEntry("e1", "p1", "k1")
	in.Keywords = []string{"alpha"}
	if _, err := store.Upsert(ctx, in); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	if err := store.MergeKeywords(ctx, "e1", []string{"beta", "alpha"}); err != nil {
		t.Fatalf("MergeKeywords() failed: %v", err)
	}

	got, _ := store.Get(ctx, "e1")
	if !reflect.DeepEqual(got.Keywords, []string{"alpha", "beta"}) {
		t.Errorf("Keywords: got %v, want [alpha beta]", got.Keywords)
	}

	if err := store.MergeKeywords(ctx, "missing", []string{"x"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing entry: got %v, want ErrNotFound", err)
	}
}

func TestListProfiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, p := range []string{"p2", "p1", "p1"} {
		e := testEntry(fmt.Sprintf("e%d", i), p, fmt.Sprintf("k%d", i))
		if _, err := store.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
	}

	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles() failed: %v", err)
	}
	if !reflect.DeepEqual(profiles, []string{"p1", "p2"}) {
		t.Errorf("profiles: got %v, want [p1 p2]", profiles)
	}
}
