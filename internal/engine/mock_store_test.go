package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/factloom/factloom/internal/embed"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// mockEntryStore is a minimal in-memory store for engine tests. Upsert applies
// types.MergeEntries under a mutex, mirroring the transactional SQLite path.
type mockEntryStore struct {
	mu      sync.Mutex
	entries map[string]*types.MemoryEntry
}

func newMockEntryStore() *mockEntryStore {
	return &mockEntryStore{entries: make(map[string]*types.MemoryEntry)}
}

// add seeds an entry directly, bypassing merge semantics.
func (m *mockEntryStore) add(entry *types.MemoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[entry.ID] = &cp
}

func (m *mockEntryStore) Upsert(_ context.Context, entry *types.MemoryEntry) (*types.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, existing := range m.entries {
		if existing.ProfileID == entry.ProfileID && existing.CanonicalKey == entry.CanonicalKey {
			merged := types.MergeEntries(existing, entry, now)
			m.entries[merged.ID] = merged
			cp := *merged
			return &cp, nil
		}
	}

	cp := *entry
	if cp.Status == "" {
		cp.Status = types.StatusActive
	}
	cp.FirstSeenAt = now
	cp.LastSeenAt = now
	m.entries[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *mockEntryStore) Get(_ context.Context, id string) (*types.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *mockEntryStore) GetByCanonicalKey(_ context.Context, profileID, canonicalKey string) (*types.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.ProfileID == profileID && entry.CanonicalKey == canonicalKey {
			cp := *entry
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *mockEntryStore) ListByProfile(_ context.Context, profileID string, opts storage.ListOptions) ([]types.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.MemoryEntry
	for _, entry := range m.entries {
		if entry.ProfileID != profileID {
			continue
		}
		if opts.Status != "" && entry.Status != opts.Status {
			continue
		}
		if entry.Importance < opts.MinImportance {
			continue
		}
		if entry.Confidence < opts.MinConfidence {
			continue
		}
		if opts.OnlyEmbedded && len(entry.Embedding) == 0 {
			continue
		}
		out = append(out, *entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Importance > out[j].Importance
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *mockEntryStore) ListProfiles(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, entry := range m.entries {
		if !seen[entry.ProfileID] {
			seen[entry.ProfileID] = true
			out = append(out, entry.ProfileID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockEntryStore) SearchSimilar(_ context.Context, profileID string, query []float32, limit int, threshold float64) ([]storage.SimilarEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.SimilarEntry
	for _, entry := range m.entries {
		if entry.ProfileID != profileID || entry.Status != types.StatusActive || len(entry.Embedding) == 0 {
			continue
		}
		sim := embed.Cosine(query, entry.Embedding)
		if sim < threshold {
			continue
		}
		out = append(out, storage.SimilarEntry{Entry: *entry, Similarity: sim})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockEntryStore) StoreEmbedding(_ context.Context, id string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	entry.Embedding = embedding
	return nil
}

func (m *mockEntryStore) MergeKeywords(_ context.Context, id string, keywords []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	entry.Keywords = types.UnionStrings(entry.Keywords, keywords)
	return nil
}

func (m *mockEntryStore) UpdateStatus(_ context.Context, id string, status types.MemoryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	entry.Status = status
	return nil
}

func (m *mockEntryStore) SetContradictionGroup(_ context.Context, ids []string, groupID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := 0
	for _, id := range ids {
		entry, ok := m.entries[id]
		if !ok {
			continue
		}
		entry.ContradictionGroupID = groupID
		if !entry.IsProtected {
			entry.Status = types.StatusAmbiguous
		}
		updated++
	}
	return updated, nil
}

func (m *mockEntryStore) ListContradicted(_ context.Context, profileID string) ([]types.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.MemoryEntry
	for _, entry := range m.entries {
		if entry.ProfileID == profileID && entry.ContradictionGroupID != "" {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockEntryStore) RaiseImportance(_ context.Context, id string, newImportance int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if entry.Importance >= newImportance {
		return false, nil
	}
	entry.Importance = newImportance
	return true, nil
}

func (m *mockEntryStore) IncrementRetrievalCount(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if entry, ok := m.entries[id]; ok {
			entry.RetrievalCount++
		}
	}
	return nil
}

func (m *mockEntryStore) Close() error { return nil }

var _ storage.EntryStore = (*mockEntryStore)(nil)

// fixedEmbedder returns canned vectors keyed by exact text, so tests control
// similarity outcomes precisely.
type fixedEmbedder struct {
	vectors   map[string][]float32
	dimension int
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	// Unknown text gets an orthogonal default.
	v := make([]float32, f.dimension)
	v[f.dimension-1] = 1
	return v, nil
}

func (f *fixedEmbedder) Dimension() int { return f.dimension }
