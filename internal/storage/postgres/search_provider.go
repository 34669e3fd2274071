package postgres

import (
	"context"
	"fmt"
	"sort"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/factloom/factloom/internal/embed"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// Ensure *EntryStore implements storage.EntryStore at compile time.
var _ storage.EntryStore = (*EntryStore)(nil)

// SearchSimilar returns up to limit ACTIVE entries whose embedding cosine
// similarity to the query vector exceeds threshold, most similar first.
//
// With pgvector the search runs against the native vector column, accelerated
// by the ivfflat cosine index. Without it, the profile's embedded entries are
// scanned and scored in process, mirroring the SQLite backend.
func (s *EntryStore) SearchSimilar(ctx context.Context, profileID string, query []float32, limit int, threshold float64) ([]storage.SimilarEntry, error) {
	if len(query) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	if !s.pgvectorAvailable {
		return s.searchSimilarScan(ctx, profileID, query, limit, threshold)
	}

	// Cosine distance d = embedding <=> query; similarity = 1 - d.
	// The similarity > threshold filter is expressed as a distance bound so
	// the index is still usable.
	querySQL := `
		SELECT ` + entryColumns + `, 1 - (embedding <=> $2) AS similarity
		FROM memory_entries
		WHERE profile_id = $1
		  AND status = 'ACTIVE'
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $2) > $3
		ORDER BY embedding <=> $2
		LIMIT $4
	`

	rows, err := s.db.QueryContext(ctx, querySQL,
		profileID, pgvector.NewVector(query), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []storage.SimilarEntry
	for rows.Next() {
		res, err := scanSimilarRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: similarity rows error: %w", err)
	}

	return results, nil
}

// searchSimilarScan is the pgvector-less fallback: score the profile's
// embedded entries in process.
func (s *EntryStore) searchSimilarScan(ctx context.Context, profileID string, query []float32, limit int, threshold float64) ([]storage.SimilarEntry, error) {
	entries, err := s.ListByProfile(ctx, profileID, storage.ListOptions{
		Status:       types.StatusActive,
		OnlyEmbedded: true,
	})
	if err != nil {
		return nil, err
	}

	var results []storage.SimilarEntry
	for i := range entries {
		sim := embed.Cosine(query, entries[i].Embedding)
		if sim > threshold {
			results = append(results, storage.SimilarEntry{Entry: entries[i], Similarity: sim})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scanSimilarRow scans entryColumns plus a trailing similarity column.
func scanSimilarRow(scanner rowScanner) (storage.SimilarEntry, error) {
	var res storage.SimilarEntry

	entry, err := scanEntry(scanner, &res.Similarity)
	if err != nil {
		return res, fmt.Errorf("postgres: failed to scan similarity row: %w", err)
	}
	res.Entry = *entry
	return res, nil
}
