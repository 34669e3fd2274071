// Package sqlite provides an embedded SQLite implementation of the entry
// store, used for single-node deployments and as the storage backend under
// test.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/factloom/factloom/internal/embed"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// EntryStore implements storage.EntryStore using SQLite.
//
// SQLite only supports one concurrent writer. The connection pool is pinned
// to a single connection, which serialises writes; every Upsert therefore
// runs as one transaction on the sole writer connection, making the
// insert-or-merge atomic with respect to concurrent callers. That serialised
// transaction is SQLite's native conflict-resolution primitive here,
// equivalent in effect to Postgres ON CONFLICT DO UPDATE.
type EntryStore struct {
	db *sql.DB
}

// Ensure *EntryStore implements storage.EntryStore at compile time.
var _ storage.EntryStore = (*EntryStore)(nil)

// NewEntryStore opens (or creates) a SQLite database and applies the schema.
// Pass ":memory:" for an ephemeral store.
func NewEntryStore(dsn string) (*EntryStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Single writer connection avoids SQLITE_BUSY under concurrent load.
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply schema: %w", err)
	}

	return &EntryStore{db: db}, nil
}

// GetDB returns the underlying database connection.
func (s *EntryStore) GetDB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *EntryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Upsert inserts the entry or merges it into the existing row for the same
// (profile_id, canonical_key), applying types.MergeRules inside a single
// transaction on the pinned writer connection.
func (s *EntryStore) Upsert(ctx context.Context, entry *types.MemoryEntry) (*types.MemoryEntry, error) {
	if entry == nil {
		return nil, storage.ErrInvalidInput
	}
	if entry.ProfileID == "" || entry.CanonicalKey == "" {
		return nil, fmt.Errorf("%w: profile ID and canonical key are required", storage.ErrInvalidInput)
	}
	if entry.Content == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getByKeyTx(ctx, tx, entry.ProfileID, entry.CanonicalKey)
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}

	var result *types.MemoryEntry
	if existing == nil {
		fresh := *entry
		applyCreateDefaults(&fresh, now)
		if err := insertTx(ctx, tx, &fresh); err != nil {
			return nil, err
		}
		result = &fresh
	} else {
		merged := types.MergeEntries(existing, entry, now)
		if err := updateTx(ctx, tx, merged); err != nil {
			return nil, err
		}
		result = merged
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to commit upsert: %w", err)
	}

	return result, nil
}

// applyCreateDefaults fills the fields a fresh insert owns.
func applyCreateDefaults(entry *types.MemoryEntry, now time.Time) {
	if entry.Type == "" {
		entry.Type = types.TypeFact
	}
	if entry.Status == "" {
		entry.Status = types.StatusActive
	}
	if entry.SupportCount < 1 {
		entry.SupportCount = 1
	}
	if entry.IsProtected {
		entry.Confidence = types.MaxConfidence
	}
	entry.FirstSeenAt = now
	entry.LastSeenAt = now
	entry.RetrievalCount = 0
}

const entryColumns = `
	id, profile_id, canonical_key, content, entry_type,
	confidence, support_count, importance, status,
	contradiction_group_id, is_protected,
	embedding_json, keywords_json, relationships_json,
	parent_fact_id, is_atomic_fact, source, source_id,
	first_seen_at, last_seen_at, retrieval_count
`

func insertTx(ctx context.Context, tx *sql.Tx, entry *types.MemoryEntry) error {
	query := `INSERT INTO memory_entries (` + entryColumns + `) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, query,
		entry.ID,
		entry.ProfileID,
		entry.CanonicalKey,
		entry.Content,
		entry.Type,
		entry.Confidence,
		entry.SupportCount,
		entry.Importance,
		string(entry.Status),
		nullableString(entry.ContradictionGroupID),
		boolToInt(entry.IsProtected),
		marshalFloats(entry.Embedding),
		marshalStrings(entry.Keywords),
		marshalStrings(entry.Relationships),
		nullableString(entry.ParentFactID),
		boolToInt(entry.IsAtomicFact),
		nullableString(entry.Source),
		nullableString(entry.SourceID),
		entry.FirstSeenAt,
		entry.LastSeenAt,
		entry.RetrievalCount,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert entry: %w", err)
	}
	return nil
}

func updateTx(ctx context.Context, tx *sql.Tx, entry *types.MemoryEntry) error {
	query := `
		UPDATE memory_entries SET
			content = ?, entry_type = ?, confidence = ?, support_count = ?,
			importance = ?, status = ?, is_protected = ?,
			keywords_json = ?, relationships_json = ?,
			parent_fact_id = ?, is_atomic_fact = ?, source = ?, source_id = ?,
			last_seen_at = ?
		WHERE id = ?
	`
	_, err := tx.ExecContext(ctx, query,
		entry.Content,
		entry.Type,
		entry.Confidence,
		entry.SupportCount,
		entry.Importance,
		string(entry.Status),
		boolToInt(entry.IsProtected),
		marshalStrings(entry.Keywords),
		marshalStrings(entry.Relationships),
		nullableString(entry.ParentFactID),
		boolToInt(entry.IsAtomicFact),
		nullableString(entry.Source),
		nullableString(entry.SourceID),
		entry.LastSeenAt,
		entry.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to merge entry: %w", err)
	}
	return nil
}

// Get retrieves an entry by ID.
func (s *EntryStore) Get(ctx context.Context, id string) (*types.MemoryEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries WHERE id = ?`, id)
	return scanEntryRow(row)
}

// GetByCanonicalKey retrieves the entry for (profileID, canonicalKey).
func (s *EntryStore) GetByCanonicalKey(ctx context.Context, profileID, canonicalKey string) (*types.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries WHERE profile_id = ? AND canonical_key = ?`,
		profileID, canonicalKey)
	return scanEntryRow(row)
}

func (s *EntryStore) getByKeyTx(ctx context.Context, tx *sql.Tx, profileID, canonicalKey string) (*types.MemoryEntry, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries WHERE profile_id = ? AND canonical_key = ?`,
		profileID, canonicalKey)
	return scanEntryRow(row)
}

// ListByProfile lists entries for a profile with optional filters, ordered by
// confidence then importance, both descending.
func (s *EntryStore) ListByProfile(ctx context.Context, profileID string, opts storage.ListOptions) ([]types.MemoryEntry, error) {
	if profileID == "" {
		return nil, fmt.Errorf("%w: profile ID is required", storage.ErrInvalidInput)
	}

	conditions := []string{"profile_id = ?"}
	args := []interface{}{profileID}

	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.MinImportance > 0 {
		conditions = append(conditions, "importance >= ?")
		args = append(args, opts.MinImportance)
	}
	if opts.MinConfidence > 0 {
		conditions = append(conditions, "confidence >= ?")
		args = append(args, opts.MinConfidence)
	}
	if opts.OnlyEmbedded {
		conditions = append(conditions, "embedding_json IS NOT NULL")
	}

	query := `SELECT ` + entryColumns + ` FROM memory_entries WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY confidence DESC, importance DESC, last_seen_at DESC`

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list entries: %w", err)
	}
	defer rows.Close()

	return scanEntryRows(rows)
}

// ListProfiles returns the distinct profile IDs present in the store.
func (s *EntryStore) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT profile_id FROM memory_entries ORDER BY profile_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// SearchSimilar loads the profile's embedded ACTIVE entries and ranks them by
// cosine similarity in memory. SQLite has no vector index; profiles are small
// enough that a scan is acceptable for the embedded backend.
func (s *EntryStore) SearchSimilar(ctx context.Context, profileID string, query []float32, limit int, threshold float64) ([]storage.SimilarEntry, error) {
	if len(query) == 0 {
		return nil, nil
	}

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

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// StoreEmbedding attaches an embedding vector to an entry.
func (s *EntryStore) StoreEmbedding(ctx context.Context, id string, embedding []float32) error {
	if id == "" || len(embedding) == 0 {
		return fmt.Errorf("%w: entry ID and embedding are required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET embedding_json = ? WHERE id = ?`,
		marshalFloats(embedding), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding: %w", err)
	}
	return checkAffected(result)
}

// MergeKeywords unions the given keywords into the entry's keyword set.
func (s *EntryStore) MergeKeywords(ctx context.Context, id string, keywords []string) error {
	if id == "" {
		return fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}
	if len(keywords) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin keyword merge: %w", err)
	}
	defer tx.Rollback()

	var existingJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT keywords_json FROM memory_entries WHERE id = ?`, id).Scan(&existingJSON)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to read keywords: %w", err)
	}

	merged := types.UnionStrings(unmarshalStrings(existingJSON), keywords)
	if _, err := tx.ExecContext(ctx,
		`UPDATE memory_entries SET keywords_json = ? WHERE id = ?`,
		marshalStrings(merged), id); err != nil {
		return fmt.Errorf("sqlite: failed to merge keywords: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit keyword merge: %w", err)
	}
	return nil
}

// UpdateStatus sets the lifecycle status of an entry.
func (s *EntryStore) UpdateStatus(ctx context.Context, id string, status types.MemoryStatus) error {
	if id == "" {
		return fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update status: %w", err)
	}
	return checkAffected(result)
}

// SetContradictionGroup assigns the group ID and AMBIGUOUS status to the
// given entries in one batch statement. Protected entries join the group but
// keep their status.
func (s *EntryStore) SetContradictionGroup(ctx context.Context, ids []string, groupID string) (int, error) {
	if len(ids) == 0 || groupID == "" {
		return 0, fmt.Errorf("%w: entry IDs and group ID are required", storage.ErrInvalidInput)
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := []interface{}{groupID, string(types.StatusAmbiguous)}
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		UPDATE memory_entries SET
			contradiction_group_id = ?,
			status = CASE WHEN is_protected = 1 THEN status ELSE ? END
		WHERE id IN (%s)`, placeholders)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to set contradiction group: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ListContradicted returns all entries of a profile carrying a contradiction
// group ID.
func (s *EntryStore) ListContradicted(ctx context.Context, profileID string) ([]types.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries
		 WHERE profile_id = ? AND contradiction_group_id IS NOT NULL
		 ORDER BY contradiction_group_id, confidence DESC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list contradicted entries: %w", err)
	}
	defer rows.Close()

	return scanEntryRows(rows)
}

// RaiseImportance sets importance to newImportance only when it exceeds the
// stored value at write time. A lost guard returns (false, nil).
func (s *EntryStore) RaiseImportance(ctx context.Context, id string, newImportance int) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET importance = ? WHERE id = ? AND importance < ?`,
		newImportance, id, newImportance)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to raise importance: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// IncrementRetrievalCount bumps retrieval_count for the given entries.
func (s *EntryStore) IncrementRetrievalCount(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(
		`UPDATE memory_entries SET retrieval_count = retrieval_count + 1 WHERE id IN (%s)`,
		placeholders)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: failed to increment retrieval count: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntryRow(row *sql.Row) (*types.MemoryEntry, error) {
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan entry: %w", err)
	}
	return entry, nil
}

func scanEntryRows(rows *sql.Rows) ([]types.MemoryEntry, error) {
	var entries []types.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}
	return entries, nil
}

func scanEntry(scanner rowScanner) (*types.MemoryEntry, error) {
	var entry types.MemoryEntry
	var status string
	var groupID, embeddingJSON, keywordsJSON, relationshipsJSON sql.NullString
	var parentFactID, source, sourceID sql.NullString
	var isProtected, isAtomicFact int

	err := scanner.Scan(
		&entry.ID,
		&entry.ProfileID,
		&entry.CanonicalKey,
		&entry.Content,
		&entry.Type,
		&entry.Confidence,
		&entry.SupportCount,
		&entry.Importance,
		&status,
		&groupID,
		&isProtected,
		&embeddingJSON,
		&keywordsJSON,
		&relationshipsJSON,
		&parentFactID,
		&isAtomicFact,
		&source,
		&sourceID,
		&entry.FirstSeenAt,
		&entry.LastSeenAt,
		&entry.RetrievalCount,
	)
	if err != nil {
		return nil, err
	}

	entry.Status = types.MemoryStatus(status)
	entry.IsProtected = isProtected != 0
	entry.IsAtomicFact = isAtomicFact != 0
	if groupID.Valid {
		entry.ContradictionGroupID = groupID.String
	}
	if parentFactID.Valid {
		entry.ParentFactID = parentFactID.String
	}
	if source.Valid {
		entry.Source = source.String
	}
	if sourceID.Valid {
		entry.SourceID = sourceID.String
	}
	entry.Embedding = unmarshalFloats(embeddingJSON)
	entry.Keywords = unmarshalStrings(keywordsJSON)
	entry.Relationships = unmarshalStrings(relationshipsJSON)

	return &entry, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalStrings(values []string) interface{} {
	if len(values) == 0 {
		return nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(ns.String), &values); err != nil {
		return nil
	}
	return values
}

func marshalFloats(values []float32) interface{} {
	if len(values) == 0 {
		return nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalFloats(ns sql.NullString) []float32 {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var values []float32
	if err := json.Unmarshal([]byte(ns.String), &values); err != nil {
		return nil
	}
	return values
}
