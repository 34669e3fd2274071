// Package postgres provides the PostgreSQL implementation of the entry store.
// It carries the engine's concurrency contract through INSERT .. ON CONFLICT
// DO UPDATE .. RETURNING, so concurrent writers racing on the same
// (profile_id, canonical_key) always converge on a single merged row.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// EntryStore implements storage.EntryStore using PostgreSQL.
type EntryStore struct {
	db                *sql.DB
	pgvectorAvailable bool // true when the pgvector extension is present
	dimension         int
}

var _ storage.EntryStore = (*EntryStore)(nil)

// NewEntryStore opens a PostgreSQL connection, applies the schema, and probes
// for pgvector. The dsn parameter is a lib/pq connection string. dimension is
// the embedding vector length used for the pgvector column.
func NewEntryStore(dsn string, dimension int) (*EntryStore, error) {
	if dimension <= 0 {
		dimension = 768
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	s := &EntryStore{db: db, dimension: dimension}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to apply schema: %w", err)
	}

	// pgvector is optional: without it, similarity search falls back to a
	// scan over the JSON embedding column.
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension not available (falling back to in-process similarity): %v", err)
	} else if _, err := db.Exec(fmt.Sprintf(MigrationPgvector, dimension)); err != nil {
		log.Printf("postgres: failed to apply pgvector migration (falling back to in-process similarity): %v", err)
	} else {
		s.pgvectorAvailable = true
	}

	return s, nil
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

const entryColumns = `
	id, profile_id, canonical_key, content, entry_type,
	confidence, support_count, importance, status,
	contradiction_group_id, is_protected,
	embedding_json, keywords, relationships,
	parent_fact_id, is_atomic_fact, source, source_id,
	first_seen_at, last_seen_at, retrieval_count
`

// Upsert inserts the entry or, on (profile_id, canonical_key) conflict,
// merges it into the existing row. The ON CONFLICT SET clause mirrors
// types.MergeRules exactly:
//
//	confidence      add-capped (pinned at 100 for protected rows)
//	support_count   increment
//	importance      max
//	scalars         overwrite-if-present (COALESCE over NULLIF)
//	keywords/rels   set union
//	last_seen_at    now; first_seen_at and retrieval_count untouched
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

	initialConfidence := entry.Confidence
	if entry.IsProtected {
		initialConfidence = types.MaxConfidence
	}

	query := `
		INSERT INTO memory_entries (
			id, profile_id, canonical_key, content, entry_type,
			confidence, support_count, importance, status,
			is_protected, keywords, relationships,
			parent_fact_id, is_atomic_fact, source, source_id,
			first_seen_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, COALESCE(NULLIF($5, ''), 'fact'),
			$6, 1, $7, COALESCE(NULLIF($8, ''), 'ACTIVE'),
			$9, $10, $11,
			NULLIF($12, ''), $13, NULLIF($14, ''), NULLIF($15, ''),
			$16, $16
		)
		ON CONFLICT (profile_id, canonical_key) DO UPDATE SET
			confidence = CASE
				WHEN memory_entries.is_protected OR EXCLUDED.is_protected THEN 100
				ELSE LEAST(100, memory_entries.confidence + 10)
			END,
			support_count = memory_entries.support_count + 1,
			importance = GREATEST(memory_entries.importance, EXCLUDED.importance),
			content = CASE WHEN $4 <> '' THEN $4 ELSE memory_entries.content END,
			entry_type = COALESCE(NULLIF($5, ''), memory_entries.entry_type),
			status = COALESCE(NULLIF($8, ''), memory_entries.status),
			is_protected = memory_entries.is_protected OR EXCLUDED.is_protected,
			keywords = ARRAY(
				SELECT DISTINCT k FROM unnest(memory_entries.keywords || EXCLUDED.keywords) AS k ORDER BY k
			),
			relationships = ARRAY(
				SELECT DISTINCT r FROM unnest(memory_entries.relationships || EXCLUDED.relationships) AS r ORDER BY r
			),
			parent_fact_id = COALESCE(NULLIF($12, ''), memory_entries.parent_fact_id),
			is_atomic_fact = memory_entries.is_atomic_fact OR EXCLUDED.is_atomic_fact,
			source = COALESCE(NULLIF($14, ''), memory_entries.source),
			source_id = COALESCE(NULLIF($15, ''), memory_entries.source_id),
			last_seen_at = $16
		RETURNING ` + entryColumns

	row := s.db.QueryRowContext(ctx, query,
		entry.ID,
		entry.ProfileID,
		entry.CanonicalKey,
		entry.Content,
		entry.Type,
		initialConfidence,
		entry.Importance,
		string(entry.Status),
		entry.IsProtected,
		pq.Array(normalizeSet(entry.Keywords)),
		pq.Array(normalizeSet(entry.Relationships)),
		entry.ParentFactID,
		entry.IsAtomicFact,
		entry.Source,
		entry.SourceID,
		now,
	)

	stored, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to upsert entry: %w", err)
	}
	return stored, nil
}

// Get retrieves an entry by ID.
func (s *EntryStore) Get(ctx context.Context, id string) (*types.MemoryEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries WHERE id = $1`, id)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get entry: %w", err)
	}
	return entry, nil
}

// GetByCanonicalKey retrieves the entry for (profileID, canonicalKey).
func (s *EntryStore) GetByCanonicalKey(ctx context.Context, profileID, canonicalKey string) (*types.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries WHERE profile_id = $1 AND canonical_key = $2`,
		profileID, canonicalKey)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get entry by canonical key: %w", err)
	}
	return entry, nil
}

// ListByProfile lists entries for a profile with optional filters, ordered by
// confidence then importance, both descending.
func (s *EntryStore) ListByProfile(ctx context.Context, profileID string, opts storage.ListOptions) ([]types.MemoryEntry, error) {
	if profileID == "" {
		return nil, fmt.Errorf("%w: profile ID is required", storage.ErrInvalidInput)
	}

	conditions := []string{"profile_id = $1"}
	args := []interface{}{profileID}

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.MinImportance > 0 {
		args = append(args, opts.MinImportance)
		conditions = append(conditions, fmt.Sprintf("importance >= $%d", len(args)))
	}
	if opts.MinConfidence > 0 {
		args = append(args, opts.MinConfidence)
		conditions = append(conditions, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	if opts.OnlyEmbedded {
		conditions = append(conditions, "embedding_json IS NOT NULL")
	}

	query := `SELECT ` + entryColumns + ` FROM memory_entries WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY confidence DESC, importance DESC, last_seen_at DESC`

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list entries: %w", err)
	}
	defer rows.Close()

	return scanEntryRows(rows)
}

// ListProfiles returns the distinct profile IDs present in the store.
func (s *EntryStore) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT profile_id FROM memory_entries ORDER BY profile_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// StoreEmbedding attaches an embedding vector to an entry. The JSON column is
// always written; the native pgvector column is written when available.
func (s *EntryStore) StoreEmbedding(ctx context.Context, id string, embedding []float32) error {
	if id == "" || len(embedding) == 0 {
		return fmt.Errorf("%w: entry ID and embedding are required", storage.ErrInvalidInput)
	}

	encoded, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal embedding: %w", err)
	}

	var result sql.Result
	if s.pgvectorAvailable {
		result, err = s.db.ExecContext(ctx,
			`UPDATE memory_entries SET embedding_json = $1, embedding = $2 WHERE id = $3`,
			string(encoded), pgvector.NewVector(embedding), id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE memory_entries SET embedding_json = $1 WHERE id = $2`,
			string(encoded), id)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MergeKeywords unions the given keywords into the entry's keyword set using
// a single array-union statement.
func (s *EntryStore) MergeKeywords(ctx context.Context, id string, keywords []string) error {
	if id == "" {
		return fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}
	if len(keywords) == 0 {
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries SET keywords = ARRAY(
			SELECT DISTINCT k FROM unnest(keywords || $1::text[]) AS k ORDER BY k
		) WHERE id = $2`,
		pq.Array(keywords), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to merge keywords: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateStatus sets the lifecycle status of an entry.
func (s *EntryStore) UpdateStatus(ctx context.Context, id string, status types.MemoryStatus) error {
	if id == "" {
		return fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetContradictionGroup assigns the group ID and AMBIGUOUS status to the
// given entries in one batch statement. Protected entries join the group but
// keep their status.
func (s *EntryStore) SetContradictionGroup(ctx context.Context, ids []string, groupID string) (int, error) {
	if len(ids) == 0 || groupID == "" {
		return 0, fmt.Errorf("%w: entry IDs and group ID are required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries SET
			contradiction_group_id = $1,
			status = CASE WHEN is_protected THEN status ELSE $2 END
		WHERE id = ANY($3)`,
		groupID, string(types.StatusAmbiguous), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to set contradiction group: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ListContradicted returns all entries of a profile carrying a contradiction
// group ID.
func (s *EntryStore) ListContradicted(ctx context.Context, profileID string) ([]types.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries
		 WHERE profile_id = $1 AND contradiction_group_id IS NOT NULL
		 ORDER BY contradiction_group_id, confidence DESC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list contradicted entries: %w", err)
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
		`UPDATE memory_entries SET importance = $1 WHERE id = $2 AND importance < $1`,
		newImportance, id)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to raise importance: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// IncrementRetrievalCount bumps retrieval_count for the given entries.
func (s *EntryStore) IncrementRetrievalCount(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET retrieval_count = retrieval_count + 1 WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: failed to increment retrieval count: %w", err)
	}
	return nil
}

// normalizeSet applies the set semantics (dedup + sort) before insert so the
// stored arrays are canonical from the first write.
func normalizeSet(values []string) []string {
	out := types.UnionStrings(values, nil)
	if out == nil {
		return []string{}
	}
	return out
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntryRows(rows *sql.Rows) ([]types.MemoryEntry, error) {
	var entries []types.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return entries, nil
}

func scanEntry(scanner rowScanner, extra ...interface{}) (*types.MemoryEntry, error) {
	var entry types.MemoryEntry
	var status string
	var groupID, embeddingJSON, parentFactID, source, sourceID sql.NullString
	var keywords, relationships pq.StringArray

	dest := []interface{}{
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
		&entry.IsProtected,
		&embeddingJSON,
		&keywords,
		&relationships,
		&parentFactID,
		&entry.IsAtomicFact,
		&source,
		&sourceID,
		&entry.FirstSeenAt,
		&entry.LastSeenAt,
		&entry.RetrievalCount,
	}
	dest = append(dest, extra...)

	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	entry.Status = types.MemoryStatus(status)
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
	if len(keywords) > 0 {
		entry.Keywords = []string(keywords)
	}
	if len(relationships) > 0 {
		entry.Relationships = []string(relationships)
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &entry.Embedding); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal embedding: %w", err)
		}
	}

	return &entry, nil
}
