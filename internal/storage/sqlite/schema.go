package sqlite

// Schema is the embedded SQLite schema for the consolidation engine. All
// statements are idempotent. The UNIQUE(profile_id, canonical_key) constraint
// is the dedup identity the atomic upsert resolves against.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id TEXT PRIMARY KEY,
	profile_id TEXT NOT NULL,
	canonical_key TEXT NOT NULL,
	content TEXT NOT NULL,
	entry_type TEXT NOT NULL DEFAULT 'fact',
	confidence INTEGER NOT NULL DEFAULT 50,
	support_count INTEGER NOT NULL DEFAULT 1,
	importance INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	contradiction_group_id TEXT,
	is_protected INTEGER NOT NULL DEFAULT 0,
	embedding_json TEXT,
	keywords_json TEXT,
	relationships_json TEXT,
	parent_fact_id TEXT,
	is_atomic_fact INTEGER NOT NULL DEFAULT 0,
	source TEXT,
	source_id TEXT,
	first_seen_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	retrieval_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (profile_id, canonical_key)
);

CREATE INDEX IF NOT EXISTS idx_entries_profile_status
	ON memory_entries(profile_id, status);

CREATE INDEX IF NOT EXISTS idx_entries_profile_importance
	ON memory_entries(profile_id, importance);

CREATE INDEX IF NOT EXISTS idx_entries_contradiction_group
	ON memory_entries(contradiction_group_id)
	WHERE contradiction_group_id IS NOT NULL;
`
