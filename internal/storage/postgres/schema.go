package postgres

// Schema is the base PostgreSQL schema. All statements are idempotent.
// The UNIQUE (profile_id, canonical_key) constraint is the conflict target
// for the atomic consolidation upsert.
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
	is_protected BOOLEAN NOT NULL DEFAULT FALSE,
	embedding_json TEXT,
	keywords TEXT[] NOT NULL DEFAULT '{}',
	relationships TEXT[] NOT NULL DEFAULT '{}',
	parent_fact_id TEXT,
	is_atomic_fact BOOLEAN NOT NULL DEFAULT FALSE,
	source TEXT,
	source_id TEXT,
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	retrieval_count INTEGER NOT NULL DEFAULT 0,
	CONSTRAINT memory_entries_profile_key UNIQUE (profile_id, canonical_key)
);

CREATE INDEX IF NOT EXISTS idx_entries_profile_status
	ON memory_entries(profile_id, status);

CREATE INDEX IF NOT EXISTS idx_entries_profile_importance
	ON memory_entries(profile_id, importance);

CREATE INDEX IF NOT EXISTS idx_entries_contradiction_group
	ON memory_entries(contradiction_group_id)
	WHERE contradiction_group_id IS NOT NULL;
`

// MigrationPgvector adds the native vector column and its index. Applied only
// when the pgvector extension is available; the %d placeholder is the
// configured embedding dimension.
const MigrationPgvector = `
ALTER TABLE memory_entries ADD COLUMN IF NOT EXISTS embedding vector(%d);

CREATE INDEX IF NOT EXISTS idx_entries_embedding_cosine
	ON memory_entries USING ivfflat (embedding vector_cosine_ops);
`
