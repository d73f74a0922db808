// Package store provides SQLite-backed persistence for mnemo's per-repository
// memory state: sessions, log entries, retrieval chunks, ingestion
// checkpoints, and background-sync bookkeeping, all scoped by
// (tenant_id, project_id).
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the embedded SQLite-backed storage layer. A single *Store
// instance serializes its
// own write transactions through mu; reads pass straight through to the
// driver's connection pool.
type Store struct {
	db                   *sql.DB
	requireExplicitScope bool

	mu sync.Mutex
}

// Stats summarizes store contents for a scope.
type Stats struct {
	ProcessedSessions int
	LogEntries        int
	Chunks            int
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	ended_at DATETIME,
	task TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	entry_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_scope ON sessions(tenant_id, project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_scope_status ON sessions(tenant_id, project_id, status);

CREATE TABLE IF NOT EXISTS log_entries (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	session_id TEXT,
	source TEXT NOT NULL,
	source_session_id TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL DEFAULT (datetime('now')),
	content TEXT NOT NULL,
	label TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0.7,
	curation_status TEXT NOT NULL DEFAULT 'pending',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_log_entries_scope ON log_entries(tenant_id, project_id);
CREATE INDEX IF NOT EXISTS idx_log_entries_session ON log_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_log_entries_label ON log_entries(tenant_id, project_id, label, curation_status);
CREATE INDEX IF NOT EXISTS idx_log_entries_source_session ON log_entries(tenant_id, project_id, source_session_id);

CREATE TABLE IF NOT EXISTS chunks (
	rowid_pk INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	source TEXT NOT NULL,
	source_ids TEXT NOT NULL DEFAULT '[]',
	content TEXT NOT NULL,
	content_norm TEXT NOT NULL,
	label TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	token_count INTEGER,
	embedding TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_scope_norm_label ON chunks(tenant_id, project_id, content_norm, label);
CREATE INDEX IF NOT EXISTS idx_chunks_scope ON chunks(tenant_id, project_id);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	content, tags,
	content='chunks',
	content_rowid='rowid_pk'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, content, tags) VALUES (new.rowid_pk, new.content, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, content, tags) VALUES ('delete', old.rowid_pk, old.content, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, content, tags) VALUES ('delete', old.rowid_pk, old.content, old.tags);
	INSERT INTO chunks_fts(rowid, content, tags) VALUES (new.rowid_pk, new.content, new.tags);
END;

CREATE TABLE IF NOT EXISTS session_checkpoints (
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	source_session_id TEXT NOT NULL,
	last_message_index INTEGER NOT NULL DEFAULT -1,
	last_message_timestamp DATETIME,
	content_hash TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (tenant_id, project_id, source_session_id)
);

CREATE TABLE IF NOT EXISTS processed_sessions (
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	source_session_id TEXT NOT NULL,
	processed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (tenant_id, project_id, source_session_id)
);

CREATE INDEX IF NOT EXISTS idx_processed_sessions_scope_time ON processed_sessions(tenant_id, project_id, processed_at);

CREATE TABLE IF NOT EXISTS background_sync (
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	running INTEGER NOT NULL DEFAULT 0,
	pid INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	completed_at DATETIME,
	processed INTEGER NOT NULL DEFAULT 0,
	learnings INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, project_id)
);
`

// Options configures Open.
type Options struct {
	// RequireExplicitScope rejects the sentinel default (tenant_id,
	// project_id) scope on every call. Set true for shared-backend mode.
	RequireExplicitScope bool
}

// Open creates or opens a SQLite database at dbPath and ensures the schema
// exists, applying any pending incremental migrations.
func Open(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db, requireExplicitScope: opts.RequireExplicitScope}, nil
}

// migrate applies incremental schema migrations for existing databases,
// following the pragma_table_info probe + conditional ALTER TABLE idiom.
func migrate(db *sql.DB) error {
	addColumnIfMissing := func(table, column, ddl string) error {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count); err != nil {
			return fmt.Errorf("check %s.%s column: %w", table, column, err)
		}
		if count > 0 {
			return nil
		}
		if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, table, ddl)); err != nil {
			return fmt.Errorf("add %s.%s column: %w", table, column, err)
		}
		return nil
	}

	// Example of the forward-compatible column-add idiom used for every
	// field added after the initial schema; kept even though there are no
	// pending columns yet so future additions follow the same shape.
	if err := addColumnIfMissing("log_entries", "source_session_id", "source_session_id TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries and for callers
// (RemoteStorage fallback, tests) that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetStats returns scope-filtered counts of processed sessions, log
// entries, and chunks.
func (s *Store) GetStats(scope Scope) (Stats, error) {
	if err := s.checkScope(scope); err != nil {
		return Stats{}, err
	}
	var stats Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM processed_sessions WHERE tenant_id = ? AND project_id = ?`,
		scope.TenantID, scope.ProjectID).Scan(&stats.ProcessedSessions); err != nil {
		return Stats{}, fmt.Errorf("store: count processed sessions: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM log_entries WHERE tenant_id = ? AND project_id = ?`,
		scope.TenantID, scope.ProjectID).Scan(&stats.LogEntries); err != nil {
		return Stats{}, fmt.Errorf("store: count log entries: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE tenant_id = ? AND project_id = ?`,
		scope.TenantID, scope.ProjectID).Scan(&stats.Chunks); err != nil {
		return Stats{}, fmt.Errorf("store: count chunks: %w", err)
	}
	return stats, nil
}
