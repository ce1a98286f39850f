// Package storage owns the sqlite-backed persistence for tasks, thoughts,
// correlations, creation ceremonies, and graph memory triples. Three
// independent handles are opened (main, audit, secrets) so a corrupted
// audit chain can never block task processing and vice versa.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the main application database: tasks, thoughts, correlations,
// creation ceremonies, and graph nodes.
type Store struct {
	db *sql.DB
}

// Open creates/migrates the main database at path and returns a Store.
// path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
	}
	return s, nil
}

// DB exposes the underlying handle for packages that need raw queries
// (internal/task, internal/graphmemory, internal/identity).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	origin TEXT NOT NULL,
	description TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS thoughts (
	id TEXT PRIMARY KEY,
	source_task_id TEXT NOT NULL REFERENCES tasks(id),
	parent_thought_id TEXT,
	thought_type TEXT NOT NULL,
	status TEXT NOT NULL,
	round_number INTEGER NOT NULL DEFAULT 0,
	depth INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	processing_context TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thoughts_status_priority ON thoughts(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_thoughts_source_task ON thoughts(source_task_id);

CREATE TABLE IF NOT EXISTS correlations (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	handler TEXT NOT NULL,
	provider_name TEXT NOT NULL,
	action_type TEXT NOT NULL DEFAULT '',
	request_data TEXT NOT NULL DEFAULT '',
	response_data TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	completed_at TEXT,
	error_message TEXT,
	transient INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_correlations_kind ON correlations(kind, requested_at);

CREATE TABLE IF NOT EXISTS creation_ceremonies (
	id TEXT PRIMARY KEY,
	requested_by TEXT NOT NULL,
	approved_by TEXT,
	template_name TEXT NOT NULL,
	identity_hash TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	decided_at TEXT
);

CREATE TABLE IF NOT EXISTS graph_nodes (
	id TEXT NOT NULL,
	scope TEXT NOT NULL,
	node_type TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	attributes TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (id, scope)
);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(scope, node_type);

CREATE TABLE IF NOT EXISTS graph_edges (
	subject_id TEXT NOT NULL,
	subject_scope TEXT NOT NULL,
	predicate TEXT NOT NULL,
	object_id TEXT NOT NULL,
	object_scope TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (subject_id, subject_scope, predicate, object_id, object_scope)
);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// AuditStore wraps the independent audit-chain database.
type AuditStore struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	sequence_number INTEGER PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	event_timestamp TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}',
	outcome TEXT NOT NULL,
	signature TEXT NOT NULL,
	signing_key_id TEXT NOT NULL DEFAULT '',
	entry_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(event_timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);

CREATE TABLE IF NOT EXISTS audit_signing_keys (
	key_id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	key_size INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	revoked_at TEXT
);
`

// OpenAudit creates/migrates the audit database at path.
func OpenAudit(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open audit %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate audit %s: %w", path, err)
	}
	return &AuditStore{db: db}, nil
}

// DB exposes the underlying handle to internal/audit.
func (a *AuditStore) DB() *sql.DB { return a.db }

// Close releases the underlying connection.
func (a *AuditStore) Close() error { return a.db.Close() }

// SecretsStore wraps the independent secrets-at-rest database.
type SecretsStore struct {
	db *sql.DB
}

const secretsSchema = `
CREATE TABLE IF NOT EXISTS encrypted_secrets (
	id TEXT PRIMARY KEY,
	pattern_name TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce BLOB NOT NULL,
	created_at TEXT NOT NULL,
	last_accessed_at TEXT
);
`

// OpenSecrets creates/migrates the secrets database at path.
func OpenSecrets(path string) (*SecretsStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open secrets %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(secretsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate secrets %s: %w", path, err)
	}
	return &SecretsStore{db: db}, nil
}

// DB exposes the underlying handle to internal/secretsvc.
func (s *SecretsStore) DB() *sql.DB { return s.db }

// Close releases the underlying connection.
func (s *SecretsStore) Close() error { return s.db.Close() }
