// Package graphmemory implements the typed, versioned GraphNode store that
// backs agent identity, local observations, and community-shared facts.
package graphmemory

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ciriscore/agentcore/internal/clock"
)

// Scope partitions nodes by visibility/durability tier.
type Scope string

const (
	// ScopeLocal holds transient, per-deployment observations.
	ScopeLocal Scope = "LOCAL"
	// ScopeIdentity holds the agent's own identity root and is writable
	// only through the identity update ceremony.
	ScopeIdentity Scope = "IDENTITY"
	// ScopeCommunity holds facts shared across a federation of agents.
	ScopeCommunity Scope = "COMMUNITY"
)

// Node is one typed, versioned record in the graph.
type Node struct {
	ID         string
	Scope      Scope
	Type       string
	Version    int
	Attributes map[string]any
	UpdatedAt  string
}

// Store provides CRUD access to graph nodes and directed edges between
// them, backed by the shared database.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// NewStore wraps db for graph memory access.
func NewStore(db *sql.DB, clk clock.Clock) *Store {
	return &Store{db: db, clock: clk}
}

// Put inserts node at version 1, or increments the version of an existing
// node with the same (id, scope) and overwrites its attributes. Nodes are
// append-only in spirit: callers that need history should read before Put
// and archive the prior attributes into a MEMORIZE-typed audit event.
func (s *Store) Put(id string, scope Scope, nodeType string, attrs map[string]any) (*Node, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("graphmemory: marshal attributes: %w", err)
	}

	existing, err := s.Get(id, scope)
	version := 1
	if err == nil {
		version = existing.Version + 1
	} else if err != ErrNotFound {
		return nil, err
	}

	now := s.clock.NowISO()
	_, err = s.db.Exec(
		`INSERT INTO graph_nodes (id, scope, node_type, version, attributes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id, scope) DO UPDATE SET node_type=excluded.node_type, version=excluded.version, attributes=excluded.attributes, updated_at=excluded.updated_at`,
		id, scope, nodeType, version, string(attrsJSON), now,
	)
	if err != nil {
		return nil, fmt.Errorf("graphmemory: upsert node %s/%s: %w", scope, id, err)
	}

	return &Node{ID: id, Scope: scope, Type: nodeType, Version: version, Attributes: attrs, UpdatedAt: now}, nil
}

// ErrNotFound is returned by Get when no node exists at (id, scope).
var ErrNotFound = fmt.Errorf("graphmemory: node not found")

// Get fetches a single node by id and scope.
func (s *Store) Get(id string, scope Scope) (*Node, error) {
	row := s.db.QueryRow(
		`SELECT node_type, version, attributes, updated_at FROM graph_nodes WHERE id = ? AND scope = ?`,
		id, scope,
	)

	n := &Node{ID: id, Scope: scope}
	var attrsJSON string
	if err := row.Scan(&n.Type, &n.Version, &attrsJSON, &n.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("graphmemory: get node %s/%s: %w", scope, id, err)
	}
	if err := json.Unmarshal([]byte(attrsJSON), &n.Attributes); err != nil {
		return nil, fmt.Errorf("graphmemory: unmarshal attributes: %w", err)
	}
	return n, nil
}

// ListByType returns every node of nodeType within scope.
func (s *Store) ListByType(scope Scope, nodeType string) ([]*Node, error) {
	rows, err := s.db.Query(
		`SELECT id, version, attributes, updated_at FROM graph_nodes WHERE scope = ? AND node_type = ?`,
		scope, nodeType,
	)
	if err != nil {
		return nil, fmt.Errorf("graphmemory: list %s/%s: %w", scope, nodeType, err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n := &Node{Scope: scope, Type: nodeType}
		var attrsJSON string
		if err := rows.Scan(&n.ID, &n.Version, &attrsJSON, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("graphmemory: scan node: %w", err)
		}
		if err := json.Unmarshal([]byte(attrsJSON), &n.Attributes); err != nil {
			return nil, fmt.Errorf("graphmemory: unmarshal attributes: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Delete removes a single node. Edges referencing it are left in place;
// dangling edges are tolerated by Related.
func (s *Store) Delete(id string, scope Scope) error {
	_, err := s.db.Exec(`DELETE FROM graph_nodes WHERE id = ? AND scope = ?`, id, scope)
	if err != nil {
		return fmt.Errorf("graphmemory: delete node %s/%s: %w", scope, id, err)
	}
	return nil
}

// DeleteOlderThan removes every node of nodeType in scope whose updated_at
// precedes cutoffISO. Returns the number of nodes removed. Retention
// pruning uses this for audit-entry nodes.
func (s *Store) DeleteOlderThan(scope Scope, nodeType string, cutoffISO string) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM graph_nodes WHERE scope = ? AND node_type = ? AND updated_at < ?`,
		scope, nodeType, cutoffISO,
	)
	if err != nil {
		return 0, fmt.Errorf("graphmemory: prune %s/%s: %w", scope, nodeType, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Link records a directed edge (subject, predicate, object) between two
// nodes, each identified by id and scope.
func (s *Store) Link(subjectID string, subjectScope Scope, predicate string, objectID string, objectScope Scope) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO graph_edges (subject_id, subject_scope, predicate, object_id, object_scope, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		subjectID, subjectScope, predicate, objectID, objectScope, s.clock.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("graphmemory: link %s/%s -%s-> %s/%s: %w", subjectScope, subjectID, predicate, objectScope, objectID, err)
	}
	return nil
}

// Related returns the object (id, scope) pairs reachable from subject via
// predicate.
func (s *Store) Related(subjectID string, subjectScope Scope, predicate string) ([][2]string, error) {
	rows, err := s.db.Query(
		`SELECT object_id, object_scope FROM graph_edges WHERE subject_id = ? AND subject_scope = ? AND predicate = ?`,
		subjectID, subjectScope, predicate,
	)
	if err != nil {
		return nil, fmt.Errorf("graphmemory: related %s/%s/%s: %w", subjectScope, subjectID, predicate, err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var objID, objScope string
		if err := rows.Scan(&objID, &objScope); err != nil {
			return nil, fmt.Errorf("graphmemory: scan edge: %w", err)
		}
		out = append(out, [2]string{objID, objScope})
	}
	return out, rows.Err()
}
