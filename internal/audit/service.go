package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/graphmemory"
)

// NodeType tags audit-entry nodes in graph memory.
const NodeType = "audit_entry"

// DefaultCacheSize bounds the in-memory ring of recent entries.
const DefaultCacheSize = 1000

// GraphStore is the slice of graph memory the audit service uses: immutable
// entry nodes in, pruning out.
type GraphStore interface {
	Put(id string, scope graphmemory.Scope, nodeType string, attrs map[string]any) (*graphmemory.Node, error)
	DeleteOlderThan(scope graphmemory.Scope, nodeType string, cutoffISO string) (int64, error)
}

// Service is the typed audit log: graph memory for queries, the hash chain
// for integrity, a ring cache for recent lookups, and an optional exporter.
type Service struct {
	clock    clock.Clock
	logger   *zap.Logger
	graph    GraphStore
	chain    *Chain // nil when the chain is disabled
	exporter *Exporter

	mu    sync.Mutex
	cache []*Entry
	next  int
}

// NewService assembles the audit service. chain and exporter may be nil.
func NewService(clk clock.Clock, logger *zap.Logger, graph GraphStore, chain *Chain, exporter *Exporter) *Service {
	return &Service{
		clock:    clk,
		logger:   logger,
		graph:    graph,
		chain:    chain,
		exporter: exporter,
		cache:    make([]*Entry, 0, DefaultCacheSize),
	}
}

// LogEvent records one audited event and returns the completed entry.
func (s *Service) LogEvent(eventType EventType, entityID, actor string, details map[string]string, outcome string) (*Entry, error) {
	if details == nil {
		details = map[string]string{}
	}
	e := &Entry{
		EntryID:   uuid.NewString(),
		Timestamp: s.clock.Now(),
		EntityID:  entityID,
		EventType: eventType,
		Actor:     actor,
		Details:   details,
		Outcome:   outcome,
	}

	// Graph node first: the queryable copy exists even if the chain write
	// fails, and the chain failure is surfaced to the caller either way.
	attrs := map[string]any{
		"entry_id":     e.EntryID,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"entity_id":    e.EntityID,
		"event_type":   string(e.EventType),
		"actor":        e.Actor,
		"details":      details,
		"outcome":      e.Outcome,
		"service_name": "audit",
		"correlation_id": e.EntryID,
		"immutable":    true,
	}
	if s.graph != nil {
		if _, err := s.graph.Put(e.EntryID, graphmemory.ScopeLocal, NodeType, attrs); err != nil {
			s.logger.Error("audit graph write failed", zap.String("entry_id", e.EntryID), zap.Error(err))
		}
	}

	if s.chain != nil {
		if err := s.chain.Append(e); err != nil {
			return nil, err
		}
	}

	s.cacheAppend(e)

	if s.exporter != nil {
		s.exporter.Buffer(e)
	}

	return e, nil
}

// LogAction records an agent-initiated action: the originating thought id
// is the entity, and tool actions carry their security categories.
func (s *Service) LogAction(actionType string, thoughtID, actor string, details map[string]string, categories []Category) (*Entry, error) {
	if details == nil {
		details = map[string]string{}
	}
	details["action_type"] = actionType
	if len(categories) > 0 {
		cats := make([]string, len(categories))
		for i, c := range categories {
			cats[i] = string(c)
		}
		details["categories"] = strings.Join(cats, ",")
	}
	return s.LogEvent(EventBusCall, thoughtID, actor, details, "ok")
}

// LogConscienceEvent records an ethical-check outcome against a thought.
func (s *Service) LogConscienceEvent(thoughtID, actor, result string, details map[string]string) (*Entry, error) {
	return s.LogEvent(EventConscience, thoughtID, actor, details, result)
}

func (s *Service) cacheAppend(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) < DefaultCacheSize {
		s.cache = append(s.cache, e)
		return
	}
	s.cache[s.next] = e
	s.next = (s.next + 1) % DefaultCacheSize
}

// cachedEntries returns a snapshot of the ring cache.
func (s *Service) cachedEntries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.cache))
	copy(out, s.cache)
	return out
}

// GetAuditTrail returns entries intersecting the last `hours`, optionally
// filtered by entity and event types, newest first. Chain rows and the
// ring cache are merged and deduplicated by entry id.
func (s *Service) GetAuditTrail(entityID string, hours int, eventTypes []EventType) ([]*Entry, error) {
	since := s.clock.Now().Add(-time.Duration(hours) * time.Hour)

	typeSet := make(map[EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	matches := func(e *Entry) bool {
		if e.Timestamp.Before(since) {
			return false
		}
		if entityID != "" && e.EntityID != entityID {
			return false
		}
		if len(typeSet) > 0 && !typeSet[e.EventType] {
			return false
		}
		return true
	}

	seen := make(map[string]bool)
	var out []*Entry
	for _, e := range s.cachedEntries() {
		if matches(e) && !seen[e.EntryID] {
			seen[e.EntryID] = true
			out = append(out, e)
		}
	}

	if s.chain != nil {
		chainEntries, err := s.queryChain(Query{Start: since, EntityID: entityID, Descending: true})
		if err != nil {
			return nil, err
		}
		for _, e := range chainEntries {
			if matches(e) && !seen[e.EntryID] {
				seen[e.EntryID] = true
				out = append(out, e)
			}
		}
	}

	sortEntriesDesc(out)
	return out, nil
}

// QueryAuditTrail runs a filtered, paginated query against the chain db.
func (s *Service) QueryAuditTrail(q Query) ([]*Entry, error) {
	if s.chain == nil {
		// Chain disabled: serve from cache only.
		var out []*Entry
		for _, e := range s.cachedEntries() {
			if q.match(e) {
				out = append(out, e)
			}
		}
		if q.Descending {
			sortEntriesDesc(out)
		}
		return paginate(out, q.Offset, q.Limit), nil
	}
	entries, err := s.queryChain(q)
	if err != nil {
		return nil, err
	}
	return paginate(entries, q.Offset, q.Limit), nil
}

func (q Query) match(e *Entry) bool {
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.Timestamp.After(q.End) {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if q.Text != "" && !strings.Contains(string(e.EventType), q.Text) && !strings.Contains(e.Actor, q.Text) {
		return false
	}
	return true
}

func (s *Service) queryChain(q Query) ([]*Entry, error) {
	var (
		conds []string
		args  []any
	)
	if !q.Start.IsZero() {
		conds = append(conds, "event_timestamp >= ?")
		args = append(args, q.Start.UTC().Format(time.RFC3339Nano))
	}
	if !q.End.IsZero() {
		conds = append(conds, "event_timestamp <= ?")
		args = append(args, q.End.UTC().Format(time.RFC3339Nano))
	}
	if q.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, q.Actor)
	}
	if q.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(q.EventType))
	}
	if q.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, q.EntityID)
	}
	if q.Text != "" {
		conds = append(conds, "(event_type LIKE ? OR actor LIKE ?)")
		pattern := "%" + q.Text + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT sequence_number, entry_id, event_timestamp, entity_id, event_type, actor, details, outcome, signature, signing_key_id, entry_hash, prev_hash FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if q.Descending {
		query += " ORDER BY event_timestamp DESC"
	} else {
		query += " ORDER BY event_timestamp ASC"
	}

	rows, err := s.chain.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query chain: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		e       Entry
		ts      string
		payload string
	)
	if err := rows.Scan(&e.SequenceNumber, &e.EntryID, &ts, &e.EntityID, &e.EventType, &e.Actor, &payload, &e.Outcome, &e.Signature, &e.SigningKeyID, &e.EntryHash, &e.PrevHash); err != nil {
		return nil, fmt.Errorf("audit: scan entry: %w", err)
	}
	var err error
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("audit: parse entry timestamp %q: %w", ts, err)
	}
	e.Details = map[string]string{}
	// payload is the deterministic key-sorted JSON written at append time.
	if err := unmarshalDetails(payload, e.Details); err != nil {
		return nil, err
	}
	return &e, nil
}

func jsonUnmarshal(s string, v any) error { return json.Unmarshal([]byte(s), v) }

func unmarshalDetails(payload string, into map[string]string) error {
	if payload == "" || payload == "{}" {
		return nil
	}
	var raw map[string]string
	if err := jsonUnmarshal(payload, &raw); err != nil {
		return fmt.Errorf("audit: parse details payload: %w", err)
	}
	for k, v := range raw {
		into[k] = v
	}
	return nil
}

func sortEntriesDesc(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Timestamp.After(entries[j-1].Timestamp); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func paginate(entries []*Entry, offset, limit int) []*Entry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

// VerifyIntegrity delegates to the chain. With the chain disabled it
// reports an intact empty chain.
func (s *Service) VerifyIntegrity() (*VerificationReport, error) {
	if s.chain == nil {
		return &VerificationReport{Verified: true, ChainIntact: true}, nil
	}
	return s.chain.VerifyIntegrity(s.clock)
}

// PruneGraph removes audit-entry graph nodes older than retentionDays. The
// chain db is never touched; it remains fully verifiable for its lifetime.
func (s *Service) PruneGraph(retentionDays int) (int64, error) {
	cutoff := s.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	return s.graph.DeleteOlderThan(graphmemory.ScopeLocal, NodeType, cutoff.UTC().Format(time.RFC3339Nano))
}

// Shutdown stops the exporter, flushes buffers, and records the final
// shutdown event on the chain.
func (s *Service) Shutdown() error {
	if s.exporter != nil {
		s.exporter.Stop()
	}

	if _, err := s.LogEvent(EventShutdown, "audit", "system", nil, "ok"); err != nil {
		return err
	}

	if s.exporter != nil {
		if err := s.exporter.Flush(); err != nil {
			s.logger.Error("audit export flush on shutdown failed", zap.Error(err))
		}
	}
	return nil
}
