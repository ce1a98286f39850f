// Package task implements the Task/Thought domain model: the work items a
// Processor round consumes, and the bounded thought tree each task expands
// into.
package task

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ciriscore/agentcore/internal/clock"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusDeferred  Status = "DEFERRED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Task is a top-level unit of work originating from an observer, a
// scheduled trigger, or the WiseAuthority.
type Task struct {
	ID          string
	Origin      string
	Description string
	Priority    int
	Status      Status
	Context     map[string]any
	CreatedAt   string
	UpdatedAt   string
}

// ThoughtType distinguishes the kind of reasoning step a Thought records.
type ThoughtType string

const (
	ThoughtObservation ThoughtType = "observation"
	ThoughtCorrection  ThoughtType = "correction"
	ThoughtScheduled   ThoughtType = "scheduled"
	ThoughtFollowUp    ThoughtType = "follow_up"
)

// ThoughtStatus is a Thought's lifecycle state within a processing round.
type ThoughtStatus string

const (
	ThoughtPending    ThoughtStatus = "PENDING"
	ThoughtProcessing ThoughtStatus = "PROCESSING"
	ThoughtCompleted  ThoughtStatus = "COMPLETED"
	ThoughtDeferred   ThoughtStatus = "DEFERRED"
	ThoughtFailed     ThoughtStatus = "FAILED"
)

// Thought is one reasoning step in a task's expansion tree.
type Thought struct {
	ID                string
	SourceTaskID      string
	ParentThoughtID   string
	ThoughtType       ThoughtType
	Status            ThoughtStatus
	RoundNumber       int
	Depth             int
	Priority          int
	Content           string
	ProcessingContext map[string]any
	CreatedAt         string
	UpdatedAt         string
}

// ErrMaxDepthExceeded is returned when a follow-up Thought would exceed the
// configured max_thought_depth.
type ErrMaxDepthExceeded struct {
	ParentID string
	MaxDepth int
}

func (e *ErrMaxDepthExceeded) Error() string {
	return fmt.Sprintf("task: thought %s already at max depth %d", e.ParentID, e.MaxDepth)
}

// Store persists Task and Thought records against the shared database.
type Store struct {
	db       *sql.DB
	clock    clock.Clock
	maxDepth int
}

// DefaultMaxThoughtDepth matches the platform default (spec.md §4.3).
const DefaultMaxThoughtDepth = 7

// NewStore creates a task/thought Store. maxDepth of 0 uses
// DefaultMaxThoughtDepth.
func NewStore(db *sql.DB, clk clock.Clock, maxDepth int) *Store {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxThoughtDepth
	}
	return &Store{db: db, clock: clk, maxDepth: maxDepth}
}

// CreateTask inserts a new PENDING task.
func (s *Store) CreateTask(origin, description string, priority int, context map[string]any) (*Task, error) {
	if context == nil {
		context = map[string]any{}
	}
	ctxJSON, err := json.Marshal(context)
	if err != nil {
		return nil, fmt.Errorf("task: marshal context: %w", err)
	}

	now := s.clock.NowISO()
	t := &Task{
		ID:          uuid.NewString(),
		Origin:      origin,
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		Context:     context,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, origin, description, priority, status, created_at, updated_at, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Origin, t.Description, t.Priority, t.Status, t.CreatedAt, t.UpdatedAt, string(ctxJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("task: insert task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus transitions a task's status.
func (s *Store) UpdateTaskStatus(id string, status Status) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.clock.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("task: update task %s status: %w", id, err)
	}
	return nil
}

// RootThought creates the initial Thought for a task, at depth 0. ctx may
// carry filter hints or WA-feedback provenance; nil means empty.
func (s *Store) RootThought(taskID string, thoughtType ThoughtType, priority int, content string, ctx map[string]any) (*Thought, error) {
	return s.insertThought(taskID, "", thoughtType, 0, priority, content, ctx)
}

// FollowUpThought creates a child Thought under parent, rejecting the
// insert if it would exceed max_thought_depth.
func (s *Store) FollowUpThought(parent *Thought, thoughtType ThoughtType, priority int, content string, ctx map[string]any) (*Thought, error) {
	if parent.Depth+1 > s.maxDepth {
		return nil, &ErrMaxDepthExceeded{ParentID: parent.ID, MaxDepth: s.maxDepth}
	}
	return s.insertThought(parent.SourceTaskID, parent.ID, thoughtType, parent.Depth+1, priority, content, ctx)
}

// MaxDepth returns the configured thought-tree depth bound.
func (s *Store) MaxDepth() int { return s.maxDepth }

func (s *Store) insertThought(taskID, parentID string, thoughtType ThoughtType, depth, priority int, content string, ctx map[string]any) (*Thought, error) {
	if ctx == nil {
		ctx = map[string]any{}
	}
	ctxJSON, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("task: marshal processing context: %w", err)
	}

	now := s.clock.NowISO()
	th := &Thought{
		ID:                uuid.NewString(),
		SourceTaskID:      taskID,
		ParentThoughtID:   parentID,
		ThoughtType:       thoughtType,
		Status:            ThoughtPending,
		Depth:             depth,
		Priority:          priority,
		Content:           content,
		ProcessingContext: ctx,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var parentArg any
	if parentID != "" {
		parentArg = parentID
	}

	_, err = s.db.Exec(
		`INSERT INTO thoughts (id, source_task_id, parent_thought_id, thought_type, status, round_number, depth, priority, content, processing_context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.SourceTaskID, parentArg, th.ThoughtType, th.Status, th.Depth, th.Priority, th.Content, string(ctxJSON), th.CreatedAt, th.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("task: insert thought: %w", err)
	}
	return th, nil
}

// UpdateThoughtStatus transitions a thought's status, bumping round_number
// when it becomes ACTIVE.
func (s *Store) UpdateThoughtStatus(id string, status ThoughtStatus, round int) error {
	_, err := s.db.Exec(
		`UPDATE thoughts SET status = ?, round_number = ?, updated_at = ? WHERE id = ?`,
		status, round, s.clock.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("task: update thought %s status: %w", id, err)
	}
	return nil
}

const thoughtColumns = `id, source_task_id, COALESCE(parent_thought_id, ''), thought_type, status, round_number, depth, priority, content, processing_context, created_at, updated_at`

func scanThought(scan func(dest ...any) error) (*Thought, error) {
	th := &Thought{}
	var ctxJSON string
	if err := scan(&th.ID, &th.SourceTaskID, &th.ParentThoughtID, &th.ThoughtType, &th.Status, &th.RoundNumber, &th.Depth, &th.Priority, &th.Content, &ctxJSON, &th.CreatedAt, &th.UpdatedAt); err != nil {
		return nil, fmt.Errorf("task: scan thought: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &th.ProcessingContext); err != nil {
		return nil, fmt.Errorf("task: unmarshal processing context: %w", err)
	}
	return th, nil
}

// NextPending returns up to limit PENDING thoughts ordered by
// (priority DESC, created_at ASC), the selection order a Processor round
// uses (spec.md §4.3).
func (s *Store) NextPending(limit int) ([]*Thought, error) {
	rows, err := s.db.Query(
		`SELECT `+thoughtColumns+` FROM thoughts WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`,
		ThoughtPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("task: query pending thoughts: %w", err)
	}
	defer rows.Close()

	var out []*Thought
	for rows.Next() {
		th, err := scanThought(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, origin, description, priority, status, created_at, updated_at, context FROM tasks WHERE id = ?`, id,
	)
	t := &Task{}
	var ctxJSON string
	if err := row.Scan(&t.ID, &t.Origin, &t.Description, &t.Priority, &t.Status, &t.CreatedAt, &t.UpdatedAt, &ctxJSON); err != nil {
		return nil, fmt.Errorf("task: get task %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("task: unmarshal task context: %w", err)
	}
	return t, nil
}

// GetThought fetches a single thought by id.
func (s *Store) GetThought(id string) (*Thought, error) {
	row := s.db.QueryRow(`SELECT `+thoughtColumns+` FROM thoughts WHERE id = ?`, id)
	th, err := scanThought(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("task: get thought %s: %w", id, err)
	}
	return th, nil
}

// CountActiveThoughts returns the number of thoughts currently PENDING or
// PROCESSING; the resource monitor samples this against its budget.
func (s *Store) CountActiveThoughts() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM thoughts WHERE status IN (?, ?)`,
		ThoughtPending, ThoughtProcessing,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("task: count active thoughts: %w", err)
	}
	return n, nil
}

// TerminalForTask reports whether every thought belonging to taskID is in a
// terminal status, so the processor can close out the parent task.
func (s *Store) TerminalForTask(taskID string) (bool, error) {
	var open int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM thoughts WHERE source_task_id = ? AND status IN (?, ?)`,
		taskID, ThoughtPending, ThoughtProcessing,
	).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("task: count open thoughts for %s: %w", taskID, err)
	}
	return open == 0, nil
}
