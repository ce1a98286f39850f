// Package statemachine enforces the agent lifecycle: six states with a
// fixed edge table, optional per-edge guards and hooks, and a recorded
// transition history. Nothing else in the process may change the current
// state except through Manager.TransitionTo.
package statemachine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/clock"
)

// State is one of the six agent lifecycle states.
type State string

const (
	Wakeup   State = "WAKEUP"
	Work     State = "WORK"
	Play     State = "PLAY"
	Solitude State = "SOLITUDE"
	Dream    State = "DREAM"
	Shutdown State = "SHUTDOWN"
)

// allowedEdges is the full transition table. SHUTDOWN -> WAKEUP is the only
// path out of SHUTDOWN.
var allowedEdges = map[State][]State{
	Shutdown: {Wakeup},
	Wakeup:   {Work, Dream, Shutdown},
	Work:     {Dream, Play, Solitude, Shutdown},
	Dream:    {Work, Shutdown},
	Play:     {Work, Solitude, Shutdown},
	Solitude: {Work, Shutdown},
}

// Edges returns every legal (from, to) pair, for callers that install the
// same hook on the whole table (e.g. transition auditing).
func Edges() [][2]State {
	var out [][2]State
	for from, targets := range allowedEdges {
		for _, to := range targets {
			out = append(out, [2]State{from, to})
		}
	}
	return out
}

// Guard decides whether a legal edge may be taken right now.
type Guard func(from, to State) bool

// Hook runs on a transition before the state changes; an error aborts the
// transition.
type Hook func(from, to State) error

type edgeKey struct {
	from, to State
}

// Transition is one recorded state change.
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
}

// Metadata tracks per-state bookkeeping, reset each time the state is
// entered.
type Metadata struct {
	EnteredAt time.Time
}

// Manager is the process's single authority over the agent state.
type Manager struct {
	mu       sync.Mutex
	clock    clock.Clock
	logger   *zap.Logger
	current  State
	history  []Transition
	metadata map[State]Metadata
	guards   map[edgeKey]Guard
	hooks    map[edgeKey]Hook
}

// New creates a Manager starting in initial (typically Shutdown, so the
// first legal transition is the wakeup).
func New(initial State, clk clock.Clock, logger *zap.Logger) *Manager {
	m := &Manager{
		clock:    clk,
		logger:   logger,
		current:  initial,
		metadata: make(map[State]Metadata),
		guards:   make(map[edgeKey]Guard),
		hooks:    make(map[edgeKey]Hook),
	}
	m.metadata[initial] = Metadata{EnteredAt: clk.Now()}
	return m
}

// SetGuard installs a guard predicate on the (from, to) edge.
func (m *Manager) SetGuard(from, to State, g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[edgeKey{from, to}] = g
}

// SetHook installs an on-transition callback on the (from, to) edge.
func (m *Manager) SetHook(from, to State, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[edgeKey{from, to}] = h
}

// Current returns the current state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// StateMetadata returns the metadata recorded when state was last entered.
func (m *Manager) StateMetadata(state State) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.metadata[state]
	return md, ok
}

// legal reports whether the edge from -> to exists in the table.
func legal(from, to State) bool {
	for _, t := range allowedEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionTo attempts to move to target. It returns false without
// touching state or history when the edge is illegal, the guard refuses,
// the hook errors, or target equals the current state.
func (m *Manager) TransitionTo(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if target == from {
		return false
	}
	if !legal(from, target) {
		m.logger.Warn("illegal state transition rejected",
			zap.String("from", string(from)), zap.String("to", string(target)))
		return false
	}

	key := edgeKey{from, target}
	if g, ok := m.guards[key]; ok && !g(from, target) {
		m.logger.Info("state transition refused by guard",
			zap.String("from", string(from)), zap.String("to", string(target)))
		return false
	}
	if h, ok := m.hooks[key]; ok {
		if err := h(from, target); err != nil {
			m.logger.Error("state transition hook failed",
				zap.String("from", string(from)), zap.String("to", string(target)), zap.Error(err))
			return false
		}
	}

	now := m.clock.Now()
	m.current = target
	m.history = append(m.history, Transition{From: from, To: target, Timestamp: now})
	m.metadata[target] = Metadata{EnteredAt: now}

	m.logger.Info("state transition",
		zap.String("from", string(from)), zap.String("to", string(target)))
	return true
}

// ShouldAutoTransition returns the state to move to without an external
// trigger: WORK once WAKEUP has completed, nothing otherwise. SHUTDOWN in
// particular never auto-transitions.
func (m *Manager) ShouldAutoTransition(wakeupComplete bool) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Wakeup && wakeupComplete {
		return Work, true
	}
	return "", false
}
