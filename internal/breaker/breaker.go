// Package breaker implements a per-provider circuit breaker: CLOSED, OPEN,
// and HALF_OPEN states with a failure-count threshold and a cooldown.
package breaker

import (
	"sync"
	"time"

	"github.com/ciriscore/agentcore/internal/clock"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config controls the threshold/window/cooldown behavior of a Breaker.
type Config struct {
	FailureThreshold int           // failures within Window before tripping to OPEN
	Window           time.Duration // sliding window for counting failures
	CooldownSeconds  time.Duration // OPEN -> HALF_OPEN after this elapses
}

// DefaultConfig mirrors typical provider-call tolerances.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Window: time.Minute, CooldownSeconds: 30 * time.Second}
}

// TransitionFunc is invoked whenever the breaker changes state; callers use
// this to emit an audit event, since state transitions are themselves
// audit-worthy per spec.
type TransitionFunc func(providerName string, from, to State)

// Breaker is a single provider's circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	name   string
	state  State
	onTransition TransitionFunc

	failureTimes []time.Time
	openedAt     time.Time
}

// New creates a Breaker for the named provider, starting CLOSED.
func New(name string, cfg Config, clk clock.Clock, onTransition TransitionFunc) *Breaker {
	return &Breaker{
		cfg:          cfg,
		clock:        clk,
		name:         name,
		state:        Closed,
		onTransition: onTransition,
	}
}

// State returns the current state, first promoting OPEN to HALF_OPEN if the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteLocked()
	return b.state
}

// AllowCall reports whether a call may currently be attempted. CLOSED and
// HALF_OPEN allow calls; OPEN does not (unless the cooldown just elapsed).
func (b *Breaker) AllowCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteLocked()
	return b.state != Open
}

func (b *Breaker) maybePromoteLocked() {
	if b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.cfg.CooldownSeconds {
		b.setLocked(HalfOpen)
	}
}

// RecordSuccess transitions HALF_OPEN -> CLOSED and clears failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureTimes = nil
	if b.state != Closed {
		b.setLocked(Closed)
	}
}

// RecordFailure appends a failure; CLOSED trips to OPEN once the threshold
// is exceeded within the window, HALF_OPEN trips back to OPEN immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == HalfOpen {
		b.setLocked(Open)
		b.openedAt = now
		return
	}

	b.failureTimes = append(b.failureTimes, now)
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept

	if b.state == Closed && len(b.failureTimes) >= b.cfg.FailureThreshold {
		b.setLocked(Open)
		b.openedAt = now
	}
}

// Reset forces the breaker back to CLOSED regardless of current state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureTimes = nil
	b.setLocked(Closed)
}

func (b *Breaker) setLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
