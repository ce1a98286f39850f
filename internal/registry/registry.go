package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ciriscore/agentcore/internal/breaker"
	"github.com/ciriscore/agentcore/internal/clock"
)

// Provider is a concrete implementation registered for a service Kind.
// The registry stores providers under kind-typed maps rather than behind a
// single unifying interface, since different kinds have different method
// sets (spec.md §9).
type Provider struct {
	Name         string
	Kind         Kind
	Instance     any
	Handler      string // optional: scopes this provider to one caller
	Priority     Priority
	PriorityGroup int
	Strategy     Strategy
	Capabilities map[string]bool
	Breaker      *breaker.Breaker
}

// HasCapabilities reports whether the provider offers every capability in
// required.
func (p *Provider) HasCapabilities(required map[string]bool) bool {
	for cap := range required {
		if !p.Capabilities[cap] {
			return false
		}
	}
	return true
}

// TransitionObserver is notified of circuit-breaker state transitions so
// callers can audit them (spec.md §4.1: "State transitions are themselves
// audit events").
type TransitionObserver func(providerName string, kind Kind, from, to breaker.State)

// Registry is the process-scoped ServiceRegistry. It is owned by the
// Runtime and passed explicitly to components; there are no package-level
// globals (spec.md §9).
type Registry struct {
	mu        sync.Mutex
	clock     clock.Clock
	providers map[Kind][]*Provider
	cursors   map[string]int // round-robin cursor keyed by handler\x00kind
	observer  TransitionObserver
}

// New creates an empty Registry.
func New(clk clock.Clock, observer TransitionObserver) *Registry {
	return &Registry{
		clock:     clk,
		providers: make(map[Kind][]*Provider),
		cursors:   make(map[string]int),
		observer:  observer,
	}
}

// RegisterOptions configures a single provider registration.
type RegisterOptions struct {
	Handler       string
	Priority      Priority
	PriorityGroup int
	Strategy      Strategy
	Capabilities  []string
	BreakerConfig breaker.Config
}

// Register adds a provider under kind. Handler, if non-empty, scopes the
// provider to that caller; handler-scoped lookups try handler-specific
// providers first, then fall back to global ones.
func (r *Registry) Register(name string, kind Kind, instance any, opts RegisterOptions) *Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps := make(map[string]bool, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		caps[c] = true
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyFallback
	}

	bc := opts.BreakerConfig
	if bc.FailureThreshold == 0 {
		bc = breaker.DefaultConfig()
	}

	p := &Provider{
		Name:          name,
		Kind:          kind,
		Instance:      instance,
		Handler:       opts.Handler,
		Priority:      opts.Priority,
		PriorityGroup: opts.PriorityGroup,
		Strategy:      strategy,
		Capabilities:  caps,
		Breaker: breaker.New(name, bc, r.clock, func(pname string, from, to breaker.State) {
			if r.observer != nil {
				r.observer(pname, kind, from, to)
			}
		}),
	}

	r.providers[kind] = append(r.providers[kind], p)
	return p
}

// Deregister removes a previously registered provider by name and kind.
func (r *Registry) Deregister(name string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.providers[kind]
	out := list[:0]
	for _, p := range list {
		if p.Name != name {
			out = append(out, p)
		}
	}
	r.providers[kind] = out
}

// ErrUnavailable is returned when no eligible provider exists for a lookup.
// Callers MUST NOT treat this as fatal; spec.md §4.1 requires a typed
// "unavailable" failure rather than a deadlock.
type ErrUnavailable struct {
	Kind             Kind
	Handler          string
	RequiredCapability string
}

func (e *ErrUnavailable) Error() string {
	if e.Handler != "" {
		return fmt.Sprintf("registry: no provider available for kind %q (handler %q)", e.Kind, e.Handler)
	}
	return fmt.Sprintf("registry: no provider available for kind %q", e.Kind)
}

// Lookup implements the selection algorithm: group candidates by
// priority_group, take the lowest-numbered group containing an eligible
// member (capabilities superset, breaker not OPEN), then apply the group's
// selection strategy.
func (r *Registry) Lookup(handler string, kind Kind, required []string) (*Provider, error) {
	return r.LookupExcluding(handler, kind, required, nil)
}

// LookupExcluding is Lookup with a caller-supplied exclusion set, used by
// the Bus to rotate past providers that already failed this dispatch.
func (r *Registry) LookupExcluding(handler string, kind Kind, required []string, excluded map[string]bool) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reqSet := make(map[string]bool, len(required))
	for _, c := range required {
		reqSet[c] = true
	}

	candidates := r.eligibleLocked(handler, kind, reqSet)
	if len(excluded) > 0 {
		kept := candidates[:0:0]
		for _, p := range candidates {
			if !excluded[p.Name] {
				kept = append(kept, p)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return nil, &ErrUnavailable{Kind: kind, Handler: handler}
	}

	groups := groupByPriorityGroup(candidates)
	groupKeys := sortedGroupKeys(groups)

	for _, g := range groupKeys {
		members := groups[g]
		eligible := members[:0:0]
		for _, p := range members {
			if p.Breaker.AllowCall() {
				eligible = append(eligible, p)
			}
		}
		if len(eligible) == 0 {
			continue
		}
		return r.selectFromGroup(handler, kind, eligible), nil
	}

	return nil, &ErrUnavailable{Kind: kind, Handler: handler}
}

// eligibleLocked returns handler-scoped providers if any exist, else global
// ones, filtered by required capabilities. Caller must hold r.mu.
func (r *Registry) eligibleLocked(handler string, kind Kind, required map[string]bool) []*Provider {
	all := r.providers[kind]
	var scoped, global []*Provider
	for _, p := range all {
		if !p.HasCapabilities(required) {
			continue
		}
		if handler != "" && p.Handler == handler {
			scoped = append(scoped, p)
		} else if p.Handler == "" {
			global = append(global, p)
		}
	}
	if len(scoped) > 0 {
		return scoped
	}
	return global
}

func groupByPriorityGroup(providers []*Provider) map[int][]*Provider {
	groups := make(map[int][]*Provider)
	for _, p := range providers {
		groups[p.PriorityGroup] = append(groups[p.PriorityGroup], p)
	}
	return groups
}

func sortedGroupKeys(groups map[int][]*Provider) []int {
	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func (r *Registry) selectFromGroup(handler string, kind Kind, eligible []*Provider) *Provider {
	strategy := eligible[0].Strategy
	switch strategy {
	case StrategyRoundRobin:
		key := handler + "\x00" + string(kind)
		idx := r.cursors[key] % len(eligible)
		r.cursors[key] = idx + 1
		return eligible[idx]
	default: // StrategyFallback
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].Priority < eligible[j].Priority
		})
		return eligible[0]
	}
}

// ResetCircuitBreakers forces all matching providers CLOSED. If kind is
// empty, every provider is reset.
func (r *Registry) ResetCircuitBreakers(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, list := range r.providers {
		if kind != "" && k != kind {
			continue
		}
		for _, p := range list {
			p.Breaker.Reset()
		}
	}
}

// Description summarizes the registry's current state for operations
// tooling (spec.md §4.1 "describe operation").
type Description struct {
	Overview       string
	PriorityGroups map[Kind][]int
	Strategies     map[Kind][]Strategy
}

// Describe returns the selection-explanation overview.
func (r *Registry) Describe() Description {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc := Description{
		Overview: "providers are grouped by priority_group; within the " +
			"lowest-numbered group with an eligible (capability-matching, " +
			"circuit-not-open) member, the group's selection_strategy picks one",
		PriorityGroups: make(map[Kind][]int),
		Strategies:     make(map[Kind][]Strategy),
	}

	for kind, list := range r.providers {
		seenGroups := make(map[int]bool)
		seenStrategies := make(map[Strategy]bool)
		for _, p := range list {
			if !seenGroups[p.PriorityGroup] {
				seenGroups[p.PriorityGroup] = true
				desc.PriorityGroups[kind] = append(desc.PriorityGroups[kind], p.PriorityGroup)
			}
			if !seenStrategies[p.Strategy] {
				seenStrategies[p.Strategy] = true
				desc.Strategies[kind] = append(desc.Strategies[kind], p.Strategy)
			}
		}
		sort.Ints(desc.PriorityGroups[kind])
	}
	return desc
}

// now is a small convenience used by callers outside this package that
// need a timestamp consistent with the registry's injected clock.
func (r *Registry) now() time.Time { return r.clock.Now() }
