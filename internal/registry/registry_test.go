package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciriscore/agentcore/internal/breaker"
	"github.com/ciriscore/agentcore/internal/clock"
)

func frozen() clock.Clock {
	return clock.Frozen{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestLookupPrefersLowerPriority(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("fallback", KindLLM, "b", RegisterOptions{Priority: PriorityNormal})
	r.Register("primary", KindLLM, "a", RegisterOptions{Priority: PriorityHigh})

	p, err := r.Lookup("", KindLLM, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", p.Name)
}

func TestLookupFiltersByCapability(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("text_only", KindLLM, "a", RegisterOptions{Priority: PriorityHigh, Capabilities: []string{"text"}})
	r.Register("vision", KindLLM, "b", RegisterOptions{Priority: PriorityNormal, Capabilities: []string{"text", "vision"}})

	p, err := r.Lookup("", KindLLM, []string{"vision"})
	require.NoError(t, err)
	assert.Equal(t, "vision", p.Name)

	_, err = r.Lookup("", KindLLM, []string{"audio"})
	var unavailable *ErrUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, KindLLM, unavailable.Kind)
}

func TestLookupLowestPriorityGroupWins(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("group1", KindTool, "a", RegisterOptions{Priority: PriorityLow, PriorityGroup: 1})
	r.Register("group0", KindTool, "b", RegisterOptions{Priority: PriorityFallback, PriorityGroup: 0})

	p, err := r.Lookup("", KindTool, nil)
	require.NoError(t, err)
	assert.Equal(t, "group0", p.Name, "lower-numbered group wins regardless of priority")
}

func TestLookupSkipsOpenBreakerGroup(t *testing.T) {
	r := New(frozen(), nil)
	bc := breaker.Config{FailureThreshold: 1, Window: time.Minute, CooldownSeconds: time.Hour}
	p0 := r.Register("group0", KindTool, "a", RegisterOptions{PriorityGroup: 0, BreakerConfig: bc})
	r.Register("group1", KindTool, "b", RegisterOptions{PriorityGroup: 1, BreakerConfig: bc})

	p0.Breaker.RecordFailure()
	require.Equal(t, breaker.Open, p0.Breaker.State())

	p, err := r.Lookup("", KindTool, nil)
	require.NoError(t, err)
	assert.Equal(t, "group1", p.Name)
}

func TestHandlerScopedProvidersWin(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("global", KindMemory, "a", RegisterOptions{Priority: PriorityHigh})
	r.Register("scoped", KindMemory, "b", RegisterOptions{Priority: PriorityLow, Handler: "processor"})

	p, err := r.Lookup("processor", KindMemory, nil)
	require.NoError(t, err)
	assert.Equal(t, "scoped", p.Name, "handler-scoped providers shadow global ones")

	p, err = r.Lookup("other", KindMemory, nil)
	require.NoError(t, err)
	assert.Equal(t, "global", p.Name)
}

func TestRoundRobinAdvancesPerHandlerCursor(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("a", KindLLM, "a", RegisterOptions{Strategy: StrategyRoundRobin})
	r.Register("b", KindLLM, "b", RegisterOptions{Strategy: StrategyRoundRobin})

	var names []string
	for i := 0; i < 4; i++ {
		p, err := r.Lookup("h1", KindLLM, nil)
		require.NoError(t, err)
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, names)

	// A different handler has its own cursor.
	p, err := r.Lookup("h2", KindLLM, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name)
}

func TestResetCircuitBreakers(t *testing.T) {
	r := New(frozen(), nil)
	bc := breaker.Config{FailureThreshold: 1, Window: time.Minute, CooldownSeconds: time.Hour}
	p := r.Register("a", KindLLM, "a", RegisterOptions{BreakerConfig: bc})

	p.Breaker.RecordFailure()
	require.Equal(t, breaker.Open, p.Breaker.State())

	r.ResetCircuitBreakers(KindLLM)
	assert.Equal(t, breaker.Closed, p.Breaker.State())
}

func TestDeregisterRemovesProvider(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("a", KindLLM, "a", RegisterOptions{})

	r.Deregister("a", KindLLM)
	_, err := r.Lookup("", KindLLM, nil)
	assert.Error(t, err)
}

func TestDescribeListsGroupsAndStrategies(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("a", KindLLM, "a", RegisterOptions{PriorityGroup: 0})
	r.Register("b", KindLLM, "b", RegisterOptions{PriorityGroup: 1, Strategy: StrategyRoundRobin})

	d := r.Describe()
	assert.NotEmpty(t, d.Overview)
	assert.Equal(t, []int{0, 1}, d.PriorityGroups[KindLLM])
	assert.Contains(t, d.Strategies[KindLLM], StrategyFallback)
	assert.Contains(t, d.Strategies[KindLLM], StrategyRoundRobin)
}

func TestBreakerTransitionsAreObserved(t *testing.T) {
	var transitions []string
	r := New(frozen(), func(name string, kind Kind, from, to breaker.State) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	})
	bc := breaker.Config{FailureThreshold: 1, Window: time.Minute, CooldownSeconds: time.Hour}
	p := r.Register("a", KindLLM, "a", RegisterOptions{BreakerConfig: bc})

	p.Breaker.RecordFailure()
	assert.Equal(t, []string{"a:CLOSED->OPEN"}, transitions)
}
