package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciriscore/agentcore/internal/breaker"
)

type sliceSink struct {
	records []Correlation
}

func (s *sliceSink) RecordCorrelation(c Correlation) { s.records = append(s.records, c) }

func TestBusDispatchRecordsCorrelation(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("a", KindLLM, "instance-a", RegisterOptions{})
	sink := &sliceSink{}
	bus := NewBus(KindLLM, r, frozen(), sink, 2)

	result, err := bus.DispatchAction("h", "send_message", "channel=c1", nil, func(instance any) (any, error) {
		return fmt.Sprintf("called %v", instance), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "called instance-a", result)

	// The PENDING row is written before the call, then updated in place.
	require.Len(t, sink.records, 2)
	pending, final := sink.records[0], sink.records[1]
	assert.Equal(t, CorrelationPending, pending.Status)
	assert.Equal(t, "send_message", pending.ActionType)
	assert.Equal(t, "channel=c1", pending.RequestData)
	assert.Empty(t, pending.ResponseData)

	assert.Equal(t, pending.ID, final.ID, "final record updates the pending row by id")
	assert.Equal(t, CorrelationCompleted, final.Status)
	assert.Equal(t, "a", final.ProviderName)
	assert.Equal(t, "called instance-a", final.ResponseData)
}

func TestBusFallsBackAfterDrivingBreakerOpen(t *testing.T) {
	r := New(frozen(), nil)
	bc := breaker.Config{FailureThreshold: 5, Window: time.Minute, CooldownSeconds: time.Hour}
	pa := r.Register("a", KindLLM, "a", RegisterOptions{Priority: PriorityHigh, BreakerConfig: bc})
	pb := r.Register("b", KindLLM, "b", RegisterOptions{Priority: PriorityNormal, BreakerConfig: bc})

	sink := &sliceSink{}
	bus := NewBus(KindLLM, r, frozen(), sink, 3)

	// Drive provider A to five consecutive failures: each dispatch fails
	// on A (transient), falls back to B, and succeeds there.
	for i := 0; i < 5; i++ {
		result, err := bus.Dispatch("h", nil, func(instance any) (any, error) {
			if instance == "a" {
				return nil, Transient(fmt.Errorf("connection refused"))
			}
			return "ok", nil
		})
		require.NoError(t, err, "attempt %d", i)
		assert.Equal(t, "ok", result)
	}

	assert.Equal(t, breaker.Open, pa.Breaker.State())
	assert.Equal(t, breaker.Closed, pb.Breaker.State())

	// Next call selects B directly: A's circuit is open.
	result, err := bus.Dispatch("h", nil, func(instance any) (any, error) {
		require.Equal(t, "b", instance)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestBusPermanentErrorDoesNotFallBack(t *testing.T) {
	r := New(frozen(), nil)
	r.Register("a", KindLLM, "a", RegisterOptions{Priority: PriorityHigh})
	r.Register("b", KindLLM, "b", RegisterOptions{Priority: PriorityNormal})

	sink := &sliceSink{}
	bus := NewBus(KindLLM, r, frozen(), sink, 3)

	calls := 0
	_, err := bus.Dispatch("h", nil, func(instance any) (any, error) {
		calls++
		return nil, fmt.Errorf("validation failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors surface without trying another provider")

	require.Len(t, sink.records, 2)
	assert.Equal(t, CorrelationPending, sink.records[0].Status)
	assert.Equal(t, CorrelationFailed, sink.records[1].Status)
	assert.False(t, sink.records[1].Transient)
}

func TestBusNoProviderReturnsTypedUnavailable(t *testing.T) {
	r := New(frozen(), nil)
	bus := NewBus(KindTool, r, frozen(), nil, 1)

	_, err := bus.Dispatch("h", nil, func(any) (any, error) { return nil, nil })
	var unavailable *ErrUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, KindTool, unavailable.Kind)
}

func TestBusExhaustsRetriesOnAllTransient(t *testing.T) {
	r := New(frozen(), nil)
	bc := breaker.Config{FailureThreshold: 10, Window: time.Minute, CooldownSeconds: time.Hour}
	r.Register("a", KindLLM, "a", RegisterOptions{Priority: PriorityHigh, BreakerConfig: bc})
	r.Register("b", KindLLM, "b", RegisterOptions{Priority: PriorityNormal, BreakerConfig: bc})

	bus := NewBus(KindLLM, r, frozen(), nil, 5)

	tried := map[any]int{}
	_, err := bus.Dispatch("h", nil, func(instance any) (any, error) {
		tried[instance]++
		return nil, Transient(fmt.Errorf("timeout"))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted retries")
	assert.Equal(t, 1, tried["a"])
	assert.Equal(t, 1, tried["b"], "each provider tried once, then selection repeats and stops")
}
