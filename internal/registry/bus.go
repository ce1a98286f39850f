package registry

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ciriscore/agentcore/internal/clock"
)

// TransientError marks a failure the caller should retry against a
// different provider rather than surface to the caller's caller.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the Bus classifies it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Call is the shape every Bus dispatch target implements: take the
// selected provider's instance and perform the kind-specific call.
type Call func(instance any) (any, error)

// Bus is a per-kind async-call facade over the Registry. It selects a
// provider, re-checks the breaker immediately before dispatch (closing the
// gap between selection and call described in spec.md §9), records a
// Correlation, and retries against the next eligible provider on a
// transient failure.
type Bus struct {
	kind     Kind
	registry *Registry
	clock    clock.Clock
	sink     CorrelationSink
	maxRetry int
}

// NewBus creates a Bus bound to one Kind. maxRetry bounds how many
// alternate providers are tried after a transient failure; 0 means try
// only the first selection.
func NewBus(kind Kind, reg *Registry, clk clock.Clock, sink CorrelationSink, maxRetry int) *Bus {
	if sink == nil {
		sink = NopCorrelationSink{}
	}
	return &Bus{kind: kind, registry: reg, clock: clk, sink: sink, maxRetry: maxRetry}
}

// Dispatch selects a provider for handler (with required capabilities),
// invokes fn against its instance, and records the outcome. On a
// TransientError it retries against a different eligible provider, up to
// maxRetry additional attempts, provided the original provider's breaker
// gets a recorded failure first so repeat selection doesn't loop forever.
func (b *Bus) Dispatch(handler string, required []string, fn Call) (any, error) {
	return b.DispatchAction(handler, "", "", required, fn)
}

// DispatchAction is Dispatch with the action metadata the correlation row
// carries: what the call does and its (stringified) input. The PENDING row
// is recorded before fn runs, then updated with the result.
func (b *Bus) DispatchAction(handler, actionType, requestData string, required []string, fn Call) (any, error) {
	var lastErr error
	tried := make(map[string]bool)

	for attempt := 0; attempt <= b.maxRetry; attempt++ {
		provider, err := b.registry.LookupExcluding(handler, b.kind, required, tried)
		if err != nil {
			if lastErr != nil {
				// Every eligible provider was tried; surface the call
				// failure, not the exhausted selection.
				break
			}
			return nil, err
		}
		tried[provider.Name] = true

		if !provider.Breaker.AllowCall() {
			continue
		}

		corr := Correlation{
			ID:           uuid.NewString(),
			Kind:         b.kind,
			Handler:      handler,
			ProviderName: provider.Name,
			ActionType:   actionType,
			RequestData:  requestData,
			Status:       CorrelationPending,
			RequestedAt:  b.clock.Now(),
		}
		b.sink.RecordCorrelation(corr)

		result, callErr := fn(provider.Instance)
		corr.CompletedAt = b.clock.Now()

		if callErr == nil {
			provider.Breaker.RecordSuccess()
			corr.Status = CorrelationCompleted
			if result != nil {
				corr.ResponseData = fmt.Sprintf("%v", result)
			}
			b.sink.RecordCorrelation(corr)
			return result, nil
		}

		var transient *TransientError
		corr.Transient = errors.As(callErr, &transient)
		corr.Status = CorrelationFailed
		corr.ErrorMessage = callErr.Error()
		b.sink.RecordCorrelation(corr)

		provider.Breaker.RecordFailure()
		lastErr = callErr

		if !corr.Transient {
			return nil, callErr
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("bus: dispatch for kind %q exhausted retries: %w", b.kind, lastErr)
	}
	return nil, &ErrUnavailable{Kind: b.kind, Handler: handler}
}
