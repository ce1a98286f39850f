package registry

import "time"

// CorrelationStatus is the lifecycle state of a single service call.
type CorrelationStatus string

const (
	CorrelationPending   CorrelationStatus = "PENDING"
	CorrelationCompleted CorrelationStatus = "COMPLETED"
	CorrelationFailed    CorrelationStatus = "FAILED"
)

// Correlation records one dispatched call through a Bus, from selection
// through completion or failure. The Bus records it twice: once PENDING at
// call start, then again with the final status and response.
type Correlation struct {
	ID           string
	Kind         Kind
	Handler      string
	ProviderName string
	ActionType   string
	RequestData  string
	ResponseData string
	Status       CorrelationStatus
	RequestedAt  time.Time
	CompletedAt  time.Time
	ErrorMessage string
	Transient    bool
}

// CorrelationSink persists or forwards Correlation records. A record is
// delivered once as PENDING and again with the same ID once resolved;
// sinks upsert by ID. Tests may use an in-memory slice sink.
type CorrelationSink interface {
	RecordCorrelation(Correlation)
}

// NopCorrelationSink discards every record. Useful as a zero-value default.
type NopCorrelationSink struct{}

func (NopCorrelationSink) RecordCorrelation(Correlation) {}
