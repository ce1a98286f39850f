// Package events provides a local JSONL transcript of bus traffic for
// adapters that want an on-disk record: outbound messages, tool
// invocations and their results, normalized into a single event shape.
package events

import (
	"time"
)

// EventType identifies the category of a transcript event.
type EventType string

const (
	// EventMessageIn is an inbound message observed from an adapter.
	EventMessageIn EventType = "message_in"
	// EventMessageOut is an outbound message dispatched through the
	// communication bus.
	EventMessageOut EventType = "message_out"
	// EventToolUse is an execute_tool call through the tool bus.
	EventToolUse EventType = "tool_use"
	// EventToolResult is the result returned from a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventError is an error event.
	EventError EventType = "error"
)

// AgentEvent is one transcript record.
type AgentEvent struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID links the event to its bus correlation row.
	CorrelationID string `json:"correlation_id"`

	// Round is the processor round the event belongs to (1-indexed).
	Round int `json:"round"`

	// Adapter is the source adapter (e.g., "cli", "nats").
	Adapter string `json:"adapter"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Summary is a short human-readable description (for log display).
	Summary string `json:"summary,omitempty"`

	// Content is the full event content (may be large for tool results).
	Content string `json:"content,omitempty"`

	// ToolName is the name of the tool invoked (for tool events).
	ToolName string `json:"tool_name,omitempty"`

	// ToolInput is the raw JSON input to the tool (for tool_use events).
	ToolInput string `json:"tool_input,omitempty"`

	// ChannelID is the affected channel (for message events).
	ChannelID string `json:"channel_id,omitempty"`
}

// ValidEventTypes returns all valid event type values.
func ValidEventTypes() []EventType {
	return []EventType{
		EventMessageIn,
		EventMessageOut,
		EventToolUse,
		EventToolResult,
		EventError,
	}
}

// IsValidEventType checks if the given string is a valid event type.
func IsValidEventType(s string) bool {
	for _, t := range ValidEventTypes() {
		if string(t) == s {
			return true
		}
	}
	return false
}
