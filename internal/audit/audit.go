// Package audit implements the hash-chained audit service: typed entries
// stored in graph memory, a signed append-only chain in its own sqlite
// database, classification of tool actions into security-relevant
// categories, and background export to file.
package audit

import "time"

// EventType names the kind of audited event.
type EventType string

const (
	EventObservation     EventType = "observation"
	EventBusCall         EventType = "bus.call"
	EventDefer           EventType = "defer"
	EventRoundError      EventType = "round_error"
	EventStateTransition EventType = "state_transition"
	EventBreakerChange   EventType = "circuit_breaker_transition"
	EventConscience      EventType = "conscience_check"
	EventIdentityUpdate  EventType = "identity_update"
	EventShutdown        EventType = "audit_service_shutdown"
)

// Entry is one immutable audit record. Once written it is never updated;
// retention pruning removes the graph copy only, never the chain row.
type Entry struct {
	EntryID        string
	Timestamp      time.Time
	EntityID       string
	EventType      EventType
	Actor          string
	Details        map[string]string
	Outcome        string
	Signature      string
	SigningKeyID   string
	PrevHash       string
	EntryHash      string
	SequenceNumber int64
}

// Category represents a security-relevant action category attached to
// tool-bus calls when they are audited.
type Category string

const (
	// ShellCommand is any shell/command execution requested through the
	// tool bus.
	ShellCommand Category = "SHELL_COMMAND"
	// URLBrowsed is any URL fetched or web search executed by a tool.
	URLBrowsed Category = "URL_BROWSED"
	// SensitiveFileWrite is a file write/edit to a sensitive path.
	SensitiveFileWrite Category = "SENSITIVE_FILE_WRITE"
	// PackageInstall is a package installation command.
	PackageInstall Category = "PACKAGE_INSTALL"
	// OutboundDataTransfer is a command that could exfiltrate data.
	OutboundDataTransfer Category = "OUTBOUND_DATA_TRANSFER"
)

// Query filters an audit-trail lookup.
type Query struct {
	Start      time.Time
	End        time.Time
	Actor      string
	EventType  EventType
	EntityID   string
	Text       string // substring match against event_type and actor
	Descending bool
	Limit      int
	Offset     int
}

// VerificationReport is the result of walking the full chain.
type VerificationReport struct {
	Verified          bool
	TotalEntries      int64
	ValidEntries      int64
	InvalidEntries    int64
	ChainIntact       bool
	FirstInvalidEntry string
	Duration          time.Duration
	Errors            []string
}
