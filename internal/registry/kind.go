// Package registry implements the typed multi-provider ServiceRegistry and
// the per-kind Bus facade described in spec.md §4.1.
package registry

// Kind identifies a category of service the registry tracks providers for.
type Kind string

const (
	KindCommunication     Kind = "communication"
	KindWiseAuthority     Kind = "wise_authority"
	KindTool              Kind = "tool"
	KindMemory            Kind = "memory"
	KindAudit             Kind = "audit"
	KindLLM               Kind = "llm"
	KindTelemetry         Kind = "telemetry"
	KindConfig            Kind = "config"
	KindRuntimeControl    Kind = "runtime_control"
	KindSecrets           Kind = "secrets"
	KindTime              Kind = "time"
	KindShutdown          Kind = "shutdown"
	KindInitialization    Kind = "initialization"
	KindTaskScheduler     Kind = "task_scheduler"
	KindAuthentication    Kind = "authentication"
	KindResourceMonitor   Kind = "resource_monitor"
	KindVisibility        Kind = "visibility"
	KindAdaptiveFilter    Kind = "adaptive_filter"
	KindSelfConfiguration Kind = "self_configuration"
	KindTSDBConsolidation Kind = "tsdb_consolidation"
	KindIncidentMgmt      Kind = "incident_management"
	KindDBMaintenance     Kind = "database_maintenance"
)

// Priority orders providers within a lookup; lower numeric value wins.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PriorityFallback Priority = 4
)

// Strategy selects among same-priority-group providers.
type Strategy string

const (
	StrategyFallback    Strategy = "FALLBACK"
	StrategyRoundRobin  Strategy = "ROUND_ROBIN"
)
