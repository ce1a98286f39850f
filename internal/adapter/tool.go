package adapter

import "time"

// ToolResult is the outcome of one execute_tool call.
type ToolResult struct {
	CorrelationID string
	ToolName      string
	Success       bool
	Output        map[string]any
	Error         string
}

// ToolService is the tool-bus provider contract: execute a named tool and
// fetch a prior execution's result by correlation id.
type ToolService interface {
	ExecuteTool(name string, params map[string]any) (*ToolResult, error)
	GetToolResult(correlationID string, timeout time.Duration) (*ToolResult, error)
}
