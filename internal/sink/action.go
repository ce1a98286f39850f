package sink

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/audit"
)

// ActionType names the kinds of outbound work an ActionSink carries.
type ActionType string

const (
	ActionSendMessage ActionType = "send_message"
	ActionRunTool     ActionType = "run_tool"
)

// Action is one outbound unit of agent-initiated work.
type Action struct {
	Type      ActionType
	ThoughtID string
	TaskID    string
	ChannelID string
	Content   string
	ToolName  string
	Params    map[string]any
}

// ActionProcessor dispatches one action, typically through the
// communication or tool bus.
type ActionProcessor func(Action) error

// Auditor is the slice of the audit service the sink uses to record each
// dispatched action with its real outcome.
type Auditor interface {
	LogEvent(eventType audit.EventType, entityID, actor string, details map[string]string, outcome string) (*audit.Entry, error)
}

// ActionSink queues outbound generic actions.
type ActionSink struct {
	q       queue[Action]
	logger  *zap.Logger
	auditor Auditor
	process ActionProcessor
}

// NewActionSink creates an ActionSink with the given queue bound (0 uses
// DefaultQueueSize). auditor may be nil in tests; production wiring passes
// the audit service so every dispatch leaves a bus.call entry.
func NewActionSink(size int, logger *zap.Logger, auditor Auditor, process ActionProcessor) *ActionSink {
	return &ActionSink{q: newQueue[Action](size), logger: logger, auditor: auditor, process: process}
}

// Enqueue adds an action; false means the queue is full or stopped
// (backpressure — the caller decides whether to defer).
func (s *ActionSink) Enqueue(a Action) bool { return s.q.enqueue(a) }

// Len reports queued-but-unprocessed actions.
func (s *ActionSink) Len() int { return s.q.len() }

// Run processes actions until Stop or ctx cancellation.
func (s *ActionSink) Run(ctx context.Context) {
	s.q.run(ctx, s.logger, "action", s.dispatch)
}

// Stop signals the loop to finish its in-flight item and return. Queued
// items are preserved, not processed.
func (s *ActionSink) Stop() { s.q.signalStop() }

// dispatch runs the action and records the bus.call audit entry only once
// the dispatch has resolved, so the entry carries the call's real outcome
// rather than an optimistic one taken at enqueue time.
func (s *ActionSink) dispatch(a Action) error {
	err := s.process(a)
	s.auditDispatch(a, err)
	return err
}

func (s *ActionSink) auditDispatch(a Action, dispatchErr error) {
	if s.auditor == nil {
		return
	}

	details := map[string]string{
		"action_type": string(a.Type),
		"task_id":     a.TaskID,
	}
	if a.Type == ActionRunTool {
		details["tool_name"] = a.ToolName
		params, _ := a.Params["command"].(string)
		if params == "" {
			params, _ = a.Params["path"].(string)
		}
		if cats := audit.ClassifyToolAction(a.ToolName, params); len(cats) > 0 {
			strs := make([]string, len(cats))
			for i, c := range cats {
				strs[i] = string(c)
			}
			details["categories"] = strings.Join(strs, ",")
		}
	}

	outcome := "ok"
	if dispatchErr != nil {
		outcome = "failed"
		details["error"] = dispatchErr.Error()
	}

	if _, err := s.auditor.LogEvent(audit.EventBusCall, a.ThoughtID, "action_sink", details, outcome); err != nil {
		s.logger.Error("action audit failed", zap.String("thought_id", a.ThoughtID), zap.Error(err))
	}
}
