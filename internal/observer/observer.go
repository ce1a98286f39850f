// Package observer implements the per-adapter ingress pipeline: secrets
// extraction, ring-buffered history, adaptive filtering, and routing of
// inbound messages into tasks, thoughts, or WiseAuthority feedback.
package observer

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/audit"
	"github.com/ciriscore/agentcore/internal/secretsvc"
	"github.com/ciriscore/agentcore/internal/task"
)

// PassiveContextLimit bounds the per-observer message history ring.
const PassiveContextLimit = 10

// IncomingMessage is the strongly-typed inbound unit every adapter hands
// to its observer.
type IncomingMessage struct {
	ID         string
	AuthorID   string
	AuthorName string
	ChannelID  string
	Content    string
	Timestamp  time.Time
	IsBot      bool
	// ReplyToID optionally names the message this one replies to; WA
	// feedback correlation falls back to scanning Content when unset.
	ReplyToID string
	// SecretRefs is populated by the secrets pipeline before the message
	// re-enters any downstream flow.
	SecretRefs []*secretsvc.Reference
}

// FilterPriority is the adaptive filter's verdict tier.
type FilterPriority string

const (
	PriorityCritical FilterPriority = "critical"
	PriorityHigh     FilterPriority = "high"
	PriorityNormal   FilterPriority = "normal"
	PriorityLow      FilterPriority = "low"
)

// taskPriority maps a filter tier onto a numeric task priority.
func taskPriority(p FilterPriority) int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 5
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// FilterVerdict is the adaptive filter's decision for one message.
type FilterVerdict struct {
	ShouldProcess bool
	Priority      FilterPriority
	Reasoning     string
	ContextHints  map[string]any
}

// AdaptiveFilter decides whether and how urgently a message is processed.
// The production implementation is resolved through the service registry
// under the adaptive_filter kind.
type AdaptiveFilter interface {
	Evaluate(msg IncomingMessage) (FilterVerdict, error)
}

// Secrets is the slice of the secrets service the observer needs.
type Secrets interface {
	DetectAndStore(text string) (string, []*secretsvc.Reference, error)
}

// Feedback is a WA correction routed to the feedback sink instead of the
// task flow.
type Feedback struct {
	Message           IncomingMessage
	DeferredThoughtID string
}

// FeedbackQueue accepts WA feedback; a full queue returns false.
type FeedbackQueue interface {
	EnqueueFeedback(fb Feedback) bool
}

// Recaller triggers context recall after a message is processed.
type Recaller interface {
	RecallContext(channelID string, history []IncomingMessage) error
}

// Auditor is the slice of the audit service the observer uses.
type Auditor interface {
	LogEvent(eventType audit.EventType, entityID, actor string, details map[string]string, outcome string) (*audit.Entry, error)
}

// Config identifies the observer and its special channels.
type Config struct {
	AgentID         string
	AdapterName     string
	DeferralChannel string
	WAAuthorNames   map[string]bool
}

// Observer is the per-adapter ingress handler.
type Observer struct {
	cfg      Config
	logger   *zap.Logger
	filter   AdaptiveFilter
	secrets  Secrets
	tasks    *task.Store
	feedback FeedbackQueue
	recaller Recaller
	auditor  Auditor

	mu      sync.Mutex
	history []IncomingMessage
	seen    map[string]bool
}

// New assembles an Observer. filter, feedback, recaller, and auditor may
// individually be nil; the corresponding pipeline step degrades to a no-op
// (a nil filter processes everything at normal priority).
func New(cfg Config, logger *zap.Logger, filter AdaptiveFilter, secrets Secrets, tasks *task.Store, feedback FeedbackQueue, recaller Recaller, auditor Auditor) *Observer {
	return &Observer{
		cfg:      cfg,
		logger:   logger,
		filter:   filter,
		secrets:  secrets,
		tasks:    tasks,
		feedback: feedback,
		recaller: recaller,
		auditor:  auditor,
		seen:     make(map[string]bool),
	}
}

// uuidPattern matches thought ids quoted inside deferral reports so WA
// replies can be correlated back to the deferred thought.
var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// HandleIncoming runs the full ingress pipeline for one message. Errors
// are isolated per message; a failure here never affects other messages.
func (o *Observer) HandleIncoming(msg IncomingMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("observer: message without id dropped")
	}

	o.mu.Lock()
	if o.seen[msg.ID] {
		o.mu.Unlock()
		return nil
	}
	o.seen[msg.ID] = true
	o.mu.Unlock()

	// Own messages and bot traffic are history-only; they never re-enter
	// the pipeline.
	if msg.AuthorID == o.cfg.AgentID || msg.IsBot {
		o.appendHistory(msg)
		return nil
	}

	if o.secrets != nil {
		redacted, refs, err := o.secrets.DetectAndStore(msg.Content)
		if err != nil {
			return fmt.Errorf("observer: secrets pipeline: %w", err)
		}
		msg.Content = redacted
		msg.SecretRefs = refs
	}

	o.appendHistory(msg)

	verdict := FilterVerdict{ShouldProcess: true, Priority: PriorityNormal}
	if o.filter != nil {
		v, err := o.filter.Evaluate(msg)
		if err != nil {
			return fmt.Errorf("observer: adaptive filter: %w", err)
		}
		verdict = v
	}
	if !verdict.ShouldProcess {
		o.logger.Debug("message filtered out",
			zap.String("message_id", msg.ID), zap.String("reasoning", verdict.Reasoning))
		return nil
	}

	if o.isWAFeedback(msg) {
		if err := o.routeFeedback(msg); err != nil {
			return err
		}
	} else {
		if err := o.createObservation(msg, verdict); err != nil {
			return err
		}
	}

	if o.recaller != nil {
		if err := o.recaller.RecallContext(msg.ChannelID, o.History()); err != nil {
			o.logger.Warn("context recall failed",
				zap.String("channel_id", msg.ChannelID), zap.Error(err))
		}
	}
	return nil
}

func (o *Observer) isWAFeedback(msg IncomingMessage) bool {
	return msg.ChannelID == o.cfg.DeferralChannel && o.cfg.WAAuthorNames[msg.AuthorName]
}

func (o *Observer) routeFeedback(msg IncomingMessage) error {
	deferredID := msg.ReplyToID
	if deferredID == "" {
		deferredID = uuidPattern.FindString(msg.Content)
	}
	if deferredID == "" {
		return fmt.Errorf("observer: WA feedback %s references no deferred thought", msg.ID)
	}

	if o.feedback == nil || !o.feedback.EnqueueFeedback(Feedback{Message: msg, DeferredThoughtID: deferredID}) {
		return fmt.Errorf("observer: feedback queue refused message %s", msg.ID)
	}
	return nil
}

// createObservation creates the Task and its seed Thought for a message
// that passed the filter, at a priority derived from the verdict.
func (o *Observer) createObservation(msg IncomingMessage, verdict FilterVerdict) error {
	origin := o.cfg.AdapterName + ":" + msg.ChannelID
	prio := taskPriority(verdict.Priority)

	t, err := o.tasks.CreateTask(origin, msg.Content, prio, map[string]any{
		"message_id":  msg.ID,
		"author_id":   msg.AuthorID,
		"author_name": msg.AuthorName,
		"channel_id":  msg.ChannelID,
	})
	if err != nil {
		return fmt.Errorf("observer: create task: %w", err)
	}

	ctx := map[string]any{
		"filter_priority": string(verdict.Priority),
	}
	if verdict.Reasoning != "" {
		ctx["filter_reasoning"] = verdict.Reasoning
	}
	for k, v := range verdict.ContextHints {
		ctx[k] = v
	}
	if len(msg.SecretRefs) > 0 {
		ids := make([]string, len(msg.SecretRefs))
		for i, r := range msg.SecretRefs {
			ids[i] = r.ID
		}
		ctx["secret_refs"] = ids
	}

	th, err := o.tasks.RootThought(t.ID, task.ThoughtObservation, prio, msg.Content, ctx)
	if err != nil {
		return fmt.Errorf("observer: seed thought: %w", err)
	}

	if o.auditor != nil {
		_, err = o.auditor.LogEvent(audit.EventObservation, th.ID, "observer:"+o.cfg.AdapterName, map[string]string{
			"task_id":    t.ID,
			"message_id": msg.ID,
			"channel_id": msg.ChannelID,
			"priority":   string(verdict.Priority),
		}, "ok")
		if err != nil {
			return fmt.Errorf("observer: audit observation: %w", err)
		}
	}

	o.logger.Info("observation created",
		zap.String("task_id", t.ID),
		zap.String("thought_id", th.ID),
		zap.String("channel_id", msg.ChannelID),
		zap.String("priority", string(verdict.Priority)))
	return nil
}

func (o *Observer) appendHistory(msg IncomingMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, msg)
	if len(o.history) > PassiveContextLimit {
		o.history = o.history[len(o.history)-PassiveContextLimit:]
	}
}

// History returns a copy of the ring-buffered message history.
func (o *Observer) History() []IncomingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]IncomingMessage, len(o.history))
	copy(out, o.history)
	return out
}
