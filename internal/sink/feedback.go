package sink

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/observer"
	"github.com/ciriscore/agentcore/internal/task"
)

// FeedbackSink converts inbound WA corrections into correction Thoughts
// parented on the deferred thought they reference. Corrections referencing
// the same deferred thought id are deduplicated within a process lifetime.
type FeedbackSink struct {
	q      queue[observer.Feedback]
	logger *zap.Logger
	tasks  *task.Store

	mu        sync.Mutex
	processed map[string]bool
}

// NewFeedbackSink creates a FeedbackSink writing corrections through tasks.
func NewFeedbackSink(size int, logger *zap.Logger, tasks *task.Store) *FeedbackSink {
	return &FeedbackSink{
		q:         newQueue[observer.Feedback](size),
		logger:    logger,
		tasks:     tasks,
		processed: make(map[string]bool),
	}
}

// EnqueueFeedback implements observer.FeedbackQueue.
func (s *FeedbackSink) EnqueueFeedback(fb observer.Feedback) bool { return s.q.enqueue(fb) }

// Len reports queued-but-unprocessed feedback items.
func (s *FeedbackSink) Len() int { return s.q.len() }

// Run processes feedback until Stop or ctx cancellation.
func (s *FeedbackSink) Run(ctx context.Context) {
	s.q.run(ctx, s.logger, "feedback", s.process)
}

// Stop signals the loop to return after its in-flight item.
func (s *FeedbackSink) Stop() { s.q.signalStop() }

func (s *FeedbackSink) process(fb observer.Feedback) error {
	s.mu.Lock()
	if s.processed[fb.DeferredThoughtID] {
		s.mu.Unlock()
		s.logger.Debug("duplicate WA correction dropped",
			zap.String("deferred_thought_id", fb.DeferredThoughtID))
		return nil
	}
	s.processed[fb.DeferredThoughtID] = true
	s.mu.Unlock()

	deferred, err := s.tasks.GetThought(fb.DeferredThoughtID)
	if err != nil {
		return fmt.Errorf("sink: WA correction references unknown thought %s: %w", fb.DeferredThoughtID, err)
	}

	parentTask, err := s.tasks.GetTask(deferred.SourceTaskID)
	if err != nil {
		return fmt.Errorf("sink: load task for correction: %w", err)
	}

	corr, err := s.tasks.FollowUpThought(deferred, task.ThoughtCorrection, parentTask.Priority, fb.Message.Content, map[string]any{
		"is_wa_feedback": true,
		"wa_author":      fb.Message.AuthorName,
		"wa_message_id":  fb.Message.ID,
	})
	if err != nil {
		return fmt.Errorf("sink: create correction thought: %w", err)
	}

	s.logger.Info("WA correction thought created",
		zap.String("thought_id", corr.ID),
		zap.String("parent_thought_id", deferred.ID),
		zap.String("task_id", parentTask.ID))
	return nil
}
