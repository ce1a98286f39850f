package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/audit"
	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/observer"
	"github.com/ciriscore/agentcore/internal/storage"
	"github.com/ciriscore/agentcore/internal/task"
	"github.com/ciriscore/agentcore/internal/wiseauthority"
)

func TestActionSinkDeliversFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	s := NewActionSink(10, zap.NewNop(), nil, func(a Action) error {
		mu.Lock()
		got = append(got, a.Content)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	require.True(t, s.Enqueue(Action{Type: ActionSendMessage, Content: "one"}))
	require.True(t, s.Enqueue(Action{Type: ActionSendMessage, Content: "two"}))
	require.True(t, s.Enqueue(Action{Type: ActionSendMessage, Content: "three"}))

	go s.Run(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink delivery")
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestActionSinkEnqueueOnFullReturnsFalse(t *testing.T) {
	s := NewActionSink(2, zap.NewNop(), nil, func(Action) error { return nil })

	require.True(t, s.Enqueue(Action{Content: "a"}))
	require.True(t, s.Enqueue(Action{Content: "b"}))
	assert.False(t, s.Enqueue(Action{Content: "c"}), "full queue must not block")
	assert.Equal(t, 2, s.Len(), "failed enqueue leaves queue size unchanged")
}

func TestActionSinkStopPreservesQueuedItems(t *testing.T) {
	processed := make(chan struct{}, 16)
	s := NewActionSink(10, zap.NewNop(), nil, func(Action) error {
		processed <- struct{}{}
		return nil
	})

	s.Stop()
	// Post-stop enqueues are refused and nothing runs.
	assert.False(t, s.Enqueue(Action{Content: "late"}))

	s2 := NewActionSink(10, zap.NewNop(), nil, func(Action) error {
		processed <- struct{}{}
		return nil
	})
	require.True(t, s2.Enqueue(Action{Content: "queued"}))
	s2.Stop()

	done := make(chan struct{})
	go func() {
		s2.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stopped sink loop did not return")
	}

	assert.Equal(t, 1, s2.Len(), "queued item preserved, not processed")
	assert.Empty(t, processed)
}

func TestActionSinkProcessorErrorKeepsLoopAlive(t *testing.T) {
	done := make(chan struct{})
	calls := 0
	s := NewActionSink(10, zap.NewNop(), nil, func(a Action) error {
		calls++
		if a.Content == "bad" {
			return assert.AnError
		}
		close(done)
		return nil
	})

	require.True(t, s.Enqueue(Action{Content: "bad"}))
	require.True(t, s.Enqueue(Action{Content: "good"}))

	go s.Run(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after processor error")
	}
	s.Stop()
	assert.Equal(t, 2, calls)
}

type stubWA struct {
	accept    bool
	err       error
	deferrals []wiseauthority.DeferralContext
}

func (w *stubWA) FetchGuidance(wiseauthority.GuidanceContext) (string, error) { return "", nil }

func (w *stubWA) SubmitDeferral(d wiseauthority.DeferralContext) (bool, error) {
	w.deferrals = append(w.deferrals, d)
	return w.accept, w.err
}

type stubComms struct {
	mu       sync.Mutex
	messages []string
	channels []string
}

func (c *stubComms) SendMessage(channelID, content string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, channelID)
	c.messages = append(c.messages, content)
	return true, nil
}

func TestDeferralSinkPrefersWiseAuthority(t *testing.T) {
	wa := &stubWA{accept: true}
	comms := &stubComms{}
	s := NewDeferralSink(10, zap.NewNop(), wa, comms, "deferrals")

	require.NoError(t, s.deliver(wiseauthority.DeferralContext{ThoughtID: "t1", TaskID: "k1", Reason: "needs human"}))
	assert.Len(t, wa.deferrals, 1)
	assert.Empty(t, comms.messages)
}

func TestDeferralSinkFallsBackToCommunication(t *testing.T) {
	wa := &stubWA{accept: false}
	comms := &stubComms{}
	s := NewDeferralSink(10, zap.NewNop(), wa, comms, "deferrals")

	require.NoError(t, s.deliver(wiseauthority.DeferralContext{ThoughtID: "t1", TaskID: "k1", Reason: "needs human"}))
	require.Len(t, comms.messages, 1)
	assert.Equal(t, "deferrals", comms.channels[0])
	assert.Contains(t, comms.messages[0], "t1", "report must quote the thought id for reply correlation")
	assert.Contains(t, comms.messages[0], "needs human")
}

func newFeedbackFixture(t *testing.T) (*FeedbackSink, *task.Store, *task.Thought) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.Frozen{At: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	tasks := task.NewStore(store.DB(), clk, 0)

	parent, err := tasks.CreateTask("cli:c1", "original request", 5, nil)
	require.NoError(t, err)
	deferred, err := tasks.RootThought(parent.ID, task.ThoughtObservation, 5, "needs authority", nil)
	require.NoError(t, err)
	require.NoError(t, tasks.UpdateThoughtStatus(deferred.ID, task.ThoughtDeferred, 1))

	return NewFeedbackSink(10, zap.NewNop(), tasks), tasks, deferred
}

func TestFeedbackCreatesCorrectionThought(t *testing.T) {
	s, tasks, deferred := newFeedbackFixture(t)

	fb := observer.Feedback{
		Message: observer.IncomingMessage{
			ID: "m1", AuthorName: "WA_USER", ChannelID: "deferrals",
			Content: "proceed with option B",
		},
		DeferredThoughtID: deferred.ID,
	}
	require.NoError(t, s.process(fb))

	pending, err := tasks.NextPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	corr := pending[0]
	assert.Equal(t, task.ThoughtCorrection, corr.ThoughtType)
	assert.Equal(t, deferred.ID, corr.ParentThoughtID)
	assert.Equal(t, 5, corr.Priority, "priority inherited from originating task")
	assert.Equal(t, true, corr.ProcessingContext["is_wa_feedback"])
}

func TestFeedbackDedupesSameDeferredThought(t *testing.T) {
	s, tasks, deferred := newFeedbackFixture(t)

	fb := observer.Feedback{
		Message:           observer.IncomingMessage{ID: "m1", Content: "do X"},
		DeferredThoughtID: deferred.ID,
	}
	require.NoError(t, s.process(fb))

	fb.Message.ID = "m2"
	require.NoError(t, s.process(fb))

	pending, err := tasks.NextPending(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "second correction for the same deferral is dropped")
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (a *recordingAuditor) LogEvent(eventType audit.EventType, entityID, actor string, details map[string]string, outcome string) (*audit.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := &audit.Entry{EventType: eventType, EntityID: entityID, Actor: actor, Details: details, Outcome: outcome}
	a.entries = append(a.entries, e)
	return e, nil
}

func (a *recordingAuditor) snapshot() []*audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*audit.Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

func TestActionSinkAuditsRealOutcome(t *testing.T) {
	auditor := &recordingAuditor{}
	done := make(chan struct{})
	s := NewActionSink(10, zap.NewNop(), auditor, func(a Action) error {
		if a.Content == "doomed" {
			return assert.AnError
		}
		defer close(done)
		return nil
	})

	require.True(t, s.Enqueue(Action{Type: ActionSendMessage, ThoughtID: "t-fail", TaskID: "k1", Content: "doomed"}))
	require.True(t, s.Enqueue(Action{Type: ActionSendMessage, ThoughtID: "t-ok", TaskID: "k1", Content: "fine"}))

	go s.Run(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink delivery")
	}
	s.Stop()

	// The audit entry for each dispatch carries the dispatch's outcome;
	// nothing is recorded before the call resolves.
	require.Eventually(t, func() bool {
		return len(auditor.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	entries := auditor.snapshot()
	assert.Equal(t, audit.EventBusCall, entries[0].EventType)
	assert.Equal(t, "t-fail", entries[0].EntityID)
	assert.Equal(t, "failed", entries[0].Outcome)
	assert.Contains(t, entries[0].Details["error"], assert.AnError.Error())

	assert.Equal(t, "t-ok", entries[1].EntityID)
	assert.Equal(t, "ok", entries[1].Outcome)
	assert.Equal(t, "k1", entries[1].Details["task_id"])
}

func TestActionSinkAuditsToolCategories(t *testing.T) {
	auditor := &recordingAuditor{}
	done := make(chan struct{})
	s := NewActionSink(10, zap.NewNop(), auditor, func(a Action) error {
		close(done)
		return nil
	})

	require.True(t, s.Enqueue(Action{
		Type:      ActionRunTool,
		ThoughtID: "t1",
		TaskID:    "k1",
		ToolName:  "shell",
		Params:    map[string]any{"command": "npm install express"},
	}))

	go s.Run(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink delivery")
	}
	s.Stop()

	require.Eventually(t, func() bool {
		return len(auditor.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	e := auditor.snapshot()[0]
	assert.Equal(t, "shell", e.Details["tool_name"])
	assert.Contains(t, e.Details["categories"], string(audit.ShellCommand))
	assert.Contains(t, e.Details["categories"], string(audit.PackageInstall))
}
