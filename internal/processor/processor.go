// Package processor drives the per-round workload loop: each round reads
// the current agent state, pulls a batch of pending thoughts, dispatches
// them through the action-selection path, and records the outcome of every
// step in the audit trail.
package processor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/audit"
	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/resource"
	"github.com/ciriscore/agentcore/internal/sink"
	"github.com/ciriscore/agentcore/internal/statemachine"
	"github.com/ciriscore/agentcore/internal/task"
	"github.com/ciriscore/agentcore/internal/wiseauthority"
)

// Decision is the action-selection outcome for one thought. Exactly one of
// Action and Defer is set; both nil means the thought completes with no
// outbound effect.
type Decision struct {
	Action *sink.Action
	Defer  *wiseauthority.DeferralContext
}

// ActionSelector is the external collaborator that decides what a thought
// does. The language-model pipeline implements this in production; tests
// use stubs.
type ActionSelector interface {
	SelectAction(ctx context.Context, th *task.Thought) (Decision, error)
}

// Auditor is the slice of the audit service the processor needs.
type Auditor interface {
	LogEvent(eventType audit.EventType, entityID, actor string, details map[string]string, outcome string) (*audit.Entry, error)
}

// Config bounds the processor's per-round work.
type Config struct {
	MaxActiveThoughts int
	MaxThoughtRounds  int // thoughts whose round would exceed this defer with reason max_depth
	RoundDelay        time.Duration
	MaxRounds         int // 0 means unbounded
	EnableAutoDefer   bool
}

// RoundResult reports one round's counters.
type RoundResult struct {
	Round     int
	State     statemachine.State
	Processed int
	Completed int
	Deferred  int
	Failed    int
	Elapsed   time.Duration
}

// Processor owns the round loop.
type Processor struct {
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	state     *statemachine.Manager
	tasks     *task.Store
	selector  ActionSelector
	actions   *sink.ActionSink
	deferrals *sink.DeferralSink
	monitor   *resource.Monitor
	auditor   Auditor

	signals chan resource.Signal
	pause   chan bool
	paused  bool
	round   int

	wakeupComplete bool
}

// New assembles a Processor. monitor and auditor may be nil in tests.
func New(cfg Config, clk clock.Clock, logger *zap.Logger, state *statemachine.Manager, tasks *task.Store, selector ActionSelector, actions *sink.ActionSink, deferrals *sink.DeferralSink, monitor *resource.Monitor, bus *resource.SignalBus, auditor Auditor) *Processor {
	p := &Processor{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		state:     state,
		tasks:     tasks,
		selector:  selector,
		actions:   actions,
		deferrals: deferrals,
		monitor:   monitor,
		auditor:   auditor,
		signals:   make(chan resource.Signal, 16),
		pause:     make(chan bool, 1),
	}
	if bus != nil {
		bus.Subscribe(p.signals)
	}
	return p
}

// Pause stops the loop from starting new rounds without ending the process.
func (p *Processor) Pause() {
	select {
	case p.pause <- true:
	default:
	}
}

// Resume reverses Pause.
func (p *Processor) Resume() {
	select {
	case p.pause <- false:
	default:
	}
}

// Run drives rounds until ctx is cancelled, the state machine reaches
// SHUTDOWN, or MaxRounds is exhausted.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case paused := <-p.pause:
			p.paused = paused
		case sig := <-p.signals:
			p.handleSignal(sig)
		default:
		}

		if p.state.Current() == statemachine.Shutdown {
			return nil
		}
		if p.cfg.MaxRounds > 0 && p.round >= p.cfg.MaxRounds {
			return nil
		}

		if !p.paused {
			if _, err := p.SingleStep(ctx); err != nil {
				p.logger.Error("round failed", zap.Int("round", p.round), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.RoundDelay):
		}
	}
}

func (p *Processor) handleSignal(sig resource.Signal) {
	switch sig.Action {
	case resource.ActionDefer:
		p.logger.Warn("resource pressure: pausing new work",
			zap.String("resource", string(sig.Class)), zap.Float64("used_pct", sig.UsedPct))
		p.paused = true
		if p.cfg.EnableAutoDefer {
			p.deferPending(string(sig.Class))
		}
	case resource.ActionShutdown:
		p.logger.Error("resource pressure: requesting shutdown",
			zap.String("resource", string(sig.Class)))
		p.state.TransitionTo(statemachine.Shutdown)
	case resource.ActionReject:
		// REJECT blocks new admissions only; in-flight thoughts finish.
		p.paused = true
	default:
	}
}

// deferPending moves every still-pending thought to DEFERRED, each with a
// defer audit entry.
func (p *Processor) deferPending(reason string) {
	pending, err := p.tasks.NextPending(p.cfg.MaxActiveThoughts)
	if err != nil {
		p.logger.Error("defer sweep failed", zap.Error(err))
		return
	}
	for _, th := range pending {
		p.deferThought(th, "resource_pressure:"+reason)
	}
}

// SingleStep executes exactly one round for the current state.
func (p *Processor) SingleStep(ctx context.Context) (RoundResult, error) {
	started := p.clock.Now()
	p.round++

	res := RoundResult{Round: p.round, State: p.state.Current()}

	switch res.State {
	case statemachine.Wakeup:
		p.runWakeup()
	case statemachine.Work:
		p.dispatchBatch(ctx, &res, p.cfg.MaxActiveThoughts)
	case statemachine.Play, statemachine.Solitude:
		// Reduced-intensity variants of the work round.
		limit := p.cfg.MaxActiveThoughts / 2
		if limit < 1 {
			limit = 1
		}
		p.dispatchBatch(ctx, &res, limit)
	case statemachine.Dream:
		p.runDream(ctx, &res)
	case statemachine.Shutdown:
		// Shutdown rounds do no new work.
	}

	res.Elapsed = p.clock.Now().Sub(started)
	return res, nil
}

// runWakeup marks the identity context ready and auto-transitions to WORK.
func (p *Processor) runWakeup() {
	p.wakeupComplete = true
	if next, ok := p.state.ShouldAutoTransition(p.wakeupComplete); ok {
		p.state.TransitionTo(next)
	}
}

// runDream performs consolidation work: pending scheduled thoughts are
// processed at reduced volume.
func (p *Processor) runDream(ctx context.Context, res *RoundResult) {
	p.dispatchBatch(ctx, res, 1)
}

func (p *Processor) dispatchBatch(ctx context.Context, res *RoundResult, limit int) {
	// Resource admission: warning pressure shrinks the batch, critical
	// pressure defers everything still pending.
	if p.monitor != nil {
		snap := p.monitor.Snapshot()
		for _, c := range snap.Critical {
			if c == string(resource.ClassActiveThoughts) || c == string(resource.ClassTokens) {
				if p.cfg.EnableAutoDefer {
					p.deferPending("resource_critical:" + c)
				}
				return
			}
		}
		for _, w := range snap.Warnings {
			if w == string(resource.ClassActiveThoughts) || w == string(resource.ClassTokens) {
				limit = limit/2 + 1
			}
		}
	}

	batch, err := p.tasks.NextPending(limit)
	if err != nil {
		p.logger.Error("batch selection failed", zap.Error(err))
		return
	}

	for _, th := range batch {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processThought(ctx, th, res)
	}
}

func (p *Processor) processThought(ctx context.Context, th *task.Thought, res *RoundResult) {
	res.Processed++

	nextRound := th.RoundNumber + 1
	if p.cfg.MaxThoughtRounds > 0 && nextRound > p.cfg.MaxThoughtRounds {
		p.deferThought(th, "max_depth")
		res.Deferred++
		return
	}

	if err := p.tasks.UpdateThoughtStatus(th.ID, task.ThoughtProcessing, nextRound); err != nil {
		p.logger.Error("thought transition failed", zap.String("thought_id", th.ID), zap.Error(err))
		return
	}

	decision, err := p.selector.SelectAction(ctx, th)
	if err != nil {
		p.failThought(th, err)
		res.Failed++
		return
	}

	switch {
	case decision.Defer != nil:
		d := *decision.Defer
		d.ThoughtID = th.ID
		d.TaskID = th.SourceTaskID
		if p.deferrals != nil && !p.deferrals.Enqueue(d) {
			p.logger.Warn("deferral sink full", zap.String("thought_id", th.ID))
		}
		p.deferThought(th, d.Reason)
		res.Deferred++

	case decision.Action != nil:
		a := *decision.Action
		a.ThoughtID = th.ID
		a.TaskID = th.SourceTaskID
		if p.actions != nil && !p.actions.Enqueue(a) {
			p.failThought(th, fmt.Errorf("action sink full"))
			res.Failed++
			return
		}
		// The bus.call audit entry is recorded by the sink once the
		// dispatch resolves, carrying the call's real outcome.
		p.completeThought(th, nextRound)
		res.Completed++

	default:
		p.completeThought(th, nextRound)
		res.Completed++
	}
}

func (p *Processor) completeThought(th *task.Thought, round int) {
	if err := p.tasks.UpdateThoughtStatus(th.ID, task.ThoughtCompleted, round); err != nil {
		p.logger.Error("thought completion failed", zap.String("thought_id", th.ID), zap.Error(err))
		return
	}
	p.settleTask(th.SourceTaskID)
}

func (p *Processor) deferThought(th *task.Thought, reason string) {
	if err := p.tasks.UpdateThoughtStatus(th.ID, task.ThoughtDeferred, th.RoundNumber); err != nil {
		p.logger.Error("thought deferral failed", zap.String("thought_id", th.ID), zap.Error(err))
		return
	}
	if p.auditor != nil {
		if _, err := p.auditor.LogEvent(audit.EventDefer, th.ID, "processor", map[string]string{
			"task_id": th.SourceTaskID,
			"reason":  reason,
		}, "deferred"); err != nil {
			p.logger.Error("defer audit failed", zap.String("thought_id", th.ID), zap.Error(err))
		}
	}
	if err := p.tasks.UpdateTaskStatus(th.SourceTaskID, task.StatusDeferred); err != nil {
		p.logger.Error("task deferral failed", zap.String("task_id", th.SourceTaskID), zap.Error(err))
	}
}

func (p *Processor) failThought(th *task.Thought, cause error) {
	p.logger.Error("thought failed", zap.String("thought_id", th.ID), zap.Error(cause))
	if err := p.tasks.UpdateThoughtStatus(th.ID, task.ThoughtFailed, th.RoundNumber+1); err != nil {
		p.logger.Error("thought failure transition failed", zap.String("thought_id", th.ID), zap.Error(err))
		return
	}
	if p.auditor != nil {
		if _, err := p.auditor.LogEvent(audit.EventRoundError, th.ID, "processor", map[string]string{
			"task_id": th.SourceTaskID,
			"error":   cause.Error(),
		}, "failed"); err != nil {
			p.logger.Error("round error audit failed", zap.String("thought_id", th.ID), zap.Error(err))
		}
	}
	if err := p.tasks.UpdateTaskStatus(th.SourceTaskID, task.StatusFailed); err != nil {
		p.logger.Error("task failure transition failed", zap.String("task_id", th.SourceTaskID), zap.Error(err))
	}
}

// settleTask completes the parent task once every one of its thoughts is
// terminal.
func (p *Processor) settleTask(taskID string) {
	terminal, err := p.tasks.TerminalForTask(taskID)
	if err != nil {
		p.logger.Error("task settlement check failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if !terminal {
		return
	}
	if err := p.tasks.UpdateTaskStatus(taskID, task.StatusCompleted); err != nil {
		p.logger.Error("task completion failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
