// Package resource samples process and system resource usage against
// configured thresholds and emits signals when a resource crosses into
// warning or critical territory. The sampling shape (periodic tick,
// threshold-crossing-only logging) is generalized from a single
// memory-only monitor into five tracked resource classes.
package resource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ciriscore/agentcore/internal/clock"
)

// Class identifies a tracked resource.
type Class string

const (
	ClassMemory         Class = "memory"
	ClassCPU            Class = "cpu"
	ClassDisk           Class = "disk"
	ClassTokens         Class = "tokens"
	ClassActiveThoughts Class = "active_thoughts"
)

// Action is the response a threshold crossing triggers.
type Action string

const (
	ActionLog      Action = "LOG"
	ActionWarn     Action = "WARN"
	ActionThrottle Action = "THROTTLE"
	ActionDefer    Action = "DEFER"
	ActionReject   Action = "REJECT"
	ActionShutdown Action = "SHUTDOWN"
)

// Threshold configures one resource class's warning/critical boundaries
// and the actions each level triggers.
type Threshold struct {
	Warning         float64
	Critical        float64
	Limit           float64
	WarningAction   Action
	CriticalAction  Action
	CooldownSeconds time.Duration
}

// DefaultThresholds mirrors conservative defaults for a single-process
// agent deployment.
func DefaultThresholds() map[Class]Threshold {
	return map[Class]Threshold{
		ClassMemory:         {Warning: 80, Critical: 90, Limit: 95, WarningAction: ActionWarn, CriticalAction: ActionThrottle, CooldownSeconds: 30 * time.Second},
		ClassCPU:            {Warning: 80, Critical: 95, Limit: 100, WarningAction: ActionWarn, CriticalAction: ActionThrottle, CooldownSeconds: 30 * time.Second},
		ClassDisk:           {Warning: 85, Critical: 95, Limit: 99, WarningAction: ActionWarn, CriticalAction: ActionDefer, CooldownSeconds: 60 * time.Second},
		ClassTokens:         {Warning: 80, Critical: 95, Limit: 100, WarningAction: ActionWarn, CriticalAction: ActionReject, CooldownSeconds: 0},
		ClassActiveThoughts: {Warning: 80, Critical: 100, Limit: 100, WarningAction: ActionLog, CriticalAction: ActionDefer, CooldownSeconds: 0},
	}
}

// Level is the threshold band a sample falls into.
type Level string

const (
	LevelNormal   Level = "NORMAL"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Signal is emitted whenever a resource class's level changes.
type Signal struct {
	Class     Class
	Level     Level
	Action    Action
	UsedPct   float64
	Timestamp time.Time
}

// SignalBus delivers Signals to interested subscribers. Callers such as
// the processor's admission control and the audit trail both subscribe.
type SignalBus struct {
	mu   sync.Mutex
	subs []chan<- Signal
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{}
}

// Subscribe registers ch to receive every future signal. Sends are
// non-blocking; a slow subscriber drops signals rather than stalling
// monitoring.
func (b *SignalBus) Subscribe(ch chan<- Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
}

func (b *SignalBus) publish(sig Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// ActiveCounter reports live counts the monitor cannot sample from the OS
// directly: tokens consumed in the current budget window and thoughts
// currently PENDING or PROCESSING.
type ActiveCounter interface {
	TokensUsedPct() float64
	ActiveThoughtsPct() float64
}

// Snapshot captures the last sampled usage across every tracked class,
// with the warning/critical class names called out. MemoryRSSMB is the
// process's own resident set; CPUAverage1m is the rolling one-minute
// CPU%, alongside the instantaneous figure under UsedPct[ClassCPU].
type Snapshot struct {
	At           time.Time
	UsedPct      map[Class]float64
	MemoryRSSMB  float64
	CPUAverage1m float64
	Warnings     []string
	Critical     []string
}

// DefaultMemoryBudgetMB is the process RSS budget used when the caller
// passes 0.
const DefaultMemoryBudgetMB = 2048

// Monitor periodically samples all five resource classes and publishes
// Signals on level changes. Memory is the process's own RSS measured
// against memBudgetMB; CPU is a /proc/stat delta between ticks.
type Monitor struct {
	thresholds  map[Class]Threshold
	clock       clock.Clock
	bus         *SignalBus
	counters    ActiveCounter
	interval    time.Duration
	memBudgetMB float64
	cpu         cpuSampler

	mu         sync.Mutex
	lastLevel  map[Class]Level
	lastSignal map[Class]time.Time
	lastPct    map[Class]float64
	lastRSSMB  float64
	cpuAvg1m   float64
}

// New creates a Monitor. thresholds of nil uses DefaultThresholds;
// memBudgetMB of 0 uses DefaultMemoryBudgetMB.
func New(thresholds map[Class]Threshold, clk clock.Clock, bus *SignalBus, counters ActiveCounter, interval time.Duration, memBudgetMB float64) *Monitor {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if memBudgetMB <= 0 {
		memBudgetMB = DefaultMemoryBudgetMB
	}
	return &Monitor{
		thresholds:  thresholds,
		clock:       clk,
		bus:         bus,
		counters:    counters,
		interval:    interval,
		memBudgetMB: memBudgetMB,
		lastLevel:   make(map[Class]Level),
		lastSignal:  make(map[Class]time.Time),
		lastPct:     make(map[Class]float64),
	}
}

// Snapshot returns the most recently sampled usage and the classes
// currently in warning or critical territory.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		At:           m.clock.Now(),
		UsedPct:      make(map[Class]float64, len(m.lastPct)),
		MemoryRSSMB:  m.lastRSSMB,
		CPUAverage1m: m.cpuAvg1m,
	}
	for class, pct := range m.lastPct {
		snap.UsedPct[class] = pct
		th, ok := m.thresholds[class]
		if !ok {
			continue
		}
		switch {
		case pct >= th.Critical:
			snap.Critical = append(snap.Critical, string(class))
		case pct >= th.Warning:
			snap.Warnings = append(snap.Warnings, string(class))
		}
	}
	return snap
}

// CheckAvailable is the fast pre-admission check: it reports whether class
// can absorb amount more percentage points without crossing the WARNING
// threshold, so callers back off early rather than slamming into limits.
func (m *Monitor) CheckAvailable(class Class, amountPct float64) bool {
	th, ok := m.thresholds[class]
	if !ok {
		return true
	}
	m.mu.Lock()
	current := m.lastPct[class]
	m.mu.Unlock()
	return current+amountPct < th.Warning
}

// Run samples every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.sampleAll()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleAll()
		}
	}
}

func (m *Monitor) sampleAll() {
	if rssMB, ok := sampleProcessRSSMB(); ok {
		m.mu.Lock()
		m.lastRSSMB = rssMB
		m.mu.Unlock()
		m.evaluate(ClassMemory, rssMB*100/m.memBudgetMB)
	}
	if inst, avg, ok := m.cpu.sample(m.clock.Now()); ok {
		m.mu.Lock()
		m.cpuAvg1m = avg
		m.mu.Unlock()
		m.evaluate(ClassCPU, inst)
	}
	if pct, ok := sampleDiskPct("/"); ok {
		m.evaluate(ClassDisk, pct)
	}
	if m.counters != nil {
		m.evaluate(ClassTokens, m.counters.TokensUsedPct())
		m.evaluate(ClassActiveThoughts, m.counters.ActiveThoughtsPct())
	}
}

func (m *Monitor) evaluate(class Class, usedPct float64) {
	th, ok := m.thresholds[class]
	if !ok {
		return
	}

	level := LevelNormal
	action := ActionLog
	switch {
	case usedPct >= th.Critical:
		level = LevelCritical
		action = th.CriticalAction
	case usedPct >= th.Warning:
		level = LevelWarning
		action = th.WarningAction
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPct[class] = usedPct

	last := m.lastLevel[class]
	if last == level {
		return
	}
	if cd := th.CooldownSeconds; cd > 0 {
		if prev, ok := m.lastSignal[class]; ok && m.clock.Now().Sub(prev) < cd {
			return
		}
	}

	m.lastLevel[class] = level
	m.lastSignal[class] = m.clock.Now()

	m.bus.publish(Signal{Class: class, Level: level, Action: action, UsedPct: usedPct, Timestamp: m.clock.Now()})
}

// sampleProcessRSSMB reads this process's resident set size from
// /proc/self/status.
func sampleProcessRSSMB() (float64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer func() { _ = f.Close() }()

	kb, err := readVmRSSKB(f)
	if err != nil {
		return 0, false
	}
	return float64(kb) / 1024, true
}

func readVmRSSKB(r io.Reader) (uint64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return 0, fmt.Errorf("resource: unexpected VmRSS line %q", line)
		}
		var kb uint64
		if _, err := fmt.Sscanf(parts[1], "%d", &kb); err != nil {
			return 0, fmt.Errorf("resource: parse VmRSS value %q: %w", line, err)
		}
		return kb, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("resource: VmRSS not found")
}

// cpuStat is one /proc/stat aggregate reading.
type cpuStat struct {
	total uint64
	idle  uint64
}

// readCPUStat parses the aggregate "cpu " line of /proc/stat. Idle time
// includes iowait.
func readCPUStat(r io.Reader) (cpuStat, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return cpuStat{}, fmt.Errorf("resource: unexpected cpu line %q", line)
		}
		var stat cpuStat
		for i, field := range fields[1:] {
			var v uint64
			if _, err := fmt.Sscanf(field, "%d", &v); err != nil {
				return cpuStat{}, fmt.Errorf("resource: parse cpu field %q: %w", field, err)
			}
			stat.total += v
			// fields[1:] indices: 0 user, 1 nice, 2 system, 3 idle, 4 iowait.
			if i == 3 || i == 4 {
				stat.idle += v
			}
		}
		return stat, nil
	}
	if err := scanner.Err(); err != nil {
		return cpuStat{}, err
	}
	return cpuStat{}, fmt.Errorf("resource: cpu line not found")
}

type cpuPoint struct {
	at  time.Time
	pct float64
}

// cpuSampler turns successive /proc/stat readings into an instantaneous
// CPU% (delta between the last two ticks) and a rolling one-minute
// average. The first reading only seeds the baseline.
type cpuSampler struct {
	mu      sync.Mutex
	prev    cpuStat
	hasPrev bool
	history []cpuPoint
}

// sample reads /proc/stat and returns the instantaneous and one-minute
// average CPU%. ok is false until a baseline exists or when /proc/stat is
// unreadable (non-Linux hosts).
func (s *cpuSampler) sample(now time.Time) (inst, avg1m float64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer func() { _ = f.Close() }()

	cur, err := readCPUStat(f)
	if err != nil {
		return 0, 0, false
	}
	return s.observe(now, cur)
}

func (s *cpuSampler) observe(now time.Time, cur cpuStat) (inst, avg1m float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasPrev {
		s.prev = cur
		s.hasPrev = true
		return 0, 0, false
	}

	totalDelta := cur.total - s.prev.total
	idleDelta := cur.idle - s.prev.idle
	s.prev = cur
	if totalDelta == 0 {
		return 0, 0, false
	}

	inst = float64(totalDelta-idleDelta) * 100 / float64(totalDelta)
	s.history = append(s.history, cpuPoint{at: now, pct: inst})

	cutoff := now.Add(-time.Minute)
	kept := s.history[:0]
	var sum float64
	for _, p := range s.history {
		if p.at.After(cutoff) {
			kept = append(kept, p)
			sum += p.pct
		}
	}
	s.history = kept
	if len(s.history) > 0 {
		avg1m = sum / float64(len(s.history))
	}
	return inst, avg1m, true
}

func sampleDiskPct(path string) (float64, bool) {
	var stat diskStat
	if !statfs(path, &stat) {
		return 0, false
	}
	if stat.Blocks == 0 {
		return 0, false
	}
	used := stat.Blocks - stat.BlocksFree
	return float64(used) * 100 / float64(stat.Blocks), true
}
