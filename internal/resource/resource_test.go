package resource

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciriscore/agentcore/internal/clock"
)

func collector(bus *SignalBus) chan Signal {
	ch := make(chan Signal, 16)
	bus.Subscribe(ch)
	return ch
}

func drain(ch chan Signal) []Signal {
	var out []Signal
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

func newTestMonitor(clk clock.Clock) (*Monitor, chan Signal) {
	bus := NewSignalBus()
	ch := collector(bus)
	thresholds := map[Class]Threshold{
		ClassTokens: {Warning: 80, Critical: 95, Limit: 100, WarningAction: ActionWarn, CriticalAction: ActionReject, CooldownSeconds: 30 * time.Second},
	}
	return New(thresholds, clk, bus, nil, time.Second, 0), ch
}

func TestWarningCrossingEmitsWarn(t *testing.T) {
	clk := clock.Frozen{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, ch := newTestMonitor(clk)

	m.evaluate(ClassTokens, 50)
	assert.Empty(t, drain(ch), "below warning emits nothing")

	m.evaluate(ClassTokens, 80)
	sigs := drain(ch)
	require.Len(t, sigs, 1)
	assert.Equal(t, LevelWarning, sigs[0].Level)
	assert.Equal(t, ActionWarn, sigs[0].Action)
}

func TestCriticalCrossingEmitsConfiguredAction(t *testing.T) {
	clk := clock.Frozen{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, ch := newTestMonitor(clk)

	m.evaluate(ClassTokens, 96)
	sigs := drain(ch)
	require.Len(t, sigs, 1)
	assert.Equal(t, LevelCritical, sigs[0].Level)
	assert.Equal(t, ActionReject, sigs[0].Action)
}

func TestCooldownSuppressesRepeatSignals(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := &steppedClock{at: base}
	m, ch := newTestMonitor(clk)

	m.evaluate(ClassTokens, 96)
	require.Len(t, drain(ch), 1)

	// Level flaps back to normal within the cooldown: suppressed.
	clk.at = base.Add(5 * time.Second)
	m.evaluate(ClassTokens, 10)
	assert.Empty(t, drain(ch))

	// After the cooldown the change is delivered.
	clk.at = base.Add(31 * time.Second)
	m.evaluate(ClassTokens, 10)
	assert.Len(t, drain(ch), 1)
}

type steppedClock struct {
	at time.Time
}

func (c *steppedClock) Now() time.Time      { return c.at }
func (c *steppedClock) NowISO() string      { return c.at.Format(time.RFC3339Nano) }
func (c *steppedClock) Timestamp() float64  { return float64(c.at.UnixNano()) / 1e9 }

func TestSnapshotListsWarningsAndCritical(t *testing.T) {
	clk := clock.Frozen{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, _ := newTestMonitor(clk)

	m.evaluate(ClassTokens, 85)
	snap := m.Snapshot()
	assert.Equal(t, 85.0, snap.UsedPct[ClassTokens])
	assert.True(t, contains(snap.Warnings, "tokens"))
	assert.Empty(t, snap.Critical)

	m.evaluate(ClassTokens, 97)
	snap = m.Snapshot()
	assert.True(t, contains(snap.Critical, "tokens"))
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func TestCheckAvailableUsesWarningThreshold(t *testing.T) {
	clk := clock.Frozen{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, _ := newTestMonitor(clk)

	m.evaluate(ClassTokens, 70)
	assert.True(t, m.CheckAvailable(ClassTokens, 5), "70+5 stays under warning 80")
	assert.False(t, m.CheckAvailable(ClassTokens, 15), "70+15 crosses warning 80")
	assert.True(t, m.CheckAvailable(Class("unknown"), 50), "untracked classes admit")
}

func TestTokenWindowRollsOff(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := &steppedClock{at: base}
	w := NewTokenWindow(clk, 1000, 10000)

	w.Record(400)
	clk.at = base.Add(30 * time.Minute)
	w.Record(300)

	assert.Equal(t, int64(700), w.UsedLastHour())
	assert.Equal(t, 70.0, w.UsedPct())

	// First sample ages out of the hour but stays in the day.
	clk.at = base.Add(70 * time.Minute)
	assert.Equal(t, int64(300), w.UsedLastHour())
	assert.Equal(t, int64(700), w.UsedLastDay())

	// Everything ages out of the day.
	clk.at = base.Add(25 * time.Hour)
	assert.Zero(t, w.UsedLastHour())
	assert.Zero(t, w.UsedLastDay())
}

func TestReadVmRSSKB(t *testing.T) {
	input := "Name:\tagentcore\nVmPeak:\t  300000 kB\nVmRSS:\t  262144 kB\nThreads:\t12\n"
	kb, err := readVmRSSKB(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, uint64(262144), kb)

	_, err = readVmRSSKB(strings.NewReader("Name:\tagentcore\nThreads:\t12\n"))
	assert.Error(t, err, "missing VmRSS")
}

func TestReadCPUStat(t *testing.T) {
	input := "cpu  100 0 50 800 50 0 0 0 0 0\ncpu0 50 0 25 400 25 0 0 0 0 0\n"
	stat, err := readCPUStat(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), stat.total)
	assert.Equal(t, uint64(850), stat.idle, "idle includes iowait")

	_, err = readCPUStat(strings.NewReader("intr 123\n"))
	assert.Error(t, err, "missing aggregate cpu line")
}

func TestCPUSamplerDeltasAndAverage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var s cpuSampler

	// First reading only seeds the baseline.
	_, _, ok := s.observe(base, cpuStat{total: 1000, idle: 900})
	assert.False(t, ok)

	// 100 ticks elapsed, 50 of them busy: 50% instantaneous.
	inst, avg, ok := s.observe(base.Add(time.Second), cpuStat{total: 1100, idle: 950})
	require.True(t, ok)
	assert.Equal(t, 50.0, inst)
	assert.Equal(t, 50.0, avg)

	// Another delta at 100% busy; the 1-minute average spans both points.
	inst, avg, ok = s.observe(base.Add(2*time.Second), cpuStat{total: 1200, idle: 950})
	require.True(t, ok)
	assert.Equal(t, 100.0, inst)
	assert.Equal(t, 75.0, avg)

	// Points older than a minute roll off the average.
	inst, avg, ok = s.observe(base.Add(2*time.Minute), cpuStat{total: 1300, idle: 1050})
	require.True(t, ok)
	assert.Equal(t, 0.0, inst)
	assert.Equal(t, 0.0, avg)
}

func TestMonitorMemoryBudget(t *testing.T) {
	clk := clock.Frozen{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	bus := NewSignalBus()
	ch := collector(bus)
	thresholds := map[Class]Threshold{
		ClassMemory: {Warning: 80, Critical: 90, Limit: 95, WarningAction: ActionWarn, CriticalAction: ActionThrottle, CooldownSeconds: 0},
	}
	m := New(thresholds, clk, bus, nil, time.Second, 1024)

	// 900 MB RSS against a 1024 MB budget is ~88%: warning territory.
	m.mu.Lock()
	m.lastRSSMB = 900
	m.mu.Unlock()
	m.evaluate(ClassMemory, 900*100/m.memBudgetMB)

	sigs := drain(ch)
	require.Len(t, sigs, 1)
	assert.Equal(t, LevelWarning, sigs[0].Level)

	snap := m.Snapshot()
	assert.Equal(t, 900.0, snap.MemoryRSSMB)
}
