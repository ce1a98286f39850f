package resource

import (
	"sync"
	"time"

	"github.com/ciriscore/agentcore/internal/clock"
)

// TokenWindow tracks rolling token consumption over the last hour and day
// against configured budgets.
type TokenWindow struct {
	mu        sync.Mutex
	clock     clock.Clock
	hourLimit int64
	dayLimit  int64
	samples   []tokenSample
}

type tokenSample struct {
	at time.Time
	n  int64
}

// NewTokenWindow creates a TokenWindow with the given hourly and daily
// budgets; zero means unlimited for that horizon.
func NewTokenWindow(clk clock.Clock, hourLimit, dayLimit int64) *TokenWindow {
	return &TokenWindow{clock: clk, hourLimit: hourLimit, dayLimit: dayLimit}
}

// Record adds n tokens at the current time.
func (w *TokenWindow) Record(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, tokenSample{at: w.clock.Now(), n: n})
	w.pruneLocked()
}

func (w *TokenWindow) pruneLocked() {
	cutoff := w.clock.Now().Add(-24 * time.Hour)
	kept := w.samples[:0]
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept
}

// UsedLastHour returns tokens consumed in the trailing hour.
func (w *TokenWindow) UsedLastHour() int64 {
	return w.usedSince(w.clock.Now().Add(-time.Hour))
}

// UsedLastDay returns tokens consumed in the trailing 24 hours.
func (w *TokenWindow) UsedLastDay() int64 {
	return w.usedSince(w.clock.Now().Add(-24 * time.Hour))
}

func (w *TokenWindow) usedSince(cutoff time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			total += s.n
		}
	}
	return total
}

// UsedPct returns hourly usage as a percentage of the hourly budget, the
// figure the Monitor evaluates against its thresholds. Unlimited budgets
// report zero.
func (w *TokenWindow) UsedPct() float64 {
	if w.hourLimit <= 0 {
		return 0
	}
	return float64(w.UsedLastHour()) * 100 / float64(w.hourLimit)
}
