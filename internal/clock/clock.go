// Package clock provides a mockable source of "now" so no component reads
// the system clock directly.
package clock

import "time"

// Clock is injected into every time-dependent component. Production code
// uses Real; tests substitute a Frozen or Stepped clock.
type Clock interface {
	Now() time.Time
	NowISO() string
	Timestamp() float64
}

// Real reads the system clock.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

func (r Real) NowISO() string { return r.Now().Format(time.RFC3339Nano) }

func (r Real) Timestamp() float64 { return float64(r.Now().UnixNano()) / 1e9 }

// Frozen always returns the same instant. Useful for deterministic tests.
type Frozen struct {
	At time.Time
}

func (f Frozen) Now() time.Time { return f.At }

func (f Frozen) NowISO() string { return f.At.Format(time.RFC3339Nano) }

func (f Frozen) Timestamp() float64 { return float64(f.At.UnixNano()) / 1e9 }

// Advance returns a new Frozen clock moved forward by d.
func (f Frozen) Advance(d time.Duration) Frozen {
	return Frozen{At: f.At.Add(d)}
}
