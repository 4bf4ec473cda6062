// Package clock abstracts time for the scheduling loops so tests can
// drive deadlines and intervals deterministically.
package clock

import "time"

// Clock is the time source used by the daemon loops. Now carries Go's
// monotonic reading, so interval math is immune to wall-clock jumps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production clock backed by the time package.
type Real struct{}

func New() Real { return Real{} }

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
