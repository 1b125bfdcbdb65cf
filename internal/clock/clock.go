// Package clock provides the time source shared by limiters and the request
// tracer, so window accounting and latency measurement agree on elapsed time.
package clock

import "time"

// Clock is a source of monotonic time and timers.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the limiters need.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type system struct{}

// New returns a Clock backed by the time package.
func New() Clock { return system{} }

func (system) Now() time.Time                  { return time.Now() }
func (system) Since(t time.Time) time.Duration { return time.Since(t) }

func (system) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

func (system) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

// C is nil for timers created by AfterFunc.
func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }
