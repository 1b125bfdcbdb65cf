package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AlexKimmel/admitgate/internal/clock"
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed    bool
	Limit      int           // permits per window
	Remaining  int           // permits left in the current window (min 0)
	Waited     time.Duration // time spent queued; 0 on the fast path
	ResetAfter time.Duration // time left until the window rolls over
}

// Limiter is a fixed-window admission controller with a bounded FIFO wait.
// All state changes happen under mu, so at most LimitForPeriod permits are
// granted per window no matter how many goroutines call Acquire.
type Limiter struct {
	name string
	cfg  Config
	clk  clock.Clock

	mu          sync.Mutex
	permits     int
	windowStart time.Time
	waiters     list.List // of *waiter, oldest first
	rollTimer   clock.Timer
}

type waiter struct {
	arrived  time.Time
	deadline time.Time
	ready    chan struct{}
	elem     *list.Element

	// set under Limiter.mu before ready is closed
	granted  bool
	decision Decision
}

// NewLimiter validates cfg and returns a limiter whose first window starts now.
func NewLimiter(name string, cfg Config, clk clock.Clock) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		var ice *InvalidConfigError
		if errors.As(err, &ice) {
			ice.Limiter = name
		}
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		name:        name,
		cfg:         cfg,
		clk:         clk,
		permits:     cfg.LimitForPeriod,
		windowStart: clk.Now(),
	}, nil
}

func (l *Limiter) Name() string   { return l.name }
func (l *Limiter) Config() Config { return l.cfg }

// TryAcquire takes a permit without waiting.
func (l *Limiter) TryAcquire() Decision {
	d, _ := l.Acquire(context.Background(), 0)
	return d
}

// Acquire takes a permit, waiting at most min(timeout, TimeoutDuration) for
// the next window when the current one is exhausted. A caller whose deadline
// falls on the window roll is admitted; one still queued after its deadline is
// rejected and never granted a permit afterwards.
// The error is non-nil only when ctx ends while waiting.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) (Decision, error) {
	wait := min(timeout, l.cfg.TimeoutDuration)

	l.mu.Lock()
	now := l.clk.Now()
	l.roll(now)

	if l.permits > 0 && l.waiters.Len() == 0 {
		l.permits--
		d := l.decision(true, now)
		l.mu.Unlock()
		return d, nil
	}
	if wait <= 0 {
		d := l.decision(false, now)
		l.mu.Unlock()
		return d, nil
	}

	w := &waiter{arrived: now, deadline: now.Add(wait), ready: make(chan struct{})}
	w.elem = l.waiters.PushBack(w)
	l.serve(now)
	l.armRoll(now)
	// Created under mu so the deadline timer exists before the waiter is
	// visible through Waiting.
	timer := l.clk.NewTimer(wait)
	l.mu.Unlock()
	defer timer.Stop()

	var err error
	select {
	case <-w.ready:
		return w.decision, nil
	case <-timer.C():
	case <-ctx.Done():
		err = ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		return w.decision, nil
	}
	l.remove(w)
	if l.waiters.Len() == 0 && l.rollTimer != nil {
		l.rollTimer.Stop()
		l.rollTimer = nil
	}
	now = l.clk.Now()
	d := l.decision(false, now)
	d.Waited = now.Sub(w.arrived)
	return d, err
}

// Remaining reports the permits left in the current window without taking one.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clk.Now().Sub(l.windowStart) >= l.cfg.LimitRefreshPeriod {
		return l.cfg.LimitForPeriod
	}
	return l.permits
}

// Waiting reports how many callers are queued for a permit.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

// roll starts a new window when the current one has elapsed. Callers that
// observe the same stale window all run this under mu, so only the first one
// resets the counter.
func (l *Limiter) roll(now time.Time) {
	if now.Sub(l.windowStart) < l.cfg.LimitRefreshPeriod {
		return
	}
	l.windowStart = now
	l.permits = l.cfg.LimitForPeriod
	l.serve(now)
}

// serve hands free permits to queued callers, oldest first. A waiter whose
// deadline is exactly now still gets a permit; one whose deadline is already
// behind now is dropped and its own timer reports the rejection.
func (l *Limiter) serve(now time.Time) {
	for l.permits > 0 {
		e := l.waiters.Front()
		if e == nil {
			return
		}
		w := e.Value.(*waiter)
		l.remove(w)
		if w.deadline.Before(now) {
			continue
		}
		l.permits--
		w.granted = true
		w.decision = l.decision(true, now)
		w.decision.Waited = now.Sub(w.arrived)
		close(w.ready)
	}
}

func (l *Limiter) armRoll(now time.Time) {
	if l.rollTimer != nil || l.waiters.Len() == 0 {
		return
	}
	l.rollTimer = l.clk.AfterFunc(l.resetAfter(now), l.onRoll)
}

func (l *Limiter) onRoll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollTimer = nil
	now := l.clk.Now()
	l.roll(now)
	l.armRoll(now)
}

func (l *Limiter) remove(w *waiter) {
	if w.elem != nil {
		l.waiters.Remove(w.elem)
		w.elem = nil
	}
}

func (l *Limiter) resetAfter(now time.Time) time.Duration {
	return max(l.windowStart.Add(l.cfg.LimitRefreshPeriod).Sub(now), 0)
}

func (l *Limiter) decision(allowed bool, now time.Time) Decision {
	return Decision{
		Allowed:    allowed,
		Limit:      l.cfg.LimitForPeriod,
		Remaining:  l.permits,
		ResetAfter: l.resetAfter(now),
	}
}
