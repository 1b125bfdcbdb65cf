package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Timers due at or
// before the new time fire in deadline order; AfterFunc callbacks run on the
// goroutine calling Advance, outside the clock's lock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*manualTimer
}

type manualTimer struct {
	clk *Manual
	id  uint64
	at  time.Time
	ch  chan time.Time
	fn  func()
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[uint64]*manualTimer)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

func (m *Manual) NewTimer(d time.Duration) Timer {
	return m.add(d, nil)
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	return m.add(d, f)
}

// Timers reports how many timers are pending.
func (m *Manual) Timers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d and fires every timer that became due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	for id, t := range m.timers {
		if !t.at.After(now) {
			due = append(due, t)
			delete(m.timers, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		if t.fn != nil {
			t.fn()
			continue
		}
		select {
		case t.ch <- t.at:
		default:
		}
	}
}

func (m *Manual) add(d time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	m.seq++
	t := &manualTimer{clk: m, id: m.seq, at: m.now.Add(d), fn: fn}
	if fn == nil {
		t.ch = make(chan time.Time, 1)
	}
	if d > 0 {
		m.timers[t.id] = t
		m.mu.Unlock()
		return t
	}
	m.mu.Unlock()

	if fn != nil {
		go fn()
	} else {
		t.ch <- t.at
	}
	return t
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	_, ok := t.clk.timers[t.id]
	delete(t.clk.timers, t.id)
	return ok
}
