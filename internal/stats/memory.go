package stats

import (
	"context"
	"maps"
	"sync"
)

type Counters struct {
	Allowed int64
	Denied  int64
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
}

// Memory keeps counters in process. Nothing expires.
type Memory struct {
	mu        sync.Mutex
	total     Counters
	byLimiter map[string]Counters
	byOp      map[string]Counters
}

func NewMemory() *Memory {
	return &Memory{
		byLimiter: make(map[string]Counters),
		byOp:      make(map[string]Counters),
	}
}

func (s *Memory) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)
	c := s.byLimiter[ev.Limiter]
	c.add(ev.Allowed)
	s.byLimiter[ev.Limiter] = c

	if ev.Op != "" {
		c = s.byOp[ev.Op]
		c.add(ev.Allowed)
		s.byOp[ev.Op] = c
	}
	return nil
}

func (s *Memory) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Memory) ByLimiter() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byLimiter)
}

func (s *Memory) ByOp() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byOp)
}
