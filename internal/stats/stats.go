// Package stats keeps best-effort counters of admission decisions. A failing
// recorder is logged by the caller and never changes a decision.
package stats

import (
	"context"
	"time"
)

// Event is one admission decision.
type Event struct {
	Limiter string
	Op      string
	Method  string
	Path    string
	Allowed bool
	At      time.Time
}

// Recorder persists decision events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

func field(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
