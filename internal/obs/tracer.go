package obs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/admitgate/internal/clock"
)

// Result classifies how a guarded call ended.
type Result string

const (
	ResultAdmitted Result = "admitted" // operation ran and succeeded
	ResultRejected Result = "rejected" // limiter refused, operation not run
	ResultFailed   Result = "failed"   // operation ran and returned an error
	ResultError    Result = "error"    // admission itself failed
)

// Labels describe a call for logs and metrics.
type Labels struct {
	Op      string
	Limiter string
	Method  string
	Path    string
}

// Outcome is recorded when a span ends.
type Outcome struct {
	Result Result
	Status int
	Waited time.Duration
	Err    error
}

// Span is the record of one call. It belongs to the goroutine that started it.
type Span struct {
	Labels
	ID       string
	Start    time.Time
	Duration time.Duration
	Outcome  Outcome

	log   zerolog.Logger
	ended atomic.Bool
}

// Tracer stamps calls with a correlation id and measures them.
type Tracer struct {
	clk     clock.Clock
	log     zerolog.Logger
	metrics *Metrics
	newID   func() string
}

type TracerOption func(*Tracer)

// WithClock sets the clock used to time spans. It should be the clock the
// limiters use.
func WithClock(c clock.Clock) TracerOption {
	return func(t *Tracer) { t.clk = c }
}

func WithMetrics(m *Metrics) TracerOption {
	return func(t *Tracer) { t.metrics = m }
}

// WithIDGenerator replaces the default random UUID.
func WithIDGenerator(fn func() string) TracerOption {
	return func(t *Tracer) { t.newID = fn }
}

func NewTracer(log zerolog.Logger, opts ...TracerOption) *Tracer {
	t := &Tracer{
		clk:   clock.New(),
		log:   log,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Clock returns the clock spans are timed with.
func (t *Tracer) Clock() clock.Clock { return t.clk }

// Start opens a span. The returned context carries the correlation id and a
// logger tagged with it, so anything logged through zerolog.Ctx during the call
// is correlated. The context must not outlive the call.
func (t *Tracer) Start(ctx context.Context, labels Labels) (context.Context, *Span) {
	id := t.newID()

	base := t.log
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		base = *l
	}
	log := base.With().Str("req_id", id).Logger()

	s := &Span{
		Labels: labels,
		ID:     id,
		Start:  t.clk.Now(),
		log:    log,
	}

	ctx = WithReqID(ctx, id)
	ctx = log.WithContext(ctx)

	log.Debug().
		Str("op", labels.Op).
		Str("method", labels.Method).
		Str("path", labels.Path).
		Msg("request started")

	return ctx, s
}

// End closes the span and writes the call's single log record. Only the first
// call has any effect.
func (t *Tracer) End(s *Span, out Outcome) {
	if s == nil || !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.Outcome = out
	s.Duration = t.clk.Since(s.Start)

	var ev *zerolog.Event
	msg := "request completed"
	switch out.Result {
	case ResultRejected:
		ev = s.log.Warn()
		msg = "rate limit exceeded"
	case ResultFailed, ResultError:
		ev = s.log.Error().Err(out.Err)
		msg = "request failed"
	default:
		ev = s.log.Info()
	}
	ev.Str("op", s.Op).
		Str("limiter", s.Limiter).
		Str("method", s.Method).
		Str("path", s.Path).
		Int("status", out.Status).
		Str("result", string(out.Result)).
		Dur("wait_ms", out.Waited).
		Dur("dur_ms", s.Duration).
		Msg(msg)

	if t.metrics != nil {
		t.metrics.observe(s)
	}
}
