// Package guard admits calls through a named limiter and traces them.
//
// A guarded call opens a span, asks the limiter for a permit and then either
// runs the operation or returns a *ratelimit.ExceededError without running
// it. On the admitted path the operation's result and error come back
// untouched.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/admitgate/internal/obs"
	"github.com/AlexKimmel/admitgate/internal/ratelimit"
	"github.com/AlexKimmel/admitgate/internal/stats"
)

// DefaultRetryAfter is the fixed backoff advertised on rejection.
const DefaultRetryAfter = 60 * time.Second

// statusClientClosed is logged when the caller's context ends while queued.
const statusClientClosed = 499

// Operation is the unit of work a guard protects.
type Operation[T any] func(ctx context.Context) (T, error)

// StatusCoder lets results and errors report the status to record for a call.
type StatusCoder interface {
	StatusCode() int
}

type Guard struct {
	limiters   *ratelimit.Registry
	tracer     *obs.Tracer
	stats      stats.Recorder
	retryAfter time.Duration
}

type Option func(*Guard)

// WithStats records every admission decision. Recording errors are logged.
func WithStats(r stats.Recorder) Option {
	return func(g *Guard) { g.stats = r }
}

// WithRetryAfter replaces DefaultRetryAfter.
func WithRetryAfter(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.retryAfter = d
		}
	}
}

func New(limiters *ratelimit.Registry, tracer *obs.Tracer, opts ...Option) *Guard {
	g := &Guard{
		limiters:   limiters,
		tracer:     tracer,
		retryAfter: DefaultRetryAfter,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type call struct {
	labels     obs.Labels
	timeout    time.Duration
	hasTimeout bool
}

type CallOption func(*call)

// WithTimeout overrides the limiter's TimeoutDuration for one call. The
// configured value still caps it.
func WithTimeout(d time.Duration) CallOption {
	return func(c *call) {
		c.timeout = d
		c.hasTimeout = true
	}
}

// WithOperation labels the call; the limiter name is used otherwise.
func WithOperation(op string) CallOption {
	return func(c *call) { c.labels.Op = op }
}

// WithRequest attaches transport labels to the call's log record.
func WithRequest(method, path string) CallOption {
	return func(c *call) {
		c.labels.Method = method
		c.labels.Path = path
	}
}

// Do runs op if the limiter registered as name admits the call.
func Do[T any](ctx context.Context, g *Guard, name string, op Operation[T], opts ...CallOption) (res T, err error) {
	c := call{labels: obs.Labels{Op: name, Limiter: name}}
	for _, opt := range opts {
		opt(&c)
	}

	ctx, span := g.tracer.Start(ctx, c.labels)

	lim, err := g.limiters.Get(name)
	if err != nil {
		g.tracer.End(span, obs.Outcome{Result: obs.ResultError, Status: http.StatusInternalServerError, Err: err})
		return res, err
	}

	timeout := lim.Config().TimeoutDuration
	if c.hasTimeout {
		timeout = c.timeout
	}
	dec, err := lim.Acquire(ctx, timeout)
	g.record(ctx, c.labels, dec.Allowed)

	if !dec.Allowed {
		if err != nil {
			g.tracer.End(span, obs.Outcome{Result: obs.ResultError, Status: statusClientClosed, Waited: dec.Waited, Err: err})
			return res, err
		}
		exceeded := &ratelimit.ExceededError{
			Limiter:    name,
			RequestID:  span.ID,
			Limit:      dec.Limit,
			RetryAfter: g.retryAfter,
			ResetAfter: dec.ResetAfter,
		}
		g.tracer.End(span, obs.Outcome{Result: obs.ResultRejected, Status: exceeded.StatusCode(), Waited: dec.Waited})
		return res, exceeded
	}

	defer func() {
		if r := recover(); r != nil {
			g.tracer.End(span, obs.Outcome{
				Result: obs.ResultFailed,
				Status: http.StatusInternalServerError,
				Waited: dec.Waited,
				Err:    fmt.Errorf("panic: %v", r),
			})
			panic(r)
		}
	}()

	res, err = op(ctx)

	out := obs.Outcome{Result: obs.ResultAdmitted, Status: statusOf(res, err), Waited: dec.Waited}
	if err != nil {
		out.Result = obs.ResultFailed
		out.Err = err
	}
	g.tracer.End(span, out)
	return res, err
}

// Run is Do for operations without a result.
func (g *Guard) Run(ctx context.Context, name string, op func(ctx context.Context) error, opts ...CallOption) error {
	_, err := Do(ctx, g, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

func (g *Guard) record(ctx context.Context, labels obs.Labels, allowed bool) {
	if g.stats == nil {
		return
	}
	ev := stats.Event{
		Limiter: labels.Limiter,
		Op:      labels.Op,
		Method:  labels.Method,
		Path:    labels.Path,
		Allowed: allowed,
		At:      g.tracer.Clock().Now(),
	}
	if err := g.stats.Record(context.WithoutCancel(ctx), ev); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("admission stats not recorded")
	}
}

func statusOf(res any, err error) int {
	var sc StatusCoder
	if err != nil {
		if errors.As(err, &sc) {
			return sc.StatusCode()
		}
		return http.StatusInternalServerError
	}
	if sc, ok := res.(StatusCoder); ok && sc.StatusCode() > 0 {
		return sc.StatusCode()
	}
	return http.StatusOK
}
