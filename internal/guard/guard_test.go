package guard

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/admitgate/internal/clock"
	"github.com/AlexKimmel/admitgate/internal/obs"
	"github.com/AlexKimmel/admitgate/internal/ratelimit"
	"github.com/AlexKimmel/admitgate/internal/stats"
)

type fixture struct {
	guard    *Guard
	limiters *ratelimit.Registry
	clk      *clock.Manual
	stats    *stats.Memory
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, cfg ratelimit.Config, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	limiters, err := ratelimit.NewRegistry(cfg, ratelimit.WithClock(clk))
	require.NoError(t, err)
	_, err = limiters.Register("userApi")
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	mem := stats.NewMemory()
	tracer := obs.NewTracer(zerolog.New(zerolog.SyncWriter(logs)).Level(zerolog.InfoLevel), obs.WithClock(clk))
	g := New(limiters, tracer, append([]Option{WithStats(mem)}, opts...)...)
	return &fixture{guard: g, limiters: limiters, clk: clk, stats: mem, logs: logs}
}

type user struct{ ID int }

type notFound struct{ id int }

func (e *notFound) Error() string   { return "user not found" }
func (e *notFound) StatusCode() int { return 404 }

func TestDo_AdmittedReturnsOperationResult(t *testing.T) {
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 2, LimitRefreshPeriod: time.Minute})

	var seenID string
	got, err := Do(context.Background(), f.guard, "userApi", func(ctx context.Context) (*user, error) {
		seenID, _ = obs.ReqIDFrom(ctx)
		return &user{ID: 7}, nil
	}, WithOperation("getUser"), WithRequest("GET", "/api/v1/users/7"))

	require.NoError(t, err)
	assert.Equal(t, 7, got.ID)
	assert.NotEmpty(t, seenID)
	assert.Contains(t, f.logs.String(), `"result":"admitted"`)
	assert.Contains(t, f.logs.String(), `"req_id":"`+seenID+`"`)
	assert.Contains(t, f.logs.String(), `"op":"getUser"`)
	assert.Equal(t, stats.Counters{Allowed: 1}, f.stats.Total())
}

func TestDo_OperationErrorPassesThroughUnchanged(t *testing.T) {
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 2, LimitRefreshPeriod: time.Minute})
	want := &notFound{id: 9}

	_, err := Do(context.Background(), f.guard, "userApi", func(context.Context) (*user, error) {
		return nil, want
	})

	assert.Same(t, want, err)
	assert.Contains(t, f.logs.String(), `"result":"failed"`)
	assert.Contains(t, f.logs.String(), `"status":404`)
}

func TestDo_RejectedSkipsOperation(t *testing.T) {
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 2, LimitRefreshPeriod: time.Minute})

	calls := 0
	op := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	var errs []error
	for range 3 {
		_, err := Do(context.Background(), f.guard, "userApi", op)
		errs = append(errs, err)
	}

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	require.True(t, ratelimit.IsRateLimited(errs[2]))
	assert.Equal(t, 2, calls)

	var exceeded *ratelimit.ExceededError
	require.True(t, errors.As(errs[2], &exceeded))
	assert.Equal(t, "userApi", exceeded.Limiter)
	assert.Equal(t, 60*time.Second, exceeded.RetryAfter)
	assert.Equal(t, time.Minute, exceeded.ResetAfter)
	assert.Equal(t, 2, exceeded.Limit)
	assert.NotEmpty(t, exceeded.RequestID)

	assert.Contains(t, f.logs.String(), `"message":"rate limit exceeded"`)
	assert.Equal(t, stats.Counters{Allowed: 2, Denied: 1}, f.stats.Total())
}

func TestDo_RetryAfterOverride(t *testing.T) {
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 1, LimitRefreshPeriod: time.Minute}, WithRetryAfter(5*time.Second))
	op := func(context.Context) (int, error) { return 0, nil }

	_, _ = Do(context.Background(), f.guard, "userApi", op)
	_, err := Do(context.Background(), f.guard, "userApi", op)

	var exceeded *ratelimit.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 5*time.Second, exceeded.RetryAfter)
}

func TestDo_UnknownLimiter(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultConfig())

	called := false
	err := f.guard.Run(context.Background(), "reportApi", func(context.Context) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ratelimit.ErrUnknownLimiter)
	assert.False(t, called)
	assert.Contains(t, f.logs.String(), `"result":"error"`)
}

func TestDo_WaitsForNextWindow(t *testing.T) {
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 2, LimitRefreshPeriod: time.Minute, TimeoutDuration: 5 * time.Second})
	lim, err := f.limiters.Get("userApi")
	require.NoError(t, err)
	f.clk.Advance(57 * time.Second)
	require.NoError(t, f.guard.Run(context.Background(), "userApi", func(context.Context) error { return nil }))
	require.NoError(t, f.guard.Run(context.Background(), "userApi", func(context.Context) error { return nil }))

	done := make(chan error, 1)
	go func() {
		done <- f.guard.Run(context.Background(), "userApi", func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return lim.Waiting() == 1 }, time.Second, time.Millisecond)
	f.clk.Advance(3 * time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("guarded call still waiting")
	}
}

func TestDo_TimeoutOverrideMakesCallNonBlocking(t *testing.T) {
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 1, LimitRefreshPeriod: time.Minute, TimeoutDuration: 5 * time.Second})
	op := func(context.Context) error { return nil }

	require.NoError(t, f.guard.Run(context.Background(), "userApi", op))
	err := f.guard.Run(context.Background(), "userApi", op, WithTimeout(0))
	assert.True(t, ratelimit.IsRateLimited(err))
}

func TestDo_CancelledWhileQueued(t *testing.T) {
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 1, LimitRefreshPeriod: time.Minute, TimeoutDuration: 5 * time.Second})
	lim, _ := f.limiters.Get("userApi")
	op := func(context.Context) error { return nil }
	require.NoError(t, f.guard.Run(context.Background(), "userApi", op))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.guard.Run(ctx, "userApi", op) }()
	require.Eventually(t, func() bool { return lim.Waiting() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ratelimit.IsRateLimited(err))
	case <-time.After(time.Second):
		t.Fatal("cancelled call still waiting")
	}
}

func TestDo_PanicEndsSpanAndRepanics(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultConfig())

	assert.PanicsWithValue(t, "boom", func() {
		_ = f.guard.Run(context.Background(), "userApi", func(context.Context) error { panic("boom") })
	})
	assert.Contains(t, f.logs.String(), `"error":"panic: boom"`)
}

func TestDo_ConcurrentCallsHaveOwnSpans(t *testing.T) {
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 1000, LimitRefreshPeriod: time.Minute})

	var mu sync.Mutex
	ids := map[string]int{}
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.guard.Run(context.Background(), "userApi", func(ctx context.Context) error {
				id, _ := obs.ReqIDFrom(ctx)
				mu.Lock()
				ids[id]++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 100)
	for id, n := range ids {
		assert.Equal(t, 1, n, id)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []stats.Event
}

func (l *eventLog) Record(_ context.Context, ev stats.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func TestDo_StatsEventsUseGuardClock(t *testing.T) {
	events := &eventLog{}
	f := newFixture(t, ratelimit.Config{LimitForPeriod: 1, LimitRefreshPeriod: time.Minute}, WithStats(events))
	f.clk.Advance(90 * time.Second)
	op := func(context.Context) (int, error) { return 0, nil }

	_, _ = Do(context.Background(), f.guard, "userApi", op, WithOperation("getUsers"), WithRequest("GET", "/api/v1/users"))
	_, _ = Do(context.Background(), f.guard, "userApi", op, WithOperation("getUsers"))

	want := f.clk.Now()
	require.Len(t, events.events, 2)
	assert.Equal(t, stats.Event{
		Limiter: "userApi", Op: "getUsers", Method: "GET", Path: "/api/v1/users", Allowed: true, At: want,
	}, events.events[0])
	assert.False(t, events.events[1].Allowed)
	assert.Equal(t, want, events.events[1].At)
}
