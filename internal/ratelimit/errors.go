package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is matched by every *InvalidConfigError.
	ErrInvalidConfig = errors.New("ratelimit: invalid config")

	// ErrUnknownLimiter is returned for names that were never registered.
	ErrUnknownLimiter = errors.New("ratelimit: unknown limiter")

	// ErrRateLimited is matched by every *ExceededError.
	ErrRateLimited = errors.New("ratelimit: rate limit exceeded")
)

// InvalidConfigError names the offending setting.
type InvalidConfigError struct {
	Limiter string
	Field   string
	Reason  string
}

func (e *InvalidConfigError) Error() string {
	if e.Limiter != "" {
		return fmt.Sprintf("ratelimit: invalid config for %q: %s %s", e.Limiter, e.Field, e.Reason)
	}
	return fmt.Sprintf("ratelimit: invalid config: %s %s", e.Field, e.Reason)
}

func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// UnknownLimiterError carries the name that failed lookup.
type UnknownLimiterError struct {
	Name string
}

func (e *UnknownLimiterError) Error() string {
	return fmt.Sprintf("ratelimit: unknown limiter %q", e.Name)
}

func (e *UnknownLimiterError) Unwrap() error { return ErrUnknownLimiter }

// ExceededError is the uniform rejection handed back instead of running a
// guarded operation. It is an expected outcome under load, not a defect.
type ExceededError struct {
	Limiter   string
	RequestID string
	Limit     int

	// RetryAfter is the fixed backoff advertised to clients.
	RetryAfter time.Duration

	// ResetAfter is the time left in the limiter's current window when the
	// call was rejected.
	ResetAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("ratelimit: limiter %q exceeded, retry after %s", e.Limiter, e.RetryAfter)
}

func (e *ExceededError) Unwrap() error { return ErrRateLimited }

// StatusCode maps the rejection to HTTP 429.
func (e *ExceededError) StatusCode() int { return 429 }

// IsRateLimited reports whether err is, or wraps, a rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
