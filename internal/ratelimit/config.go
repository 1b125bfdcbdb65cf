package ratelimit

import "time"

// Defaults used by the service when a setting is left empty.
const (
	DefaultLimitForPeriod     = 100
	DefaultLimitRefreshPeriod = time.Minute
	DefaultTimeoutDuration    = 500 * time.Millisecond
)

// Config is the admission policy of a limiter. It is shared by value and never
// mutated after construction.
type Config struct {
	LimitForPeriod     int           // permits granted per window
	LimitRefreshPeriod time.Duration // window length
	TimeoutDuration    time.Duration // max wait for a permit; 0 means never wait
}

// DefaultConfig returns 100 permits per minute with a 500ms wait.
func DefaultConfig() Config {
	return Config{
		LimitForPeriod:     DefaultLimitForPeriod,
		LimitRefreshPeriod: DefaultLimitRefreshPeriod,
		TimeoutDuration:    DefaultTimeoutDuration,
	}
}

// Validate reports the first invalid field as an *InvalidConfigError.
func (c Config) Validate() error {
	switch {
	case c.LimitForPeriod <= 0:
		return &InvalidConfigError{Field: "limitForPeriod", Reason: "must be positive"}
	case c.LimitRefreshPeriod <= 0:
		return &InvalidConfigError{Field: "limitRefreshPeriod", Reason: "must be positive"}
	case c.TimeoutDuration < 0:
		return &InvalidConfigError{Field: "timeoutDuration", Reason: "must not be negative"}
	}
	return nil
}
