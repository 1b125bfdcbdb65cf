package ratelimit

import (
	"slices"
	"sync"

	"github.com/AlexKimmel/admitgate/internal/clock"
)

// Registry maps operation names to limiters. Names are registered explicitly
// at startup; Get never creates a limiter, so a typo in a name surfaces as
// ErrUnknownLimiter instead of a silently unconfigured limiter.
//
// The registry lock only guards the map. Each limiter serializes its own
// state, so traffic on one name never contends with another.
type Registry struct {
	clk clock.Clock
	def Config

	mu       sync.RWMutex
	limiters map[string]*Limiter
}

type RegistryOption func(*Registry)

// WithClock sets the clock handed to every limiter.
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clk = c }
}

// NewRegistry validates the shared default config.
func NewRegistry(def Config, opts ...RegistryOption) (*Registry, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		clk:      clock.New(),
		def:      def,
		limiters: make(map[string]*Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Default returns the config shared by limiters registered without override.
func (r *Registry) Default() Config { return r.def }

// Register adds name with the shared config. Registering an existing name
// returns the limiter already there.
func (r *Registry) Register(name string) (*Limiter, error) {
	return r.RegisterWith(name, r.def)
}

// RegisterWith adds name with its own config. The first registration of a
// name wins; later calls return the existing limiter unchanged.
func (r *Registry) RegisterWith(name string, cfg Config) (*Limiter, error) {
	if name == "" {
		return nil, &InvalidConfigError{Field: "name", Reason: "must not be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[name]; ok {
		return l, nil
	}
	l, err := NewLimiter(name, cfg, r.clk)
	if err != nil {
		return nil, err
	}
	r.limiters[name] = l
	return l, nil
}

// Get returns the limiter registered under name.
func (r *Registry) Get(name string) (*Limiter, error) {
	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownLimiterError{Name: name}
	}
	return l, nil
}

// Names lists registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
