package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/admitgate/internal/ratelimit"
	"github.com/AlexKimmel/admitgate/internal/routing"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

// Limiter holds the admission settings of one limiter. Unset fields inherit
// from rate_limiter.default, which in turn falls back to 100/1m/500ms.
type Limiter struct {
	LimitForPeriod     *int           `yaml:"limit_for_period"`
	LimitRefreshPeriod *time.Duration `yaml:"limit_refresh_period"`
	TimeoutDuration    *time.Duration `yaml:"timeout_duration"`
}

type RateLimiter struct {
	Default    Limiter            `yaml:"default"`
	RetryAfter time.Duration      `yaml:"retry_after"`
	Limiters   map[string]Limiter `yaml:"limiters"`
}

type Route struct {
	ID      string `yaml:"id"`
	Limiter string `yaml:"limiter"`

	// AdmissionTimeout overrides the limiter's timeout_duration for this route.
	AdmissionTimeout *time.Duration `yaml:"admission_timeout"`

	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

// Stats enables the Redis decision counters when RedisAddr is set.
type Stats struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	RateLimiter   RateLimiter   `yaml:"rate_limiter"`
	Routes        []Route       `yaml:"routes"`
	Stats         Stats         `yaml:"stats"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

// Config resolves l on top of base.
func (l Limiter) Config(base ratelimit.Config) ratelimit.Config {
	if l.LimitForPeriod != nil {
		base.LimitForPeriod = *l.LimitForPeriod
	}
	if l.LimitRefreshPeriod != nil {
		base.LimitRefreshPeriod = *l.LimitRefreshPeriod
	}
	if l.TimeoutDuration != nil {
		base.TimeoutDuration = *l.TimeoutDuration
	}
	return base
}

// DefaultLimiter is the config shared by limiters without overrides.
func (r *Root) DefaultLimiter() ratelimit.Config {
	return r.RateLimiter.Default.Config(ratelimit.DefaultConfig())
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.RateLimiter.RetryAfter <= 0 {
		cfg.RateLimiter.RetryAfter = 60 * time.Second
	}
	if cfg.Stats.Prefix == "" {
		cfg.Stats.Prefix = "admitgate:stats"
	}
	if cfg.Stats.TTL <= 0 {
		cfg.Stats.TTL = 24 * time.Hour
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks limiter settings and that every route names a declared
// limiter, so misconfiguration stops startup.
func (r *Root) Validate() error {
	def := r.DefaultLimiter()
	if err := def.Validate(); err != nil {
		return fmt.Errorf("config: rate_limiter.default: %w", err)
	}
	for name, l := range r.RateLimiter.Limiters {
		if name == "" {
			return errors.New("config: rate_limiter.limiters: empty limiter name")
		}
		if err := l.Config(def).Validate(); err != nil {
			return fmt.Errorf("config: rate_limiter.limiters.%s: %w", name, err)
		}
	}

	seen := map[string]struct{}{}
	for i, rt := range r.Routes {
		where := fmt.Sprintf("config: routes[%d]", i)
		if rt.ID == "" {
			return fmt.Errorf("%s: id is required", where)
		}
		if _, dup := seen[rt.ID]; dup {
			return fmt.Errorf("%s: duplicate id %q", where, rt.ID)
		}
		seen[rt.ID] = struct{}{}
		if _, ok := r.RateLimiter.Limiters[rt.Limiter]; !ok {
			return fmt.Errorf("%s (%s): %w", where, rt.ID, &ratelimit.UnknownLimiterError{Name: rt.Limiter})
		}
		if rt.AdmissionTimeout != nil && *rt.AdmissionTimeout < 0 {
			return fmt.Errorf("%s (%s): admission_timeout must not be negative", where, rt.ID)
		}
		if len(rt.Match.Methods) == 0 {
			return fmt.Errorf("%s (%s): match.methods is required", where, rt.ID)
		}
		u, err := url.Parse(rt.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s (%s): invalid upstream url %q", where, rt.ID, rt.Upstream.URL)
		}
	}
	return nil
}

// Registry registers every declared limiter.
func (r *Root) Registry(opts ...ratelimit.RegistryOption) (*ratelimit.Registry, error) {
	def := r.DefaultLimiter()
	reg, err := ratelimit.NewRegistry(def, opts...)
	if err != nil {
		return nil, err
	}
	for name, l := range r.RateLimiter.Limiters {
		if _, err := reg.RegisterWith(name, l.Config(def)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Router builds the routing table in declaration order.
func (r *Root) Router() (*routing.Router, error) {
	rr := routing.New()
	for _, rt := range r.Routes {
		u, err := url.Parse(rt.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("config: route %s: %w", rt.ID, err)
		}
		methods := make(map[string]struct{}, len(rt.Match.Methods))
		for _, m := range rt.Match.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
		rr.Add(&routing.Route{
			ID:               rt.ID,
			Limiter:          rt.Limiter,
			Methods:          methods,
			Prefix:           rt.Match.PathPrefix,
			UpUrl:            u,
			Timeout:          time.Duration(rt.Upstream.TimeoutMS) * time.Millisecond,
			AdmissionTimeout: rt.AdmissionTimeout,
		})
	}
	return rr, nil
}
