package stats

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis writes hash counters:
//
//	<prefix>:total                 allowed|denied
//	<prefix>:minute:<YYYYMMDDhhmm> allowed|denied, expires after ttl
//	<prefix>:limiter               <name>:allowed|<name>:denied
//	<prefix>:op                    <op>:allowed|<op>:denied
//	<prefix>:route                 <METHOD path>:allowed|denied
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithTTL sets the expiry of per-minute buckets; 0 keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *Redis) { s.ttl = d }
}

func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	s := &Redis{
		rdb:    rdb,
		prefix: "admitgate:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Redis) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	f := field(ev.Allowed)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", f, 1)

	bucketKey := s.prefix + ":minute:" + at.UTC().Format("200601021504")
	pipe.HIncrBy(ctx, bucketKey, f, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if ev.Limiter != "" {
		pipe.HIncrBy(ctx, s.prefix+":limiter", ev.Limiter+":"+f, 1)
	}

	if ev.Op != "" {
		pipe.HIncrBy(ctx, s.prefix+":op", ev.Op+":"+f, 1)
	}

	if route := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path)); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+f, 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}
