package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/AlexKimmel/admitgate/internal/clock"
	"github.com/AlexKimmel/admitgate/internal/config"
	"github.com/AlexKimmel/admitgate/internal/gateway"
	"github.com/AlexKimmel/admitgate/internal/guard"
	"github.com/AlexKimmel/admitgate/internal/obs"
	"github.com/AlexKimmel/admitgate/internal/proxy"
	"github.com/AlexKimmel/admitgate/internal/ratelimit"
	"github.com/AlexKimmel/admitgate/internal/stats"
)

const version = "v0.1.0"

func main() {
	path := flag.String("config", "./config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Str("path", *path).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("admitgate stopped")
	}
	logger.Info().Msg("bye")
}

func run(cfg *config.Root, logger zerolog.Logger) error {
	clk := clock.New()

	limiters, err := cfg.Registry(ratelimit.WithClock(clk))
	if err != nil {
		return err
	}
	def := limiters.Default()
	logger.Info().
		Strs("limiters", limiters.Names()).
		Int("limit_for_period", def.LimitForPeriod).
		Dur("limit_refresh_period", def.LimitRefreshPeriod).
		Dur("timeout_duration", def.TimeoutDuration).
		Msg("rate limiters registered")

	router, err := cfg.Router()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(promReg)
	if err := metrics.TrackLimiters(limiters); err != nil {
		return err
	}

	guardOpts := []guard.Option{guard.WithRetryAfter(cfg.RateLimiter.RetryAfter)}
	if cfg.Stats.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Stats.RedisAddr,
			Password: cfg.Stats.RedisPassword,
			DB:       cfg.Stats.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		guardOpts = append(guardOpts, guard.WithStats(stats.NewRedis(rdb,
			stats.WithPrefix(cfg.Stats.Prefix),
			stats.WithTTL(cfg.Stats.TTL),
		)))
		logger.Info().Str("addr", cfg.Stats.RedisAddr).Msg("admission stats enabled")
	}

	tracer := obs.NewTracer(logger, obs.WithClock(clk), obs.WithMetrics(metrics))
	g := guard.New(limiters, tracer, guardOpts...)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})

	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", proxy.Handler(proxy.NewHTTPTransport()))

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.RouteMatcher(router, skip),
		gateway.Admission(g, skip),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Int("routes", len(router.Routes())).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
			return err
		}
		return nil
	})
	return eg.Wait()
}
