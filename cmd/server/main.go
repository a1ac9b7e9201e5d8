package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"bulwark/internal/abuse/captcha"
	abusemetrics "bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/shield"
	"bulwark/internal/abuse/store/kv"
	"bulwark/internal/platform/config"
	"bulwark/internal/platform/health"
	"bulwark/internal/platform/kafka/producer"
	"bulwark/internal/platform/logger"
	platformmetrics "bulwark/internal/platform/metrics"
	"bulwark/internal/platform/redis"
	httptransport "bulwark/internal/transport/http"
	"bulwark/pkg/platform/middleware/auth"
	"bulwark/pkg/platform/middleware/metadata"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	abuseMetrics := abusemetrics.New(reg)
	healthHandler := health.New(cfg.Server.Environment)

	g, ctx := errgroup.WithContext(ctx)

	store, redisClient, err := buildStore(ctx, cfg, abuseMetrics, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		healthHandler.RegisterCheck("redis", redisClient.Health)
		g.Go(func() error { return redisClient.ReportPoolStats(ctx, 15*time.Second) })
	}

	sinks := observability.Multi{observability.NewLogSink(log)}
	if cfg.Kafka.Brokers != "" {
		prod, err := producer.New(producer.Config{
			Brokers:         cfg.Kafka.Brokers,
			Acks:            cfg.Kafka.Acks,
			Retries:         cfg.Kafka.Retries,
			DeliveryTimeout: 5 * time.Second,
		}, log)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = prod.Close(closeCtx)
		}()
		healthHandler.RegisterCheck("kafka", prod.Healthy)
		sinks = append(sinks, observability.NewKafkaSink(prod, cfg.Kafka.ViolationTopic, log))
	}

	rc, err := runtimeconfig.New(runtimeconfig.WithLogger(log))
	if err != nil {
		return fmt.Errorf("runtime config: %w", err)
	}
	if cfg.RuntimeConfigFile != "" {
		watcher := runtimeconfig.NewFileWatcher(rc, cfg.RuntimeConfigFile, runtimeconfig.WithWatcherLogger(log))
		if res := watcher.Load(ctx); res != nil && !res.Success {
			return fmt.Errorf("runtime config file %s rejected: %v", cfg.RuntimeConfigFile, res.Errors)
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}

	deps := shield.Deps{
		Store:           store,
		Runtime:         rc,
		Sink:            sinks,
		Metrics:         abuseMetrics,
		CleanupInterval: cfg.CleanupInterval,
		Logger:          log,
	}
	if cfg.Captcha.Secret != "" {
		deps.Verifier = captcha.NewHTTPVerifier(cfg.Captcha.VerifyURL, cfg.Captcha.Secret)
	}
	sh, err := shield.New(deps)
	if err != nil {
		return err
	}
	g.Go(func() error { return sh.Start(ctx) })

	trusted, err := metadata.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	var upstreamURL *url.URL
	if cfg.Server.UpstreamURL != "" {
		if upstreamURL, err = url.Parse(cfg.Server.UpstreamURL); err != nil {
			return fmt.Errorf("UPSTREAM_URL: %w", err)
		}
	} else {
		log.Warn("UPSTREAM_URL not set, protected routes will answer 502")
	}
	var validator auth.TokenValidator
	if cfg.Auth.JWTSigningKey != "" {
		validator = auth.NewHS256Validator(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer)
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Shield:     sh,
		Health:     healthHandler,
		Metrics:    platformmetrics.New(reg),
		Gatherer:   prometheus.Gatherers{reg, prometheus.DefaultGatherer},
		Metadata:   metadata.NewMiddleware(metadata.Config{TrustedProxies: trusted}),
		Validator:  validator,
		AdminToken: cfg.Server.AdminToken,
		Upstream:   httptransport.NewUpstream(upstreamURL, log),
		Logger:     log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Server.Addr, "upstream", cfg.Server.UpstreamURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if serr := sh.Shutdown(shutdownCtx); err == nil {
			err = serr
		}
		return err
	})
	return g.Wait()
}

// buildStore connects Redis when configured. A failed connection degrades to
// process-local state rather than refusing to start.
func buildStore(ctx context.Context, cfg config.Config, m *abusemetrics.Metrics, log *slog.Logger) (kv.Store, *redis.Client, error) {
	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		log.Warn("shared cache unavailable, using process-local state", "error", err)
		return kv.New(nil, log), nil, nil
	}
	if client == nil {
		return kv.New(nil, log), nil, nil
	}
	store := kv.New(client.Client, log,
		kv.WithOpTimeout(cfg.Redis.OpTimeout),
		kv.WithFallbackHook(m.IncrementCacheFallback),
	)
	return store, client, nil
}
