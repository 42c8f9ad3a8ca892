package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	gateway "github.com/logistica/apigateway/internal"
	"github.com/logistica/apigateway/internal/cache"
	"github.com/logistica/apigateway/internal/config"
	"github.com/logistica/apigateway/internal/server"
	"github.com/logistica/apigateway/internal/telemetry"
	"github.com/logistica/apigateway/internal/upstream"
	"github.com/logistica/apigateway/internal/worker"
)

var errNotReady = errors.New("not ready")

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	slog.Info("starting apigateway", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, "apigateway", cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Upstreams
	resolver := &dnscache.Resolver{}
	ups := make([]gateway.Upstream, 0, len(cfg.Upstreams))
	dnsCached := false
	for _, u := range cfg.Upstreams {
		up := u.ToUpstream()
		dnsCached = dnsCached || up.DNSCache
		ups = append(ups, up)
	}
	upstreams, err := upstream.NewRegistry(ups, resolver, metrics)
	if err != nil {
		return err
	}

	// Response cache
	var workers []worker.Worker
	var interceptor *server.Interceptor
	if cfg.Cache.Enabled {
		store, err := cache.NewMemory(cfg.Cache.MaxEntries)
		if err != nil {
			return fmt.Errorf("create cache store: %w", err)
		}
		interceptor = server.NewInterceptor(server.CacheOptions{
			Store:               store,
			TTL:                 cfg.Cache.TTL,
			MaxEntryBytes:       cfg.Cache.MaxEntryBytes,
			StoreErrorResponses: cfg.Cache.StoreErrorResponses,
			Coalesce:            cfg.Cache.Coalesce,
			Metrics:             metrics,
		})
		if metrics != nil {
			workers = append(workers, worker.NewCacheStatsWorker(store, metrics.CacheEntries, cfg.Telemetry.StatsInterval))
		}
	}
	if dnsCached {
		workers = append(workers, worker.NewDNSRefreshWorker(resolver, 0))
	}

	var ready atomic.Bool
	handler := server.New(server.Deps{
		Upstreams: upstreams,
		Cache:     interceptor,
		ReadyCheck: func(context.Context) error {
			if !ready.Load() {
				return errNotReady
			}
			return nil
		},
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		AdminKey:       cfg.Auth.AdminKey,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return worker.NewRunner(workers...).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	ready.Store(true)
	slog.Info("apigateway ready",
		"addr", cfg.Server.Addr,
		"upstreams", upstreams.Len(),
		"cache", cfg.Cache.Enabled,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("apigateway stopped")
	return nil
}

// setupLogging installs the default slog handler selected by cfg.
func setupLogging(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
