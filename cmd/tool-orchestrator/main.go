package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codex-k8s/tool-orchestrator/configs"
	"github.com/codex-k8s/tool-orchestrator/internal/analytics"
	"github.com/codex-k8s/tool-orchestrator/internal/app"
	"github.com/codex-k8s/tool-orchestrator/internal/config"
	"github.com/codex-k8s/tool-orchestrator/internal/constants"
	"github.com/codex-k8s/tool-orchestrator/internal/dsl"
	"github.com/codex-k8s/tool-orchestrator/internal/engine"
	"github.com/codex-k8s/tool-orchestrator/internal/governor"
	"github.com/codex-k8s/tool-orchestrator/internal/http/health"
	"github.com/codex-k8s/tool-orchestrator/internal/log"
	"github.com/codex-k8s/tool-orchestrator/internal/metricsstore/postgres"
	"github.com/codex-k8s/tool-orchestrator/internal/metricsstore/sqlite"
	"github.com/codex-k8s/tool-orchestrator/internal/perfcache"
	"github.com/codex-k8s/tool-orchestrator/internal/runtime"
	"github.com/codex-k8s/tool-orchestrator/internal/security"
	"github.com/codex-k8s/tool-orchestrator/internal/startup"
	"github.com/codex-k8s/tool-orchestrator/internal/telemetry"
	"github.com/codex-k8s/tool-orchestrator/internal/timeutil"
)

// version is set at build time.
var version = "dev"

// store is a metrics store that also accepts usage reports.
type store interface {
	perfcache.MetricsStore
	analytics.Reporter
}

func main() {
	embeddedConfig := flag.String("embedded-config", "", "Use embedded config from configs/ (filename)")
	query := flag.String("query", "", "Handle one query, print the JSON response and exit")
	session := flag.String("session", "", "Session id for -query")
	memoryMB := flag.Float64("memory-mb", 0, "Conversation context size in MB for -query")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.LogLevel)

	var rendered []byte
	if *embeddedConfig != "" {
		raw, err := configs.Load(*embeddedConfig)
		if err != nil {
			logger.Error("load embedded config failed", "error", err, "available", configs.Names())
			os.Exit(1)
		}
		rendered, err = dsl.RenderBytes(*embeddedConfig, raw)
	} else {
		rendered, err = dsl.RenderFile(cfg.ConfigPath)
	}
	if err != nil {
		logger.Error("render config failed", "error", err)
		os.Exit(1)
	}

	dslCfg, err := dsl.Load(rendered)
	if err != nil {
		logger.Error("parse config failed", "error", err)
		os.Exit(1)
	}
	if cfg.Listen != "" {
		dslCfg.Server.Listen = cfg.Listen
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		logger.Warn("shutdown requested", "signal", sig.String())
		cancel()
	}()

	oneShot := request{enabled: *query != "", req: engine.Request{SessionID: *session, Query: *query, MemoryMB: *memoryMB}}
	if err := run(baseCtx, cfg, dslCfg, oneShot, logger); err != nil {
		logger.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

type request struct {
	enabled bool
	req     engine.Request
}

func run(ctx context.Context, envCfg config.Config, dslCfg *dsl.Config, oneShot request, logger *slog.Logger) error {
	if err := startup.Run(ctx, dslCfg.Server.StartupHooks, logger); err != nil {
		return err
	}

	tracer, err := telemetry.NewTracerProvider(ctx, telemetry.TracingOptions{
		Enabled:        dslCfg.Tracing.Enabled,
		Endpoint:       dslCfg.Tracing.Endpoint,
		Insecure:       dslCfg.Tracing.Insecure,
		SampleRate:     dslCfg.Tracing.SampleRate,
		ServiceName:    dslCfg.Tracing.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	if tracer.Enabled() {
		logger.Info("tracing enabled", "endpoint", dslCfg.Tracing.Endpoint, "sample_rate", dslCfg.Tracing.SampleRate)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), envCfg.ShutdownTimeout)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	toolset, err := runtime.Builder{Logger: logger, Version: version}.Build(dslCfg)
	if err != nil {
		return fmt.Errorf("build tools: %w", err)
	}
	defer closeWith(logger, "tools", toolset)

	metricsStore, poolUsage, closeStore, err := openStore(ctx, dslCfg.MetricsStore, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reporter, closeReporter, err := buildReporter(dslCfg.Analytics, metricsStore, logger)
	if err != nil {
		return err
	}
	defer closeReporter()

	limits := make([]governor.ResourceLimit, 0, len(dslCfg.Resources.Limits))
	for _, limit := range dslCfg.Resources.Limits {
		limits = append(limits, limit.ResourceLimit())
	}

	opts := engine.Options{
		Catalog:    toolset.Catalog,
		Policies:   toolset.Policies,
		Analytics:  reporter,
		Registerer: prometheus.DefaultRegisterer,
		Cache: perfcache.Options{
			MaxSize:      dslCfg.Cache.MaxSize,
			DefaultTTL:   timeutil.ParseDurationOrDefault(dslCfg.Cache.DefaultTTL, 0),
			CategoryTTLs: dslCfg.Cache.CategoryTTLDurations(),
		},
		RefreshSchedule: dslCfg.Cache.RefreshSchedule,
		Governor: governor.Options{
			Limits:           limits,
			Sampler:          buildSampler(dslCfg.Resources, logger),
			DBPoolUsage:      poolUsage,
			MonitorInterval:  timeutil.ParseDurationOrDefault(dslCfg.Resources.MonitorInterval, 0),
			ErrorBackoff:     timeutil.ParseDurationOrDefault(dslCfg.Resources.ErrorBackoff, 0),
			HistoryRetention: timeutil.ParseDurationOrDefault(dslCfg.Resources.HistoryRetention, 0),
		},
		MaxConcurrentTools: dslCfg.Orchestrator.MaxConcurrentTools,
		DefaultTimeout:     dslCfg.Orchestrator.TimeoutDuration(),
		ToolTimeouts:       dslCfg.Orchestrator.ToolTimeoutDurations(),
		QueryType:          dslCfg.Orchestrator.QueryType,
		MinRelevance:       dslCfg.Orchestrator.MinRelevance,
		MaxTools:           dslCfg.Orchestrator.MaxTools,
		Logger:             logger,
	}
	if metricsStore != nil {
		opts.Store = metricsStore
	}

	eng, err := engine.New(opts)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	eng.Start(ctx)
	defer eng.Stop()

	if oneShot.enabled {
		resp, err := eng.Handle(ctx, oneShot.req)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	application, err := app.New(ctx, dslCfg.Server, map[string]http.Handler{
		"/metrics":     promhttp.Handler(),
		"/debug/stats": health.Stats(eng.Stats),
	}, eng.Ready, logger, envCfg.ShutdownTimeout)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

func openStore(ctx context.Context, cfg dsl.MetricsStoreConfig, logger *slog.Logger) (store, func() (float64, bool), func(), error) {
	switch cfg.Driver {
	case constants.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		st, err := postgres.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if cfg.Migrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		logger.Info("metrics store connected", "driver", cfg.Driver, "dsn", security.RedactDSN(cfg.DSN))
		return st, postgres.PoolUsage(pool), pool.Close, nil
	case constants.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("metrics store opened", "driver", cfg.Driver, "path", cfg.DSN)
		return st, nil, func() { closeWith(logger, "metrics store", st) }, nil
	default:
		return nil, nil, func() {}, nil
	}
}

func buildReporter(cfg dsl.AnalyticsConfig, st store, logger *slog.Logger) (analytics.Reporter, func(), error) {
	noop := func() {}
	switch cfg.Sink {
	case constants.SinkLog:
		return analytics.NewLogReporter(logger), noop, nil
	case constants.SinkNATS:
		reporter, err := analytics.ConnectNATS(cfg.URL, cfg.Subject, logger)
		if err != nil {
			return nil, nil, err
		}
		return reporter, func() { closeWith(logger, "analytics", reporter) }, nil
	case constants.SinkStore:
		if st == nil {
			return nil, nil, errors.New("analytics sink store requires a metrics store")
		}
		return st, noop, nil
	default:
		return nil, noop, nil
	}
}

func buildSampler(cfg dsl.ResourcesConfig, logger *slog.Logger) governor.Sampler {
	if cfg.SystemSampling != nil && !*cfg.SystemSampling {
		return nil
	}
	sampler, err := governor.NewProcSampler()
	if err != nil {
		logger.Warn("system sampling disabled", "error", err)
		return nil
	}
	return sampler
}

func closeWith(logger *slog.Logger, name string, closer io.Closer) {
	if err := closer.Close(); err != nil {
		logger.Warn("close failed", "component", name, "error", err)
	}
}
