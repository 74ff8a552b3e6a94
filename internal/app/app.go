// Package app runs the diagnostics HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/codex-k8s/tool-orchestrator/internal/dsl"
	"github.com/codex-k8s/tool-orchestrator/internal/http/health"
	"github.com/codex-k8s/tool-orchestrator/internal/timeutil"
)

// App controls the HTTP server lifecycle.
type App struct {
	baseCtx         context.Context
	server          *http.Server
	health          *health.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New initializes the HTTP server with health endpoints and extra routes.
// ready is consulted by /readyz in addition to the server state.
func New(baseCtx context.Context, serverCfg dsl.ServerConfig, routes map[string]http.Handler, ready func() bool, logger *slog.Logger, shutdownTimeout time.Duration) (*App, error) {
	if baseCtx == nil {
		return nil, fmt.Errorf("base context is nil")
	}
	if strings.TrimSpace(serverCfg.Listen) == "" {
		return nil, fmt.Errorf("listen address is empty")
	}

	healthHandler := health.New(ready)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.Healthz)
	mux.HandleFunc("/readyz", healthHandler.Readyz)
	for path, route := range routes {
		if strings.TrimSpace(path) == "" || route == nil {
			continue
		}
		mux.Handle(path, route)
	}

	srv := &http.Server{
		Addr:         serverCfg.Listen,
		Handler:      mux,
		ReadTimeout:  timeutil.ParseDurationOrDefault(serverCfg.ReadTimeout, 15*time.Second),
		WriteTimeout: timeutil.ParseDurationOrDefault(serverCfg.WriteTimeout, 15*time.Second),
		IdleTimeout:  timeutil.ParseDurationOrDefault(serverCfg.IdleTimeout, 60*time.Second),
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	if shutdownTimeout == 0 {
		shutdownTimeout = timeutil.ParseDurationOrDefault(serverCfg.ShutdownTimeout, 10*time.Second)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &App{
		baseCtx:         baseCtx,
		server:          srv,
		health:          healthHandler,
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run starts the HTTP server and blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		a.health.SetReady()
		a.logger.Info("http server started", "addr", listener.Addr().String())
		errCh <- a.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
		return a.shutdown()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		a.logger.Error("http server error", "error", err)
		return err
	}
}

func (a *App) shutdown() error {
	a.health.SetNotReady()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.baseCtx), a.shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
