package perfcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRefreshSchedule refreshes tool metrics every five minutes.
const DefaultRefreshSchedule = "@every 5m"

// Refresher periodically calls RefreshToolMetrics outside request paths.
type Refresher struct {
	cron      *cron.Cron
	perf      *ToolPerformanceCache
	tools     func() []string
	queryType string
	timeout   time.Duration
	logger    *slog.Logger
	stopOnce  sync.Once
}

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	// Schedule is a cron spec (default "@every 5m").
	Schedule string
	// Tools lists the tool names to refresh on every run.
	Tools func() []string
	// QueryType is always reloaded in addition to cached query types.
	QueryType string
	// Timeout bounds one refresh run (default 1m).
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewRefresher registers the refresh job. It does not start it.
func NewRefresher(perf *ToolPerformanceCache, opts RefresherOptions) (*Refresher, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultRefreshSchedule
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	r := &Refresher{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		perf:      perf,
		tools:     opts.Tools,
		queryType: opts.QueryType,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
	}
	if _, err := r.cron.AddFunc(opts.Schedule, r.RunOnce); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", opts.Schedule, err)
	}
	return r, nil
}

// RunOnce refreshes metrics for the configured tools.
func (r *Refresher) RunOnce() {
	if r.tools == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	names := r.tools()
	loaded, err := r.perf.RefreshToolMetrics(ctx, names, r.queryType)
	if err != nil {
		r.logger.Warn("tool metrics refresh aborted", "error", err, "loaded", loaded)
		return
	}
	r.logger.Debug("tool metrics refreshed", "tools", len(names), "loaded", loaded)
}

// Start runs the schedule in the background until ctx is done or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Stop halts the schedule and waits for a running refresh. Safe to call twice.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
	})
}
