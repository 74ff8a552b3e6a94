// Package engine owns the orchestrator, the resource governor and the
// performance cache of one process and wires them together.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codex-k8s/tool-orchestrator/internal/analytics"
	"github.com/codex-k8s/tool-orchestrator/internal/governor"
	"github.com/codex-k8s/tool-orchestrator/internal/limits"
	"github.com/codex-k8s/tool-orchestrator/internal/orchestrator"
	"github.com/codex-k8s/tool-orchestrator/internal/perfcache"
	"github.com/codex-k8s/tool-orchestrator/internal/selector"
	"github.com/codex-k8s/tool-orchestrator/internal/telemetry"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

// Options configures an Engine.
type Options struct {
	// Catalog lists the available tools. Required.
	Catalog *tool.Catalog
	// Selector scores tools. Defaults to the keyword selector.
	Selector orchestrator.Selector
	// Policies are per-tool admission limits.
	Policies map[string]limits.Policy
	// Store is the persistent tool performance source. Optional.
	Store perfcache.MetricsStore
	// Analytics receives usage events. Optional.
	Analytics analytics.Reporter
	// Registerer receives the Prometheus collectors (default registerer when nil).
	Registerer prometheus.Registerer

	// Cache configures the performance cache.
	Cache perfcache.Options
	// RefreshSchedule is the cron spec of the tool metrics refresher.
	RefreshSchedule string

	// Governor configures the resource governor. Logger and clock are
	// inherited when unset.
	Governor governor.Options

	// MaxConcurrentTools bounds simultaneously running tools.
	MaxConcurrentTools int
	// DefaultTimeout applies to tools without an override.
	DefaultTimeout time.Duration
	// ToolTimeouts overrides timeouts per tool name.
	ToolTimeouts map[string]time.Duration
	// QueryType is the performance bucket.
	QueryType string
	// MinRelevance drops recommendations at or below this score.
	MinRelevance float64
	// MaxTools caps how many recommended tools run per query. Zero means all.
	MaxTools int

	Logger *slog.Logger
}

// Request is one query handled by the engine.
type Request struct {
	// SessionID identifies the conversation for memory tracking. Optional.
	SessionID string `json:"session_id,omitempty"`
	// Query is the user query.
	Query string `json:"query"`
	// Context is the caller supplied context list.
	Context []tool.ContextItem `json:"context,omitempty"`
	// MemoryMB is the current conversation context size.
	MemoryMB float64 `json:"memory_mb,omitempty"`
}

// Response is the outcome of Handle.
type Response struct {
	Query           string                            `json:"query"`
	Recommendations []orchestrator.ToolRecommendation `json:"recommendations"`
	Results         []orchestrator.ToolResult         `json:"results"`
	// Degraded reports that tool selection failed and no tool ran.
	Degraded       bool   `json:"degraded"`
	SelectionError string `json:"selection_error,omitempty"`
	// Cached reports that the response came from the response cache.
	Cached bool `json:"cached"`
}

// Engine is the single context object of a process.
type Engine struct {
	cache        *perfcache.Cache
	responses    *perfcache.ResponseCache
	perf         *perfcache.ToolPerformanceCache
	governor     *governor.Governor
	orchestrator *orchestrator.Orchestrator
	refresher    *perfcache.Refresher
	metrics      *telemetry.Metrics
	catalog      *tool.Catalog
	minRelevance float64
	maxTools     int
	logger       *slog.Logger

	ready   atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New builds all components. Background loops start with Start.
func New(opts Options) (*Engine, error) {
	if opts.Catalog == nil || opts.Catalog.Len() == 0 {
		return nil, tool.ErrEmptyCatalog
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Selector == nil {
		opts.Selector = selector.NewKeyword(opts.Catalog)
	}

	metrics, err := telemetry.NewMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}

	cacheOpts := opts.Cache
	cacheOpts.Observer = metrics
	cache := perfcache.New(cacheOpts)
	perf := perfcache.NewToolPerformanceCache(cache, opts.Store, opts.Logger)

	govOpts := opts.Governor
	if govOpts.Logger == nil {
		govOpts.Logger = opts.Logger
	}
	gov, err := governor.New(govOpts)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Catalog:            opts.Catalog,
		Selector:           opts.Selector,
		Cache:              cache,
		Performance:        perf,
		Governor:           gov,
		Limits:             limits.New(opts.Policies),
		Analytics:          opts.Analytics,
		Metrics:            metrics,
		Logger:             opts.Logger,
		MaxConcurrentTools: opts.MaxConcurrentTools,
		DefaultTimeout:     opts.DefaultTimeout,
		ToolTimeouts:       opts.ToolTimeouts,
		QueryType:          opts.QueryType,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cache:        cache,
		responses:    perfcache.NewResponseCache(cache),
		perf:         perf,
		governor:     gov,
		orchestrator: orch,
		metrics:      metrics,
		catalog:      opts.Catalog,
		minRelevance: opts.MinRelevance,
		maxTools:     opts.MaxTools,
		logger:       opts.Logger,
	}

	if opts.Store != nil {
		e.refresher, err = perfcache.NewRefresher(perf, perfcache.RefresherOptions{
			Schedule:  opts.RefreshSchedule,
			Tools:     opts.Catalog.Names,
			QueryType: opts.QueryType,
			Logger:    opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	gov.OnAlert(func(alert governor.ResourceAlert) {
		metrics.ObserveAlert(string(alert.Type), string(alert.Level))
	})
	gov.OnTick(func(usage map[governor.ResourceType]governor.ResourceUsage) {
		if removed := cache.CleanupExpired(); removed > 0 {
			e.logger.Debug("expired cache entries removed", "count", removed)
		}
		for resource, value := range usage {
			metrics.SetResourceUsage(string(resource), value.Value)
		}
	})
	return e, nil
}

// Start launches the monitor loop and the metrics refresher. Calling Start
// on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running.Go(func() {
		e.governor.Run(runCtx)
	})
	if e.refresher != nil {
		e.refresher.Start(runCtx)
	}
	e.ready.Store(true)
	e.logger.Info("engine started", "tools", e.catalog.Len())
}

// Stop halts background loops, cancels in-flight tools and waits for
// pending analytics.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	e.ready.Store(false)
	if cancel != nil {
		cancel()
	}
	e.running.Wait()
	if e.refresher != nil {
		e.refresher.Stop()
	}
	if cancelled := e.orchestrator.CancelAllExecutions(); cancelled > 0 {
		e.logger.Info("in-flight tools cancelled", "count", cancelled)
	}
	e.orchestrator.Close()
	e.logger.Info("engine stopped")
}

// Ready reports whether background loops are running.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Orchestrator returns the owned orchestrator.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator {
	return e.orchestrator
}

// Governor returns the owned resource governor.
func (e *Engine) Governor() *governor.Governor {
	return e.governor
}

// Cache returns the owned performance cache.
func (e *Engine) Cache() *perfcache.Cache {
	return e.cache
}

// Handle answers one query: conversation memory check, response cache
// lookup, tool selection, ordering, execution and response cache store.
// A conversation above its hard limit yields *governor.ResourceLimitError
// even when the answer is cached.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.SessionID != "" && req.MemoryMB > 0 {
		if !e.governor.TrackConversationMemory(req.SessionID, req.MemoryMB) {
			return nil, e.governor.ConversationLimitError(req.MemoryMB)
		}
	}

	if cached, ok := e.responses.Get(req.Query, req.Context); ok {
		if resp, ok := cached.(Response); ok {
			resp = resp.clone()
			resp.Cached = true
			return &resp, nil
		}
	}

	resp := Response{Query: req.Query}
	recs, err := e.orchestrator.SelectTools(ctx, req.Query, req.Context)
	if err != nil {
		var selErr *orchestrator.ToolSelectionError
		if !errors.As(err, &selErr) {
			return nil, err
		}
		e.logger.Warn("tool selection failed", "error", err)
		resp.Degraded = true
		resp.SelectionError = err.Error()
		resp.Recommendations = []orchestrator.ToolRecommendation{}
		resp.Results = []orchestrator.ToolResult{}
		return &resp, nil
	}

	resp.Recommendations = e.orchestrator.OptimizeExecutionOrder(e.filter(recs))
	names := e.withDependencies(resp.Recommendations)
	resp.Results = e.orchestrator.ExecuteTools(ctx, names, req.Query, req.Context)

	if ctx.Err() == nil && allSucceeded(resp.Results) {
		e.responses.Set(req.Query, req.Context, resp.clone(), 0)
	}
	return &resp, nil
}

// clone copies the slices and maps a caller could mutate.
func (r Response) clone() Response {
	r.Recommendations = slices.Clone(r.Recommendations)
	for i := range r.Recommendations {
		r.Recommendations[i].Dependencies = slices.Clone(r.Recommendations[i].Dependencies)
		r.Recommendations[i].Metadata = maps.Clone(r.Recommendations[i].Metadata)
	}
	r.Results = slices.Clone(r.Results)
	for i := range r.Results {
		r.Results[i].Metadata = maps.Clone(r.Results[i].Metadata)
	}
	return r
}

// EndSession stops tracking conversation memory for a session.
func (e *Engine) EndSession(sessionID string) {
	e.governor.ReleaseConversation(sessionID)
}

func (e *Engine) filter(recs []orchestrator.ToolRecommendation) []orchestrator.ToolRecommendation {
	out := make([]orchestrator.ToolRecommendation, 0, len(recs))
	for _, rec := range recs {
		if rec.RelevanceScore <= e.minRelevance {
			continue
		}
		out = append(out, rec)
		if e.maxTools > 0 && len(out) == e.maxTools {
			break
		}
	}
	return out
}

// withDependencies returns the recommended tool names followed by any
// missing transitive dependencies.
func (e *Engine) withDependencies(recs []orchestrator.ToolRecommendation) []string {
	names := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		names = append(names, rec.ToolName)
		seen[rec.ToolName] = struct{}{}
	}
	for i := 0; i < len(names); i++ {
		desc, ok := e.catalog.Get(names[i])
		if !ok {
			continue
		}
		for _, dep := range desc.Dependencies {
			if _, dup := seen[dep]; dup {
				continue
			}
			if _, ok := e.catalog.Get(dep); !ok {
				continue
			}
			seen[dep] = struct{}{}
			names = append(names, dep)
		}
	}
	return names
}

func allSucceeded(results []orchestrator.ToolResult) bool {
	for _, result := range results {
		if !result.Success {
			return false
		}
	}
	return true
}

// Stats is the diagnostics snapshot served on /debug/stats.
type Stats struct {
	System      governor.SystemStats                   `json:"system"`
	Alerts      []governor.ResourceAlert               `json:"alerts"`
	AlertsError string                                 `json:"alerts_error,omitempty"`
	Cache       perfcache.Stats                        `json:"cache"`
	Executions  map[string]orchestrator.ExecutionStats `json:"executions"`
	InFlight    int                                    `json:"in_flight"`
	Ready       bool                                   `json:"ready"`
}

// Stats collects system, limit, cache and execution statistics.
func (e *Engine) Stats(ctx context.Context) Stats {
	stats := Stats{
		System:     e.governor.GetSystemStats(ctx),
		Cache:      e.cache.Stats(),
		Executions: e.orchestrator.GetExecutionStats(),
		InFlight:   e.orchestrator.InFlight(),
		Ready:      e.Ready(),
	}
	alerts, err := e.governor.CheckResourceLimits(ctx)
	if err != nil {
		stats.AlertsError = err.Error()
	}
	if alerts == nil {
		alerts = []governor.ResourceAlert{}
	}
	stats.Alerts = alerts
	return stats
}
