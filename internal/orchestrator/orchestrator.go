// Package orchestrator selects, plans and executes tools for a query under
// concurrency limits, dependency order and per-tool timeouts.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codex-k8s/tool-orchestrator/internal/analytics"
	"github.com/codex-k8s/tool-orchestrator/internal/governor"
	"github.com/codex-k8s/tool-orchestrator/internal/limits"
	"github.com/codex-k8s/tool-orchestrator/internal/perfcache"
	"github.com/codex-k8s/tool-orchestrator/internal/telemetry"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

const (
	defaultMaxConcurrentTools = 3
	defaultTimeout            = 30 * time.Second
	defaultQueryType          = "general"
	defaultExpectedTime       = time.Second
	recommendationContextSize = 5
	analyticsTimeout          = 10 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	// Catalog lists the available tools. Required.
	Catalog *tool.Catalog
	// Selector scores tools. Required.
	Selector Selector
	// Cache stores recommendations. Optional.
	Cache *perfcache.Cache
	// Performance supplies and receives historical tool performance. Optional.
	Performance *perfcache.ToolPerformanceCache
	// Governor scopes every tool execution. Optional.
	Governor *governor.Governor
	// Limits applies per-tool admission limits. Optional.
	Limits *limits.Store
	// Analytics receives usage events after every chunk. Optional.
	Analytics analytics.Reporter
	// Metrics records Prometheus instruments. Optional.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	// MaxConcurrentTools bounds simultaneously running tools (default 3).
	MaxConcurrentTools int
	// DefaultTimeout applies to tools without an override (default 30s).
	DefaultTimeout time.Duration
	// ToolTimeouts overrides timeouts per tool name.
	ToolTimeouts map[string]time.Duration
	// QueryType is the performance bucket used for blending and feedback
	// (default "general").
	QueryType string
}

type inflight struct {
	tool   string
	cancel context.CancelCauseFunc
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	catalog       *tool.Catalog
	selector      Selector
	cache         *perfcache.Cache
	perf          *perfcache.ToolPerformanceCache
	governor      *governor.Governor
	limits        *limits.Store
	analytics     analytics.Reporter
	metrics       *telemetry.Metrics
	logger        *slog.Logger
	maxConcurrent int
	timeout       time.Duration
	toolTimeouts  map[string]time.Duration
	queryType     string

	// pool bounds running invocations across all ExecuteTools calls.
	pool *semaphore.Weighted

	statsMu sync.Mutex
	stats   map[string]*ExecutionStats

	inflightMu sync.Mutex
	inflight   map[string]inflight

	reporting sync.WaitGroup
}

// New creates an Orchestrator. An empty catalog is an error.
func New(opts Options) (*Orchestrator, error) {
	if opts.Catalog.Len() == 0 {
		return nil, tool.ErrEmptyCatalog
	}
	if opts.Selector == nil {
		return nil, errors.New("selector is required")
	}
	if opts.MaxConcurrentTools <= 0 {
		opts.MaxConcurrentTools = defaultMaxConcurrentTools
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.QueryType == "" {
		opts.QueryType = defaultQueryType
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	timeouts := make(map[string]time.Duration, len(opts.ToolTimeouts))
	for name, timeout := range opts.ToolTimeouts {
		if timeout > 0 {
			timeouts[name] = timeout
		}
	}
	return &Orchestrator{
		catalog:       opts.Catalog,
		selector:      opts.Selector,
		cache:         opts.Cache,
		perf:          opts.Performance,
		governor:      opts.Governor,
		limits:        opts.Limits,
		analytics:     opts.Analytics,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		maxConcurrent: opts.MaxConcurrentTools,
		timeout:       opts.DefaultTimeout,
		toolTimeouts:  timeouts,
		queryType:     opts.QueryType,
		pool:          semaphore.NewWeighted(int64(opts.MaxConcurrentTools)),
		stats:         make(map[string]*ExecutionStats),
		inflight:      make(map[string]inflight),
	}, nil
}

// Catalog returns the tool catalog.
func (o *Orchestrator) Catalog() *tool.Catalog {
	return o.catalog
}

// MaxConcurrentTools returns the pool size.
func (o *Orchestrator) MaxConcurrentTools() int {
	return o.maxConcurrent
}

// TimeoutFor resolves the timeout of a tool: override, descriptor, default.
func (o *Orchestrator) TimeoutFor(name string) time.Duration {
	if timeout, ok := o.toolTimeouts[name]; ok {
		return timeout
	}
	if desc, ok := o.catalog.Get(name); ok && desc.Timeout > 0 {
		return desc.Timeout
	}
	return o.timeout
}

// RecommendationKey hashes the query and the first five context items.
func RecommendationKey(query string, items []tool.ContextItem) string {
	h := sha256.New()
	h.Write([]byte(query))
	for i, item := range items {
		if i == recommendationContextSize {
			break
		}
		h.Write([]byte{0})
		h.Write([]byte(item.Source))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(item.Relevance, 'g', -1, 64)))
		h.Write([]byte{0})
		h.Write([]byte(item.Content))
	}
	return perfcache.Key(perfcache.CategoryToolRecommendations, hex.EncodeToString(h.Sum(nil)))
}

// SelectTools returns recommendations sorted by descending relevance.
// Failures are reported as *ToolSelectionError.
func (o *Orchestrator) SelectTools(ctx context.Context, query string, items []tool.ContextItem) (recs []ToolRecommendation, err error) {
	ctx, span := telemetry.StartSelectSpan(ctx, query, len(items))
	defer func() { telemetry.EndSpan(span, err) }()

	available := o.catalog.Names()
	fail := func(cause error) ([]ToolRecommendation, error) {
		o.metrics.ObserveSelection("error")
		return nil, &ToolSelectionError{Query: query, Available: available, Err: cause}
	}
	if len(available) == 0 {
		return fail(tool.ErrEmptyCatalog)
	}
	if query == "" {
		return fail(errors.New("empty query"))
	}

	key := RecommendationKey(query, items)
	if o.cache != nil {
		if value, ok := o.cache.Get(key, perfcache.CategoryToolRecommendations); ok {
			if cached, ok := value.([]ToolRecommendation); ok {
				o.metrics.ObserveSelection("hit")
				return cloneRecommendations(cached), nil
			}
		}
	}

	scores, perfs, err := o.score(ctx, query, available, items)
	if err != nil {
		return fail(err)
	}

	recs = make([]ToolRecommendation, 0, len(scores))
	for _, score := range scores {
		desc, ok := o.catalog.Get(score.ToolName)
		if !ok {
			continue
		}
		perf, hasPerf := perfs[score.ToolName]
		recs = append(recs, o.recommend(desc, score, perf, hasPerf))
	}

	if o.cache != nil {
		o.cache.Set(key, cloneRecommendations(recs), perfcache.CategoryToolRecommendations, 0)
	}
	o.metrics.ObserveSelection("miss")
	return recs, nil
}

// score runs the selector and blends historical performance. It returns the
// performance looked up per tool so recommendations reuse it.
func (o *Orchestrator) score(ctx context.Context, query string, available []string, items []tool.ContextItem) (scores []ToolScore, perfs map[string]perfcache.ToolPerformance, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("selector panicked: %v", r)
		}
	}()

	scores, err = o.selector.ScoreTools(ctx, query, available)
	if err != nil {
		return nil, nil, fmt.Errorf("score tools: %w", err)
	}
	perfs = make(map[string]perfcache.ToolPerformance, len(scores))
	for i := range scores {
		perf, ok := o.performance(ctx, scores[i].ToolName)
		if !ok {
			continue
		}
		perfs[scores[i].ToolName] = perf
		factor := PerformanceFactor(perf)
		scores[i].PerformanceScore = factor
		scores[i].FinalScore = scores[i].FinalScore * (0.7 + 0.3*factor)
	}
	if len(items) > 0 {
		scores, err = o.selector.ApplyContextBoost(ctx, scores, items)
		if err != nil {
			return nil, nil, fmt.Errorf("apply context boost: %w", err)
		}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].FinalScore > scores[j].FinalScore
	})
	return scores, perfs, nil
}

// PerformanceFactor folds historical performance into [0,1].
func PerformanceFactor(perf perfcache.ToolPerformance) float64 {
	speed := 1 - min(perf.ResponseTime/10, 1)
	return 0.4*perf.SuccessRate + 0.3*speed + 0.3*perf.QualityScore
}

func (o *Orchestrator) performance(ctx context.Context, name string) (perfcache.ToolPerformance, bool) {
	if o.perf == nil {
		return perfcache.ToolPerformance{}, false
	}
	return o.perf.Get(ctx, name, o.queryType)
}

func (o *Orchestrator) recommend(desc tool.Descriptor, score ToolScore, perf perfcache.ToolPerformance, hasPerf bool) ToolRecommendation {
	rec := ToolRecommendation{
		ToolName:              desc.Name,
		RelevanceScore:        min(max(score.FinalScore, 0), 1),
		ExpectedExecutionTime: defaultExpectedTime,
		ConfidenceLevel:       0.5,
		Dependencies:          append([]string(nil), desc.Dependencies...),
		Metadata: map[string]any{
			"base_score":        score.BaseScore,
			"context_boost":     score.ContextBoost,
			"performance_score": score.PerformanceScore,
			"final_score":       score.FinalScore,
			"reasoning":         score.Reasoning,
		},
	}
	if hasPerf && perf.UsageCount > 0 {
		rec.ExpectedExecutionTime = time.Duration(perf.ResponseTime * float64(time.Second))
		rec.ConfidenceLevel = 0.5 + 0.5*perf.SuccessRate
		return rec
	}
	o.statsMu.Lock()
	stats, ok := o.stats[desc.Name]
	if ok && stats.TotalExecutions > 0 {
		rec.ExpectedExecutionTime = stats.AvgExecutionTime
		rec.ConfidenceLevel = 0.5 + 0.5*stats.SuccessRate
	}
	o.statsMu.Unlock()
	return rec
}

func cloneRecommendations(recs []ToolRecommendation) []ToolRecommendation {
	out := make([]ToolRecommendation, len(recs))
	for i, rec := range recs {
		rec.Dependencies = append([]string(nil), rec.Dependencies...)
		rec.Metadata = maps.Clone(rec.Metadata)
		out[i] = rec
	}
	return out
}

// GetExecutionStats returns a copy of the per-tool statistics.
func (o *Orchestrator) GetExecutionStats() map[string]ExecutionStats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	out := make(map[string]ExecutionStats, len(o.stats))
	for name, stats := range o.stats {
		out[name] = *stats
	}
	return out
}

// CancelExecution cancels every in-flight invocation of toolName and reports
// whether any was found.
func (o *Orchestrator) CancelExecution(toolName string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	found := false
	for _, entry := range o.inflight {
		if entry.tool == toolName {
			entry.cancel(errExecutionCancelled)
			found = true
		}
	}
	return found
}

// CancelAllExecutions cancels every in-flight invocation and returns how many
// were cancelled.
func (o *Orchestrator) CancelAllExecutions() int {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	for _, entry := range o.inflight {
		entry.cancel(errExecutionCancelled)
	}
	return len(o.inflight)
}

// InFlight returns the number of registered invocations.
func (o *Orchestrator) InFlight() int {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	return len(o.inflight)
}

// Close waits for pending analytics reports.
func (o *Orchestrator) Close() {
	o.reporting.Wait()
}
