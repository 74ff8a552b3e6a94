package perfcache

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const defaultQuality = 0.5

// noPerformance marks a store miss so repeated lookups skip the store until
// the entry expires or is refreshed.
type noPerformance struct{}

// ToolPerformanceCache caches ToolPerformance per tool and query type and
// falls back to a MetricsStore on a miss.
type ToolPerformanceCache struct {
	cache  *Cache
	store  MetricsStore
	logger *slog.Logger

	mu sync.Mutex
	// queryTypes indexes the query types cached per tool.
	queryTypes map[string]map[string]struct{}
}

// NewToolPerformanceCache returns a tool-performance view over cache. store may be nil.
func NewToolPerformanceCache(cache *Cache, store MetricsStore, logger *slog.Logger) *ToolPerformanceCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ToolPerformanceCache{
		cache:      cache,
		store:      store,
		logger:     logger,
		queryTypes: make(map[string]map[string]struct{}),
	}
}

// ToolPerformanceKey returns the cache key for tool and query type.
func ToolPerformanceKey(toolName, queryType string) string {
	return Key(CategoryToolPerformance, toolName, queryType)
}

func (t *ToolPerformanceCache) track(toolName, queryType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.queryTypes[toolName]
	if !ok {
		set = make(map[string]struct{})
		t.queryTypes[toolName] = set
	}
	set[queryType] = struct{}{}
}

func (t *ToolPerformanceCache) tracked(toolName string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.queryTypes[toolName]))
	for queryType := range t.queryTypes[toolName] {
		out = append(out, queryType)
	}
	slices.Sort(out)
	return out
}

// Get returns cached performance, loading it from the store on a miss.
// Store failures are logged and reported as a miss. A tool the store has no
// rows for is remembered as a miss.
func (t *ToolPerformanceCache) Get(ctx context.Context, toolName, queryType string) (ToolPerformance, bool) {
	key := ToolPerformanceKey(toolName, queryType)
	if value, ok := t.cache.Get(key, CategoryToolPerformance); ok {
		switch v := value.(type) {
		case ToolPerformance:
			return v, true
		case noPerformance:
			return ToolPerformance{}, false
		}
	}
	if t.store == nil {
		return ToolPerformance{}, false
	}
	return t.load(ctx, toolName, queryType)
}

func (t *ToolPerformanceCache) load(ctx context.Context, toolName, queryType string) (ToolPerformance, bool) {
	perf, err := t.store.FetchToolPerformance(ctx, toolName, queryType)
	if err != nil {
		t.logger.Warn("tool performance fetch failed", "tool", toolName, "query_type", queryType, "error", err)
		return ToolPerformance{}, false
	}
	key := ToolPerformanceKey(toolName, queryType)
	t.track(toolName, queryType)
	if perf == nil {
		t.cache.Set(key, noPerformance{}, CategoryToolPerformance, 0)
		return ToolPerformance{}, false
	}
	t.cache.Set(key, *perf, CategoryToolPerformance, 0)
	return *perf, true
}

// RecordExecution folds one execution outcome into the cached entry as
// running means.
func (t *ToolPerformanceCache) RecordExecution(toolName, queryType string, success bool, elapsed time.Duration) {
	key := ToolPerformanceKey(toolName, queryType)
	t.cache.Update(key, CategoryToolPerformance, func(current any) any {
		perf, ok := current.(ToolPerformance)
		if !ok {
			perf = ToolPerformance{QualityScore: defaultQuality}
		}
		n := float64(perf.UsageCount)
		outcome := 0.0
		if success {
			outcome = 1
		}
		perf.SuccessRate = (perf.SuccessRate*n + outcome) / (n + 1)
		perf.ResponseTime = (perf.ResponseTime*n + elapsed.Seconds()) / (n + 1)
		perf.UsageCount++
		return perf
	})
	t.track(toolName, queryType)
}

// RefreshToolMetrics clears cached entries of the given tools and repopulates
// them from the store. The query types previously cached for a tool, plus
// defaultQueryType, are reloaded. It returns the number of entries loaded.
func (t *ToolPerformanceCache) RefreshToolMetrics(ctx context.Context, toolNames []string, defaultQueryType string) (int, error) {
	loaded := 0
	for _, name := range toolNames {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		queryTypes := t.tracked(name)
		if defaultQueryType != "" && !slices.Contains(queryTypes, defaultQueryType) {
			queryTypes = append(queryTypes, defaultQueryType)
		}
		for _, queryType := range queryTypes {
			t.cache.Delete(ToolPerformanceKey(name, queryType))
		}
		if t.store == nil {
			continue
		}
		for _, queryType := range queryTypes {
			if _, ok := t.load(ctx, name, queryType); ok {
				loaded++
			}
		}
	}
	return loaded, nil
}
