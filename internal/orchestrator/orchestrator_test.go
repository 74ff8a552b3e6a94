package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/tool-orchestrator/internal/analytics"
	"github.com/codex-k8s/tool-orchestrator/internal/governor"
	"github.com/codex-k8s/tool-orchestrator/internal/limits"
	"github.com/codex-k8s/tool-orchestrator/internal/perfcache"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

type staticSelector struct {
	scores map[string]float64
	boost  float64
	err    error
	calls  atomic.Int32
}

func (s *staticSelector) ScoreTools(_ context.Context, _ string, available []string) ([]ToolScore, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]ToolScore, 0, len(available))
	for _, name := range available {
		score := s.scores[name]
		out = append(out, ToolScore{ToolName: name, BaseScore: score, FinalScore: score, Reasoning: "static"})
	}
	return out, nil
}

func (s *staticSelector) ApplyContextBoost(_ context.Context, scores []ToolScore, _ []tool.ContextItem) ([]ToolScore, error) {
	for i := range scores {
		scores[i].ContextBoost = s.boost
		scores[i].FinalScore += s.boost
	}
	return scores, nil
}

type recordingReporter struct {
	mu     sync.Mutex
	events []analytics.UsageEvent
	err    error
}

func (r *recordingReporter) Report(_ context.Context, events []analytics.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return r.err
}

func echo(name string) tool.Tool {
	return tool.Func(func(_ context.Context, req tool.Request) (any, error) {
		return name + ":" + req.Query, nil
	})
}

func newTestOrchestrator(t *testing.T, opts Options, descs ...tool.Descriptor) *Orchestrator {
	t.Helper()
	catalog, err := tool.NewCatalog(descs...)
	require.NoError(t, err)
	opts.Catalog = catalog
	if opts.Selector == nil {
		opts.Selector = &staticSelector{}
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func resultsByName(results []ToolResult) map[string]ToolResult {
	out := make(map[string]ToolResult, len(results))
	for _, r := range results {
		out[r.ToolName] = r
	}
	return out
}

func TestNewRequiresCatalogAndSelector(t *testing.T) {
	_, err := New(Options{Selector: &staticSelector{}})
	require.ErrorIs(t, err, tool.ErrEmptyCatalog)

	catalog, err := tool.NewCatalog(tool.Descriptor{Name: "a", Tool: echo("a")})
	require.NoError(t, err)
	_, err = New(Options{Catalog: catalog})
	require.Error(t, err)
}

func TestExecuteToolsDependencyScenario(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]map[string]any{}
	capture := func(name string) tool.Tool {
		return tool.Func(func(_ context.Context, req tool.Request) (any, error) {
			mu.Lock()
			seen[name] = req.PreviousResults
			mu.Unlock()
			return name + "-result", nil
		})
	}
	o := newTestOrchestrator(t, Options{MaxConcurrentTools: 2},
		tool.Descriptor{Name: "A", Tool: capture("A")},
		tool.Descriptor{Name: "B", Tool: capture("B"), Dependencies: []string{"A"}},
		tool.Descriptor{Name: "C", Tool: capture("C"), Dependencies: []string{"A"}},
	)

	results := o.ExecuteTools(context.Background(), []string{"A", "B", "C"}, "q", nil)
	require.Len(t, results, 3)

	byName := resultsByName(results)
	for _, name := range []string{"A", "B", "C"} {
		assert.True(t, byName[name].Success, name)
	}
	assert.Equal(t, 0, byName["A"].Metadata[MetaBatch])
	assert.Equal(t, 1, byName["B"].Metadata[MetaBatch])
	assert.Equal(t, 1, byName["C"].Metadata[MetaBatch])
	assert.Empty(t, seen["A"])
	assert.Equal(t, map[string]any{"A": "A-result"}, seen["B"])
	assert.Equal(t, map[string]any{"A": "A-result"}, seen["C"])
	assert.Equal(t, "A", results[0].ToolName)
}

func TestExecuteToolsPreviousResultsHoldSuccessesOnly(t *testing.T) {
	var got map[string]any
	o := newTestOrchestrator(t, Options{},
		tool.Descriptor{Name: "ok", Tool: echo("ok")},
		tool.Descriptor{Name: "bad", Tool: tool.Legacy(func(string) (any, error) { return nil, errors.New("boom") })},
		tool.Descriptor{Name: "last", Dependencies: []string{"ok", "bad"}, Tool: tool.Func(func(_ context.Context, req tool.Request) (any, error) {
			got = req.PreviousResults
			return "done", nil
		})},
	)

	results := o.ExecuteTools(context.Background(), []string{"ok", "bad", "last"}, "q", nil)
	require.Len(t, results, 3)
	assert.Equal(t, map[string]any{"ok": "ok:q"}, got)
	assert.Equal(t, "boom", resultsByName(results)["bad"].ErrorMessage)
}

func TestExecuteToolsCycle(t *testing.T) {
	o := newTestOrchestrator(t, Options{},
		tool.Descriptor{Name: "a", Tool: echo("a"), Dependencies: []string{"b"}},
		tool.Descriptor{Name: "b", Tool: echo("b"), Dependencies: []string{"a"}},
		tool.Descriptor{Name: "c", Tool: echo("c")},
	)

	done := make(chan []ToolResult, 1)
	go func() { done <- o.ExecuteTools(context.Background(), []string{"a", "b", "c"}, "q", nil) }()
	select {
	case results := <-done:
		require.Len(t, results, 3)
		byName := resultsByName(results)
		assert.Equal(t, 0, byName["c"].Metadata[MetaBatch])
		assert.Equal(t, 1, byName["a"].Metadata[MetaBatch])
		assert.Equal(t, 1, byName["b"].Metadata[MetaBatch])
	case <-time.After(5 * time.Second):
		t.Fatal("cyclic plan deadlocked")
	}
}

func TestExecuteToolsTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	o := newTestOrchestrator(t, Options{ToolTimeouts: map[string]time.Duration{"slow": 50 * time.Millisecond}},
		tool.Descriptor{Name: "slow", Tool: tool.Legacy(func(string) (any, error) {
			<-release
			return "late", nil
		})},
		tool.Descriptor{Name: "fast", Tool: echo("fast")},
	)

	start := time.Now()
	results := o.ExecuteTools(context.Background(), []string{"slow", "fast"}, "q", nil)
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	byName := resultsByName(results)
	assert.False(t, byName["slow"].Success)
	assert.Contains(t, byName["slow"].ErrorMessage, "timed out")
	assert.True(t, byName["fast"].Success)
	assert.Less(t, elapsed, time.Second)
}

func TestExecuteToolsConcurrencyBound(t *testing.T) {
	var active, peak atomic.Int32
	track := tool.Func(func(ctx context.Context, _ tool.Request) (any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			current := peak.Load()
			if n <= current || peak.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	var descs []tool.Descriptor
	var names []string
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7"} {
		descs = append(descs, tool.Descriptor{Name: name, Tool: track})
		names = append(names, name)
	}
	o := newTestOrchestrator(t, Options{MaxConcurrentTools: 2}, descs...)

	results := o.ExecuteTools(context.Background(), names, "q", nil)
	require.Len(t, results, len(names))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestExecuteToolsIsolatesFailures(t *testing.T) {
	o := newTestOrchestrator(t, Options{},
		tool.Descriptor{Name: "panics", Tool: tool.Legacy(func(string) (any, error) { panic("kaboom") })},
		tool.Descriptor{Name: "errors", Tool: tool.Legacy(func(string) (any, error) { return nil, errors.New("upstream 502") })},
		tool.Descriptor{Name: "works", Tool: echo("works")},
	)

	results := o.ExecuteTools(context.Background(), []string{"panics", "errors", "works", "missing"}, "q", nil)
	require.Len(t, results, 4)
	byName := resultsByName(results)
	assert.Contains(t, byName["panics"].ErrorMessage, "kaboom")
	assert.Equal(t, "upstream 502", byName["errors"].ErrorMessage)
	assert.True(t, byName["works"].Success)
	assert.Contains(t, byName["missing"].ErrorMessage, "not found in catalog")

	stats := o.GetExecutionStats()
	assert.Len(t, stats, 4)
	assert.EqualValues(t, 1, stats["missing"].TotalExecutions)
	assert.Zero(t, stats["missing"].SuccessfulExecutions)
}

func TestExecuteToolsPlanFailure(t *testing.T) {
	o := newTestOrchestrator(t, Options{}, tool.Descriptor{Name: "a", Tool: echo("a")})

	results := o.ExecuteTools(context.Background(), []string{"a", "a"}, "q", nil)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Contains(t, r.ErrorMessage, "orchestration failed")
	}
	assert.Empty(t, o.ExecuteTools(context.Background(), nil, "q", nil))
}

func TestExecuteToolsRateLimited(t *testing.T) {
	o := newTestOrchestrator(t, Options{Limits: limits.New(map[string]limits.Policy{"a": {MaxTotal: 1}})},
		tool.Descriptor{Name: "a", Tool: echo("a")},
	)

	first := o.ExecuteTools(context.Background(), []string{"a"}, "q", nil)
	second := o.ExecuteTools(context.Background(), []string{"a"}, "q", nil)
	assert.True(t, first[0].Success)
	assert.False(t, second[0].Success)
	assert.Contains(t, second[0].ErrorMessage, limits.ReasonMaxTotal)
	stats := o.GetExecutionStats()["a"]
	assert.EqualValues(t, 2, stats.TotalExecutions, "denied results count as executions")
	assert.EqualValues(t, 1, stats.SuccessfulExecutions)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestCancelExecution(t *testing.T) {
	started := make(chan struct{})
	o := newTestOrchestrator(t, Options{},
		tool.Descriptor{Name: "waits", Tool: tool.Func(func(ctx context.Context, _ tool.Request) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})},
	)
	assert.False(t, o.CancelExecution("waits"))

	done := make(chan []ToolResult, 1)
	go func() { done <- o.ExecuteTools(context.Background(), []string{"waits"}, "q", nil) }()
	<-started
	assert.True(t, o.CancelExecution("waits"))

	results := <-done
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].ErrorMessage, "cancelled")
	assert.Zero(t, o.InFlight())
}

func TestCancelAllExecutions(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	blocking := tool.Func(func(ctx context.Context, _ tool.Request) (any, error) {
		started.Done()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator(t, Options{},
		tool.Descriptor{Name: "x", Tool: blocking},
		tool.Descriptor{Name: "y", Tool: blocking},
	)

	done := make(chan []ToolResult, 1)
	go func() { done <- o.ExecuteTools(context.Background(), []string{"x", "y"}, "q", nil) }()
	started.Wait()
	assert.Equal(t, 2, o.CancelAllExecutions())
	for _, r := range <-done {
		assert.Contains(t, r.ErrorMessage, "cancelled")
	}
}

func TestExecuteToolsFeedback(t *testing.T) {
	cache := perfcache.New(perfcache.Options{})
	perf := perfcache.NewToolPerformanceCache(cache, nil, nil)
	reporter := &recordingReporter{err: errors.New("collector down")}
	gov, err := governor.New(governor.Options{})
	require.NoError(t, err)

	o := newTestOrchestrator(t, Options{Performance: perf, Analytics: reporter, Governor: gov},
		tool.Descriptor{Name: "a", Tool: tool.Func(func(_ context.Context, req tool.Request) (any, error) {
			assert.GreaterOrEqual(t, gov.ActiveExecutions(), 1)
			assert.NotEmpty(t, req.ExecutionID)
			return "ok", nil
		})},
		tool.Descriptor{Name: "b", Tool: tool.Legacy(func(string) (any, error) { return nil, errors.New("nope") })},
	)

	results := o.ExecuteTools(context.Background(), []string{"a", "b"}, "q", nil)
	require.Len(t, results, 2)
	o.Close()

	stats := o.GetExecutionStats()
	assert.EqualValues(t, 1, stats["a"].SuccessfulExecutions)
	assert.EqualValues(t, 0, stats["b"].SuccessfulExecutions)
	assert.Equal(t, 1.0, stats["a"].SuccessRate)

	cached, ok := perf.Get(context.Background(), "b", defaultQueryType)
	require.True(t, ok)
	assert.EqualValues(t, 1, cached.UsageCount)
	assert.Zero(t, cached.SuccessRate)

	reporter.mu.Lock()
	assert.Len(t, reporter.events, 2)
	reporter.mu.Unlock()
	assert.Zero(t, gov.ActiveExecutions())
}

func TestSelectToolsBlendsPerformance(t *testing.T) {
	cache := perfcache.New(perfcache.Options{})
	perf := perfcache.NewToolPerformanceCache(cache, nil, nil)
	cache.Set(perfcache.ToolPerformanceKey("slow", defaultQueryType), perfcache.ToolPerformance{
		SuccessRate: 0.2, QualityScore: 0.1, ResponseTime: 10, UsageCount: 5,
	}, perfcache.CategoryToolPerformance, 0)
	cache.Set(perfcache.ToolPerformanceKey("fast", defaultQueryType), perfcache.ToolPerformance{
		SuccessRate: 1, QualityScore: 1, ResponseTime: 0, UsageCount: 5,
	}, perfcache.CategoryToolPerformance, 0)

	selector := &staticSelector{scores: map[string]float64{"slow": 0.8, "fast": 0.7, "fresh": 0.1}}
	o := newTestOrchestrator(t, Options{Selector: selector, Cache: cache, Performance: perf},
		tool.Descriptor{Name: "slow", Tool: echo("slow")},
		tool.Descriptor{Name: "fast", Tool: echo("fast"), Dependencies: []string{"slow"}},
		tool.Descriptor{Name: "fresh", Tool: echo("fresh")},
	)

	recs, err := o.SelectTools(context.Background(), "find it", nil)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"fast", "slow", "fresh"}, []string{recs[0].ToolName, recs[1].ToolName, recs[2].ToolName})

	// slow: factor = 0.4*0.2 + 0.3*0 + 0.3*0.1 = 0.11
	assert.InDelta(t, 0.8*(0.7+0.3*0.11), recs[1].RelevanceScore, 1e-9)
	assert.InDelta(t, 0.7, recs[0].RelevanceScore, 1e-9)
	assert.Equal(t, []string{"slow"}, recs[0].Dependencies)
	assert.InDelta(t, 1.0, recs[0].ConfidenceLevel, 1e-9)
	assert.Equal(t, 0.5, recs[2].ConfidenceLevel)
	assert.Equal(t, defaultExpectedTime, recs[2].ExpectedExecutionTime)
	assert.Equal(t, 10*time.Second, recs[1].ExpectedExecutionTime)

	again, err := o.SelectTools(context.Background(), "find it", nil)
	require.NoError(t, err)
	assert.Equal(t, recs, again)
	assert.EqualValues(t, 1, selector.calls.Load(), "second call is served from the cache")
}

type countingStore struct {
	calls atomic.Int32
}

func (s *countingStore) FetchToolPerformance(context.Context, string, string) (*perfcache.ToolPerformance, error) {
	s.calls.Add(1)
	return nil, nil
}

func TestSelectToolsLooksUpPerformanceOncePerTool(t *testing.T) {
	store := &countingStore{}
	cache := perfcache.New(perfcache.Options{})
	perf := perfcache.NewToolPerformanceCache(cache, store, nil)
	o := newTestOrchestrator(t, Options{Cache: cache, Performance: perf},
		tool.Descriptor{Name: "a", Tool: echo("a")},
		tool.Descriptor{Name: "b", Tool: echo("b")},
	)

	recs, err := o.SelectTools(context.Background(), "first query", nil)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.EqualValues(t, 2, store.calls.Load())

	_, err = o.SelectTools(context.Background(), "second query", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.calls.Load(), "store misses are remembered")
}

func TestSelectToolsContextBoost(t *testing.T) {
	selector := &staticSelector{scores: map[string]float64{"a": 0.5, "b": 0.6}, boost: 0.2}
	o := newTestOrchestrator(t, Options{Selector: selector},
		tool.Descriptor{Name: "a", Tool: echo("a")},
		tool.Descriptor{Name: "b", Tool: echo("b")},
	)

	recs, err := o.SelectTools(context.Background(), "q", []tool.ContextItem{{Content: "c", Relevance: 1}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ToolName)
	assert.InDelta(t, 0.8, recs[0].RelevanceScore, 1e-9)
	assert.Equal(t, 0.2, recs[0].Metadata["context_boost"])
}

func TestSelectToolsErrors(t *testing.T) {
	selector := &staticSelector{err: errors.New("model offline")}
	o := newTestOrchestrator(t, Options{Selector: selector}, tool.Descriptor{Name: "a", Tool: echo("a")})

	_, err := o.SelectTools(context.Background(), "q", nil)
	var selErr *ToolSelectionError
	require.ErrorAs(t, err, &selErr)
	assert.Equal(t, "q", selErr.Query)
	assert.Equal(t, []string{"a"}, selErr.Available)
	assert.Contains(t, err.Error(), "model offline")

	_, err = o.SelectTools(context.Background(), "", nil)
	require.ErrorAs(t, err, &selErr)
}

func TestRecommendationKeyUsesFirstFiveItems(t *testing.T) {
	items := make([]tool.ContextItem, 6)
	for i := range items {
		items[i] = tool.ContextItem{Content: string(rune('a' + i)), Relevance: 0.5}
	}
	changedTail := append([]tool.ContextItem(nil), items...)
	changedTail[5].Content = "other"
	changedHead := append([]tool.ContextItem(nil), items...)
	changedHead[0].Content = "other"

	assert.Equal(t, RecommendationKey("q", items), RecommendationKey("q", changedTail))
	assert.NotEqual(t, RecommendationKey("q", items), RecommendationKey("q", changedHead))
	assert.NotEqual(t, RecommendationKey("q", items), RecommendationKey("q2", items))
}

func TestTimeoutResolution(t *testing.T) {
	o := newTestOrchestrator(t, Options{
		DefaultTimeout: 7 * time.Second,
		ToolTimeouts:   map[string]time.Duration{"a": time.Second},
	},
		tool.Descriptor{Name: "a", Tool: echo("a"), Timeout: 3 * time.Second},
		tool.Descriptor{Name: "b", Tool: echo("b"), Timeout: 3 * time.Second},
		tool.Descriptor{Name: "c", Tool: echo("c")},
	)
	assert.Equal(t, time.Second, o.TimeoutFor("a"))
	assert.Equal(t, 3*time.Second, o.TimeoutFor("b"))
	assert.Equal(t, 7*time.Second, o.TimeoutFor("c"))
}
