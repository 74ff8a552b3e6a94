package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/tool-orchestrator/internal/governor"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

type calls struct {
	search    atomic.Int32
	summarize atomic.Int32
	weather   atomic.Int32
}

func newTestEngine(t *testing.T, c *calls, mutate func(*Options)) *Engine {
	t.Helper()
	catalog, err := tool.NewCatalog(
		tool.Descriptor{
			Name:        "search",
			Description: "find documents",
			Tool: tool.Func(func(_ context.Context, req tool.Request) (any, error) {
				c.search.Add(1)
				return "docs for " + req.Query, nil
			}),
		},
		tool.Descriptor{
			Name:         "summarize",
			Description:  "summarize documents",
			Dependencies: []string{"search"},
			Tool: tool.Func(func(_ context.Context, req tool.Request) (any, error) {
				c.summarize.Add(1)
				prev, ok := req.PreviousResults["search"]
				if !ok {
					return nil, errors.New("search result missing")
				}
				return "summary of " + prev.(string), nil
			}),
		},
		tool.Descriptor{
			Name:        "weather",
			Description: "weather forecast",
			Tool: tool.Func(func(_ context.Context, _ tool.Request) (any, error) {
				c.weather.Add(1)
				return nil, errors.New("station offline")
			}),
		},
	)
	require.NoError(t, err)

	opts := Options{
		Catalog:    catalog,
		Registerer: prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func TestHandleRunsSelectedToolsWithDependencies(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t, c, nil)

	resp, err := e.Handle(context.Background(), Request{Query: "summarize"})
	require.NoError(t, err)

	require.Len(t, resp.Recommendations, 1)
	assert.Equal(t, "summarize", resp.Recommendations[0].ToolName)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "search", resp.Results[0].ToolName)
	assert.Equal(t, "summarize", resp.Results[1].ToolName)
	assert.True(t, resp.Results[1].Success)
	assert.Equal(t, "summary of docs for summarize", resp.Results[1].Result)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Degraded)

	again, err := e.Handle(context.Background(), Request{Query: "summarize"})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, int32(1), c.summarize.Load())
}

func TestHandleDoesNotCacheFailures(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t, c, nil)

	for range 2 {
		resp, err := e.Handle(context.Background(), Request{Query: "weather"})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.False(t, resp.Results[0].Success)
		assert.Equal(t, "station offline", resp.Results[0].ErrorMessage)
		assert.False(t, resp.Cached)
	}
	assert.Equal(t, int32(2), c.weather.Load())
}

func TestHandleDegradesOnSelectionFailure(t *testing.T) {
	e := newTestEngine(t, &calls{}, nil)

	resp, err := e.Handle(context.Background(), Request{Query: ""})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.SelectionError)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.Recommendations)
}

func TestHandleRejectsOversizedConversation(t *testing.T) {
	e := newTestEngine(t, &calls{}, nil)

	_, err := e.Handle(context.Background(), Request{SessionID: "s1", Query: "summarize", MemoryMB: 150})
	require.Error(t, err)
	var limitErr *governor.ResourceLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, governor.ResourceConversation, limitErr.Resource)

	resp, err := e.Handle(context.Background(), Request{SessionID: "s2", Query: "summarize", MemoryMB: 10})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	e.EndSession("s2")
}

func TestHandleChecksConversationBeforeCache(t *testing.T) {
	e := newTestEngine(t, &calls{}, nil)

	_, err := e.Handle(context.Background(), Request{SessionID: "s1", Query: "summarize", MemoryMB: 10})
	require.NoError(t, err)

	_, err = e.Handle(context.Background(), Request{SessionID: "s1", Query: "summarize", MemoryMB: 500})
	var limitErr *governor.ResourceLimitError
	require.ErrorAs(t, err, &limitErr, "a cached answer does not bypass the conversation limit")
	assert.Equal(t, 500.0, limitErr.Value)
}

func TestHandleCachedResponseIsIsolated(t *testing.T) {
	e := newTestEngine(t, &calls{}, nil)

	first, err := e.Handle(context.Background(), Request{Query: "summarize"})
	require.NoError(t, err)
	first.Results[0].ToolName = "changed"
	first.Recommendations[0].Metadata["reasoning"] = "changed"

	second, err := e.Handle(context.Background(), Request{Query: "summarize"})
	require.NoError(t, err)
	require.True(t, second.Cached)
	assert.Equal(t, "search", second.Results[0].ToolName)
	assert.NotEqual(t, "changed", second.Recommendations[0].Metadata["reasoning"])
	second.Results[1].ToolName = "changed again"

	third, err := e.Handle(context.Background(), Request{Query: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "summarize", third.Results[1].ToolName)
}

func TestHandleMaxTools(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t, c, func(o *Options) { o.MaxTools = 1 })

	resp, err := e.Handle(context.Background(), Request{Query: "find documents weather"})
	require.NoError(t, err)
	require.Len(t, resp.Recommendations, 1)
	assert.Equal(t, "search", resp.Recommendations[0].ToolName)
	assert.Zero(t, c.weather.Load())
	assert.Zero(t, c.summarize.Load())
	assert.Equal(t, int32(1), c.search.Load())
}

func TestStartStopAndStats(t *testing.T) {
	e := newTestEngine(t, &calls{}, nil)
	assert.False(t, e.Ready())

	e.Start(context.Background())
	e.Start(context.Background())
	assert.True(t, e.Ready())

	_, err := e.Handle(context.Background(), Request{Query: "summarize"})
	require.NoError(t, err)
	require.NoError(t, e.Governor().Tick(context.Background()))

	stats := e.Stats(context.Background())
	assert.True(t, stats.Ready)
	assert.Contains(t, stats.Executions, "summarize")
	assert.Contains(t, stats.Executions, "search")
	assert.NotNil(t, stats.Alerts)
	assert.Positive(t, stats.Cache.Size)

	e.Stop()
	assert.False(t, e.Ready())
	e.Stop()
}

func TestNewRequiresCatalog(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, tool.ErrEmptyCatalog)
}
