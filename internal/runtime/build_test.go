package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/tool-orchestrator/internal/dsl"
	"github.com/codex-k8s/tool-orchestrator/internal/limits"
	"github.com/codex-k8s/tool-orchestrator/internal/runtime/executor"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

const toolsConfig = `
tools:
  - name: search
    description: search documents
    keywords: [find, lookup]
    timeout: 2s
    max_total: 10
    executor:
      type: shell
      command: echo {{ .Query }}
  - name: summarize
    dependencies: [search]
    memory_limit_mb: 64
    rate_per_minute: 30
    executor:
      type: http
      url: http://localhost:9000/run
      headers: {Authorization: Bearer x}
  - name: docs
    executor:
      type: mcp
      endpoint: http://localhost:9001/mcp
      tool: search_docs
`

func TestBuild(t *testing.T) {
	cfg, err := dsl.Load([]byte(toolsConfig))
	require.NoError(t, err)

	set, err := Builder{Version: "test"}.Build(cfg)
	require.NoError(t, err)
	defer set.Close()

	assert.Equal(t, []string{"docs", "search", "summarize"}, set.Catalog.Names())

	search, ok := set.Catalog.Get("search")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, search.Timeout)
	assert.Equal(t, []string{"find", "lookup"}, search.Keywords)
	assert.IsType(t, executor.Shell{}, search.Tool)

	summarize, _ := set.Catalog.Get("summarize")
	assert.Equal(t, []string{"search"}, summarize.Dependencies)
	assert.InDelta(t, 64, summarize.MemoryLimitMB, 0)
	assert.IsType(t, executor.HTTP{}, summarize.Tool)

	docs, _ := set.Catalog.Get("docs")
	remote, ok := docs.Tool.(*executor.MCP)
	require.True(t, ok)
	assert.Equal(t, "search_docs", remote.RemoteTool)
	assert.Equal(t, "test", remote.Version)

	assert.Equal(t, map[string]limits.Policy{
		"search":    {MaxTotal: 10},
		"summarize": {RatePerMinute: 30},
	}, set.Policies)
}

func TestBuiltShellToolRuns(t *testing.T) {
	cfg, err := dsl.Load([]byte(toolsConfig))
	require.NoError(t, err)
	set, err := Builder{}.Build(cfg)
	require.NoError(t, err)

	search, _ := set.Catalog.Get("search")
	out, err := search.Tool.Invoke(context.Background(), tool.Request{ToolName: "search", Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestBuildNilConfig(t *testing.T) {
	_, err := Builder{}.Build(nil)
	assert.Error(t, err)
}
