package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

func newCatalog(t *testing.T) *tool.Catalog {
	t.Helper()
	noop := tool.Legacy(func(string) (any, error) { return nil, nil })
	catalog, err := tool.NewCatalog(
		tool.Descriptor{Name: "kb_search", Description: "Search the knowledge base", Keywords: []string{"article", "docs"}, Tool: noop},
		tool.Descriptor{Name: "ticket_lookup", Description: "Find a support ticket by id", Tool: noop},
	)
	require.NoError(t, err)
	return catalog
}

func TestKeywordScoreTools(t *testing.T) {
	catalog := newCatalog(t)
	k := NewKeyword(catalog)

	scores, err := k.ScoreTools(context.Background(), "Search docs for the reset article", catalog.Names())
	require.NoError(t, err)
	require.Len(t, scores, 2)

	byName := map[string]float64{}
	for _, s := range scores {
		byName[s.ToolName] = s.FinalScore
		assert.Equal(t, s.BaseScore, s.FinalScore)
	}
	// tokens: search, docs, for, the, reset, article
	assert.InDelta(t, 4.0/6.0, byName["kb_search"], 1e-9)
	assert.Zero(t, byName["ticket_lookup"])
}

func TestKeywordContextBoost(t *testing.T) {
	catalog := newCatalog(t)
	k := NewKeyword(catalog)
	scores, err := k.ScoreTools(context.Background(), "help", catalog.Names())
	require.NoError(t, err)

	boosted, err := k.ApplyContextBoost(context.Background(), scores, []tool.ContextItem{
		{Content: "Previous ticket #42 was escalated", Relevance: 0.5},
		{Content: "unrelated", Relevance: 1},
	})
	require.NoError(t, err)
	for _, s := range boosted {
		if s.ToolName == "ticket_lookup" {
			assert.InDelta(t, 0.1, s.ContextBoost, 1e-9)
			assert.InDelta(t, 0.1, s.FinalScore, 1e-9)
		} else {
			assert.Zero(t, s.ContextBoost)
		}
	}
}

func TestKeywordCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKeyword(newCatalog(t)).ScoreTools(ctx, "q", nil)
	assert.Error(t, err)
}
