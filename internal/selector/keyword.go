// Package selector provides the default keyword Selector.
package selector

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/codex-k8s/tool-orchestrator/internal/orchestrator"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

// MaxContextBoost caps the boost applied from context items.
const MaxContextBoost = 0.2

// Keyword scores tools by token overlap between the query and the tool's
// name, description and keywords.
type Keyword struct {
	terms map[string]map[string]struct{}
}

// NewKeyword indexes the catalog descriptors.
func NewKeyword(catalog *tool.Catalog) *Keyword {
	k := &Keyword{terms: make(map[string]map[string]struct{})}
	for _, desc := range catalog.Descriptors() {
		set := map[string]struct{}{}
		for _, text := range append([]string{desc.Name, desc.Description}, desc.Keywords...) {
			for _, token := range tokenize(text) {
				set[token] = struct{}{}
			}
		}
		k.terms[desc.Name] = set
	}
	return k
}

// ScoreTools returns the share of query tokens found in each tool's terms.
func (k *Keyword) ScoreTools(ctx context.Context, query string, available []string) ([]orchestrator.ToolScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := unique(tokenize(query))
	scores := make([]orchestrator.ToolScore, 0, len(available))
	for _, name := range available {
		terms := k.terms[name]
		var matched []string
		for _, token := range tokens {
			if _, ok := terms[token]; ok {
				matched = append(matched, token)
			}
		}
		score := 0.0
		if len(tokens) > 0 {
			score = float64(len(matched)) / float64(len(tokens))
		}
		reasoning := "no keyword match"
		if len(matched) > 0 {
			reasoning = fmt.Sprintf("matched %s", strings.Join(matched, ", "))
		}
		scores = append(scores, orchestrator.ToolScore{
			ToolName:   name,
			BaseScore:  score,
			FinalScore: score,
			Reasoning:  reasoning,
		})
	}
	return scores, nil
}

// ApplyContextBoost adds up to MaxContextBoost for tools whose terms appear
// in context items, weighted by item relevance.
func (k *Keyword) ApplyContextBoost(ctx context.Context, scores []orchestrator.ToolScore, items []tool.ContextItem) ([]orchestrator.ToolScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return scores, nil
	}
	out := make([]orchestrator.ToolScore, len(scores))
	for i, score := range scores {
		terms := k.terms[score.ToolName]
		best := 0.0
		for _, item := range items {
			for _, token := range tokenize(item.Content) {
				if _, ok := terms[token]; ok {
					best = max(best, min(max(item.Relevance, 0), 1))
					break
				}
			}
		}
		boost := MaxContextBoost * best
		score.ContextBoost = boost
		score.FinalScore += boost
		out[i] = score
	}
	return out, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, field := range fields {
		if len(field) > 1 {
			out = append(out, field)
		}
	}
	return out
}

func unique(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, token := range tokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}
