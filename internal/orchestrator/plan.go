package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// Plan is a sequence of batches. Every tool in batch N depends only on tools
// in batches before N, except for a final batch flushed from a cycle.
type Plan struct {
	Batches [][]string
	// Cyclic reports that the last batch was flushed from a dependency cycle.
	Cyclic bool
}

// BuildPlan peels batches off the dependency graph restricted to names.
// Batch members keep the request order. deps returns the declared
// dependencies of a tool.
func BuildPlan(names []string, deps func(name string) []string) (Plan, error) {
	requested := make(map[string]struct{}, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return Plan{}, errors.New("empty tool name")
		}
		if _, dup := requested[name]; dup {
			return Plan{}, fmt.Errorf("duplicate tool %q", name)
		}
		requested[name] = struct{}{}
	}

	pending := make(map[string]map[string]struct{}, len(names))
	for _, name := range names {
		remaining := map[string]struct{}{}
		if deps != nil {
			for _, dep := range deps(name) {
				if _, ok := requested[dep]; ok {
					remaining[dep] = struct{}{}
				}
			}
		}
		pending[name] = remaining
	}

	var plan Plan
	for len(pending) > 0 {
		var batch []string
		for _, name := range names {
			if remaining, ok := pending[name]; ok && len(remaining) == 0 {
				batch = append(batch, name)
			}
		}
		if len(batch) == 0 {
			for _, name := range names {
				if _, ok := pending[name]; ok {
					batch = append(batch, name)
				}
			}
			plan.Cyclic = true
			plan.Batches = append(plan.Batches, batch)
			break
		}
		for _, name := range batch {
			delete(pending, name)
		}
		for _, remaining := range pending {
			for _, name := range batch {
				delete(remaining, name)
			}
		}
		plan.Batches = append(plan.Batches, batch)
	}
	return plan, nil
}

func chunk(batch []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	out := make([][]string, 0, (len(batch)+size-1)/size)
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		out = append(out, batch[start:end])
	}
	return out
}
