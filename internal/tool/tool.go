// Package tool defines the capability contract the orchestrator schedules.
package tool

import (
	"context"
	"time"
)

// ContextItem is one entry of the conversational context passed with a query.
type ContextItem struct {
	// Content is the text of the entry.
	Content string `json:"content"`
	// Relevance is the retrieval score in [0,1].
	Relevance float64 `json:"relevance"`
	// Source tags where the entry came from.
	Source string `json:"source"`
	// Metadata is an optional opaque map.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Request is the enhanced context a tool is invoked with.
type Request struct {
	// ToolName is the tool being invoked.
	ToolName string
	// ExecutionID identifies this invocation.
	ExecutionID string
	// Query is the user query.
	Query string
	// Context is the caller supplied context list.
	Context []ContextItem
	// PreviousResults holds successful results of tools completed earlier
	// in the same execution, keyed by tool name.
	PreviousResults map[string]any
}

// Tool is a named capability invoked to answer a query.
type Tool interface {
	// Invoke runs the tool. Implementations should honour ctx cancellation.
	Invoke(ctx context.Context, req Request) (any, error)
}

// Func adapts a native Go function to Tool.
type Func func(ctx context.Context, req Request) (any, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Legacy wraps a synchronous query-only callable. The callable cannot observe
// cancellation, so a stuck call keeps running until it returns on its own.
func Legacy(fn func(query string) (any, error)) Tool {
	return legacyTool{fn: fn}
}

type legacyTool struct {
	fn func(query string) (any, error)
}

func (l legacyTool) Invoke(_ context.Context, req Request) (any, error) {
	return l.fn(req.Query)
}

// Descriptor describes a catalog entry. It is immutable once registered.
type Descriptor struct {
	// Name is the unique tool name.
	Name string
	// Description explains the tool to selectors.
	Description string
	// Keywords are extra terms used by keyword selectors.
	Keywords []string
	// Tool is the implementation.
	Tool Tool
	// Dependencies lists tools whose results this tool consumes.
	Dependencies []string
	// Timeout overrides the orchestrator default when positive.
	Timeout time.Duration
	// MemoryLimitMB is an advisory per-execution memory budget.
	MemoryLimitMB float64
}
