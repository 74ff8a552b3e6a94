// Package analytics reports tool usage events to external collaborators.
package analytics

import (
	"context"
	"log/slog"
	"time"
)

// UsageEvent describes one finished tool execution.
type UsageEvent struct {
	// Tool is the tool name.
	Tool string `json:"tool"`
	// QueryType is the performance bucket the execution was recorded under.
	QueryType string `json:"query_type"`
	// Success reports whether the tool produced a result.
	Success bool `json:"success"`
	// ExecutionTime is the wall time of the execution.
	ExecutionTime time.Duration `json:"execution_time_ns"`
	// Error holds the failure message of unsuccessful executions.
	Error string `json:"error,omitempty"`
	// Timestamp is when the execution finished.
	Timestamp time.Time `json:"timestamp"`
}

// Reporter receives usage events after every execution chunk. Reporting is
// best-effort: callers log failures and carry on.
type Reporter interface {
	Report(ctx context.Context, events []UsageEvent) error
}

// LogReporter writes usage events to slog.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter returns a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs every event.
func (r *LogReporter) Report(ctx context.Context, events []UsageEvent) error {
	if r == nil || r.logger == nil {
		return nil
	}
	for _, event := range events {
		r.logger.InfoContext(ctx, "tool usage",
			"tool", event.Tool,
			"query_type", event.QueryType,
			"success", event.Success,
			"execution_time", event.ExecutionTime,
			"error", event.Error,
		)
	}
	return nil
}
