package perfcache

import "context"

// ToolPerformance is historical performance of a tool for a query type.
type ToolPerformance struct {
	SuccessRate  float64 `json:"success_rate"`
	QualityScore float64 `json:"quality_score"`
	// ResponseTime is the mean response time in seconds.
	ResponseTime float64 `json:"response_time"`
	UsageCount   int64   `json:"usage_count"`
}

// MetricsStore is a slower persistent source consulted on cache misses.
type MetricsStore interface {
	// FetchToolPerformance returns nil without error when nothing is recorded.
	FetchToolPerformance(ctx context.Context, toolName, queryType string) (*ToolPerformance, error)
}
