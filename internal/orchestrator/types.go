package orchestrator

import (
	"context"
	"time"

	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

// ToolScore is a selector's relevance score for one tool.
type ToolScore struct {
	ToolName         string  `json:"tool_name"`
	BaseScore        float64 `json:"base_score"`
	ContextBoost     float64 `json:"context_boost"`
	PerformanceScore float64 `json:"performance_score"`
	FinalScore       float64 `json:"final_score"`
	Reasoning        string  `json:"reasoning"`
}

// Selector scores tools for a query. Implementations live outside the
// orchestrator.
type Selector interface {
	// ScoreTools scores every available tool against query.
	ScoreTools(ctx context.Context, query string, available []string) ([]ToolScore, error)
	// ApplyContextBoost adjusts scores using the caller's context list.
	ApplyContextBoost(ctx context.Context, scores []ToolScore, items []tool.ContextItem) ([]ToolScore, error)
}

// ToolRecommendation is a scored suggestion to run a tool for a query.
type ToolRecommendation struct {
	ToolName              string         `json:"tool_name"`
	RelevanceScore        float64        `json:"relevance_score"`
	ExpectedExecutionTime time.Duration  `json:"expected_execution_time"`
	ConfidenceLevel       float64        `json:"confidence_level"`
	Dependencies          []string       `json:"dependencies,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// ToolResult is the outcome of one execution attempt.
type ToolResult struct {
	ToolName      string         `json:"tool_name"`
	Success       bool           `json:"success"`
	Result        any            `json:"result"`
	ExecutionTime time.Duration  `json:"execution_time"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ExecutionStats aggregates results of one tool for the process lifetime.
type ExecutionStats struct {
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AvgExecutionTime     time.Duration `json:"avg_execution_time"`
	SuccessRate          float64       `json:"success_rate"`
	LastExecution        time.Time     `json:"last_execution"`
}

func (s *ExecutionStats) add(success bool, elapsed time.Duration, at time.Time) {
	s.TotalExecutions++
	if success {
		s.SuccessfulExecutions++
	}
	s.TotalExecutionTime += elapsed
	s.AvgExecutionTime = s.TotalExecutionTime / time.Duration(s.TotalExecutions)
	s.SuccessRate = float64(s.SuccessfulExecutions) / float64(s.TotalExecutions)
	s.LastExecution = at
}

// Result metadata keys.
const (
	MetaBatch       = "batch"
	MetaExecutionID = "execution_id"
	MetaTimeout     = "timeout"
)
