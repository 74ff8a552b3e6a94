// Package protocol defines the JSON contract between the orchestrator and
// external HTTP executors.
package protocol

// Executor response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ContextItem is a context entry forwarded to executors.
type ContextItem struct {
	// Content is the entry text.
	Content string `json:"content"`
	// Relevance is the retrieval score.
	Relevance float64 `json:"relevance"`
	// Source tags the entry origin.
	Source string `json:"source,omitempty"`
}

// ExecutorRequest is the JSON body sent to HTTP executors.
type ExecutorRequest struct {
	// ExecutionID identifies the invocation.
	ExecutionID string `json:"execution_id"`
	// Tool is the catalog tool name.
	Tool string `json:"tool"`
	// Query is the user query.
	Query string `json:"query"`
	// Context is the caller context list.
	Context []ContextItem `json:"context,omitempty"`
	// PreviousResults are results of tools finished earlier in the execution.
	PreviousResults map[string]any `json:"previous_results,omitempty"`
	// TimeoutSec is the remaining time budget in seconds.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// ExecutorResponse is the JSON body expected from HTTP executors. A body
// without a status is treated as a raw result.
type ExecutorResponse struct {
	// Status is success or error.
	Status string `json:"status"`
	// Result is the tool output or error message.
	Result any `json:"result,omitempty"`
}
