package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errExecutionCancelled = errors.New("execution cancelled")

// ToolSelectionError reports a selector or catalog failure. Callers should
// proceed with zero tools.
type ToolSelectionError struct {
	Query     string
	Available []string
	Err       error
}

func (e *ToolSelectionError) Error() string {
	return fmt.Sprintf("tool selection failed for query %q (available: %s): %v",
		e.Query, strings.Join(e.Available, ", "), e.Err)
}

func (e *ToolSelectionError) Unwrap() error {
	return e.Err
}

// ToolExecutionError describes a failed tool invocation. It is never
// returned from ExecuteTools; its text becomes ToolResult.ErrorMessage.
type ToolExecutionError struct {
	Tool      string
	TimedOut  bool
	Timeout   time.Duration
	Cancelled bool
	Err       error
}

func (e *ToolExecutionError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.Timeout)
	case e.Cancelled:
		return fmt.Sprintf("tool %s cancelled", e.Tool)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("tool %s failed", e.Tool)
	}
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// PlanError reports an orchestration failure while building or running a
// plan. ExecuteTools converts it into one failed result per requested tool.
type PlanError struct {
	Err error
}

func (e *PlanError) Error() string {
	return "orchestration failed: " + e.Err.Error()
}

func (e *PlanError) Unwrap() error {
	return e.Err
}
