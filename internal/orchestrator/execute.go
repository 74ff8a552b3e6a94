package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codex-k8s/tool-orchestrator/internal/analytics"
	"github.com/codex-k8s/tool-orchestrator/internal/maputil"
	"github.com/codex-k8s/tool-orchestrator/internal/telemetry"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

type taskOutcome struct {
	result ToolResult
	// ran reports that the tool was admitted and invoked.
	ran    bool
	status string
}

// ExecuteTools runs names in dependency order and returns one result per
// requested name, ordered by batch and chunk. It never returns an error:
// failures become unsuccessful results.
func (o *Orchestrator) ExecuteTools(ctx context.Context, names []string, query string, items []tool.ContextItem) (results []ToolResult) {
	ctx, span := telemetry.StartPlanSpan(ctx, names)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := &PlanError{Err: fmt.Errorf("panic: %v", r)}
			o.logger.Error("tool execution aborted", "error", err)
			results = failAll(names, err)
		}
	}()

	plan, err := BuildPlan(names, o.dependencies)
	if err != nil {
		planErr := &PlanError{Err: err}
		o.logger.Error("execution plan failed", "tools", names, "error", err)
		return failAll(names, planErr)
	}
	if plan.Cyclic {
		o.logger.Warn("dependency cycle detected, running remaining tools together",
			"tools", plan.Batches[len(plan.Batches)-1])
	}
	o.metrics.ObservePlan(len(plan.Batches))

	results = make([]ToolResult, 0, len(names))
	previous := make(map[string]any)
	for batchIdx, batch := range plan.Batches {
		for _, group := range chunk(batch, o.maxConcurrent) {
			outcomes := o.runChunk(ctx, batchIdx, group, query, items, maps.Clone(previous))
			for _, outcome := range outcomes {
				results = append(results, outcome.result)
				if outcome.result.Success {
					previous[outcome.result.ToolName] = outcome.result.Result
				}
			}
			o.recordChunk(outcomes)
		}
	}
	return results
}

func (o *Orchestrator) dependencies(name string) []string {
	desc, ok := o.catalog.Get(name)
	if !ok {
		return nil
	}
	return desc.Dependencies
}

func failAll(names []string, err error) []ToolResult {
	results := make([]ToolResult, len(names))
	for i, name := range names {
		results[i] = ToolResult{ToolName: name, ErrorMessage: err.Error()}
	}
	return results
}

// runChunk starts every task of group together and waits for all of them.
func (o *Orchestrator) runChunk(ctx context.Context, batchIdx int, group []string, query string, items []tool.ContextItem, previous map[string]any) []taskOutcome {
	outcomes := make([]taskOutcome, len(group))
	var g errgroup.Group
	for i, name := range group {
		g.Go(func() error {
			outcomes[i] = o.runTask(ctx, batchIdx, name, query, items, previous)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) runTask(ctx context.Context, batchIdx int, name, query string, items []tool.ContextItem, previous map[string]any) taskOutcome {
	start := time.Now()
	result := ToolResult{
		ToolName: name,
		Metadata: map[string]any{MetaBatch: batchIdx},
	}

	desc, ok := o.catalog.Get(name)
	if !ok {
		result.ErrorMessage = fmt.Sprintf("tool %q not found in catalog", name)
		result.ExecutionTime = time.Since(start)
		return taskOutcome{result: result, status: telemetry.StatusFailure}
	}
	if decision := o.limits.Admit(name); !decision.Allowed {
		result.ErrorMessage = fmt.Sprintf("tool %s: %s", name, decision.Reason)
		result.ExecutionTime = time.Since(start)
		o.logger.Warn("tool execution denied", "tool", name, "reason", decision.Reason)
		return taskOutcome{result: result, status: telemetry.StatusDenied}
	}

	timeout := o.TimeoutFor(name)
	result.Metadata[MetaTimeout] = timeout.String()

	ctx, span := telemetry.StartToolSpan(ctx, name, batchIdx)
	// The deadline starts before the pool slot is acquired.
	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()
	taskCtx, cancelTask := context.WithCancelCause(timeoutCtx)
	defer cancelTask(nil)

	id := uuid.NewString()
	result.Metadata[MetaExecutionID] = id
	o.register(id, name, cancelTask)
	defer o.unregister(id)

	type invocation struct {
		value any
		err   error
	}
	done := make(chan invocation, 1)
	go func() {
		var out invocation
		defer func() {
			if r := recover(); r != nil {
				out = invocation{err: fmt.Errorf("tool %s panicked: %v", name, r)}
			}
			done <- out
		}()
		if err := o.pool.Acquire(taskCtx, 1); err != nil {
			out.err = err
			return
		}
		defer o.pool.Release(1)
		o.metrics.ExecutionStarted()
		defer o.metrics.ExecutionFinished()

		invoke := func(executionID string) error {
			value, err := desc.Tool.Invoke(taskCtx, tool.Request{
				ToolName:        name,
				ExecutionID:     executionID,
				Query:           query,
				Context:         items,
				PreviousResults: previous,
			})
			out.value = value
			return err
		}
		if o.governor != nil {
			out.err = o.governor.Monitor(name, timeout, desc.MemoryLimitMB, invoke)
		} else {
			out.err = invoke(id)
		}
	}()

	var execErr error
	select {
	case out := <-done:
		if out.err == nil {
			result.Success = true
			result.Result = out.value
		} else if taskCtx.Err() != nil {
			execErr = o.interruption(taskCtx, name, timeout)
		} else {
			execErr = &ToolExecutionError{Tool: name, Err: out.err}
		}
	case <-taskCtx.Done():
		execErr = o.interruption(taskCtx, name, timeout)
	}
	result.ExecutionTime = time.Since(start)

	status := telemetry.StatusSuccess
	if execErr != nil {
		result.ErrorMessage = execErr.Error()
		status = telemetry.StatusFailure
		var toolErr *ToolExecutionError
		if errors.As(execErr, &toolErr) {
			switch {
			case toolErr.TimedOut:
				status = telemetry.StatusTimeout
			case toolErr.Cancelled:
				status = telemetry.StatusCancelled
			}
		}
		o.logger.Warn("tool execution failed", "tool", name, "execution_id", id, "error", execErr)
	}
	telemetry.EndSpan(span, execErr)
	return taskOutcome{result: result, ran: true, status: status}
}

func (o *Orchestrator) interruption(taskCtx context.Context, name string, timeout time.Duration) error {
	cause := context.Cause(taskCtx)
	switch {
	case errors.Is(cause, errExecutionCancelled):
		return &ToolExecutionError{Tool: name, Cancelled: true, Err: cause}
	case errors.Is(cause, context.DeadlineExceeded):
		return &ToolExecutionError{Tool: name, TimedOut: true, Timeout: timeout, Err: cause}
	default:
		return &ToolExecutionError{Tool: name, Cancelled: true, Err: cause}
	}
}

func (o *Orchestrator) register(id, name string, cancel context.CancelCauseFunc) {
	o.inflightMu.Lock()
	o.inflight[id] = inflight{tool: name, cancel: cancel}
	o.inflightMu.Unlock()
}

func (o *Orchestrator) unregister(id string) {
	maputil.Pop(&o.inflightMu, o.inflight, id)
}

// recordChunk updates statistics and metrics for every result of a finished
// chunk. Only invoked tools feed the performance cache and analytics.
func (o *Orchestrator) recordChunk(outcomes []taskOutcome) {
	now := time.Now()
	events := make([]analytics.UsageEvent, 0, len(outcomes))

	o.statsMu.Lock()
	for _, outcome := range outcomes {
		r := outcome.result
		stats := o.stats[r.ToolName]
		if stats == nil {
			stats = &ExecutionStats{}
			o.stats[r.ToolName] = stats
		}
		stats.add(r.Success, r.ExecutionTime, now)
	}
	o.statsMu.Unlock()

	for _, outcome := range outcomes {
		r := outcome.result
		o.metrics.ObserveExecution(r.ToolName, outcome.status, r.ExecutionTime)
		if !outcome.ran {
			continue
		}
		if o.perf != nil {
			o.perf.RecordExecution(r.ToolName, o.queryType, r.Success, r.ExecutionTime)
		}
		events = append(events, analytics.UsageEvent{
			Tool:          r.ToolName,
			QueryType:     o.queryType,
			Success:       r.Success,
			ExecutionTime: r.ExecutionTime,
			Error:         r.ErrorMessage,
			Timestamp:     now,
		})
	}

	if o.analytics == nil || len(events) == 0 {
		return
	}
	o.reporting.Add(1)
	go func() {
		defer o.reporting.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Warn("usage report panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), analyticsTimeout)
		defer cancel()
		if err := o.analytics.Report(ctx, events); err != nil {
			o.logger.Warn("usage report failed", "events", len(events), "error", err)
		}
	}()
}
