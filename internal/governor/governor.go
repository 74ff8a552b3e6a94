// Package governor tracks resource usage against soft and hard limits,
// raises alerts and scopes every tool execution.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codex-k8s/tool-orchestrator/internal/maputil"
)

const (
	defaultMonitorInterval  = 10 * time.Second
	defaultErrorBackoff     = 5 * time.Second
	defaultHistoryRetention = 24 * time.Hour
	defaultHistoryMax       = 100_000
)

// AlertFunc receives alerts synchronously.
type AlertFunc func(ResourceAlert)

// TickFunc runs after every monitor tick with the sampled usage.
type TickFunc func(usage map[ResourceType]ResourceUsage)

// Options configures a Governor.
type Options struct {
	// Limits overrides DefaultLimits per resource type.
	Limits []ResourceLimit
	// Sampler reads host memory and CPU. Nil skips both resources.
	Sampler Sampler
	// DBPoolUsage reports connection pool usage in percent. Nil skips the resource.
	DBPoolUsage func() (float64, bool)
	// MonitorInterval is the time between ticks (default 10s).
	MonitorInterval time.Duration
	// ErrorBackoff is the pause after a failed tick (default 5s).
	ErrorBackoff time.Duration
	// HistoryRetention bounds the age of history entries (default 24h).
	HistoryRetention time.Duration
	// HistoryMax bounds the number of history entries.
	HistoryMax int
	Logger     *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

type executionContext struct {
	id            string
	toolName      string
	start         time.Time
	timeout       time.Duration
	memoryLimitMB float64
}

// Governor is safe for concurrent use.
type Governor struct {
	sampler      Sampler
	dbPoolUsage  func() (float64, bool)
	interval     time.Duration
	backoff      time.Duration
	retention    time.Duration
	historyMax   int
	logger       *slog.Logger
	now          func() time.Time
	startedAt    time.Time
	callbacksMu  sync.RWMutex
	alertFuncs   []AlertFunc
	tickFuncs    []TickFunc
	mu           sync.Mutex
	limits       map[ResourceType]ResourceLimit
	executions   map[string]*executionContext
	conversation map[string]float64
	history      []ResourceUsage
	alertCounts  map[AlertLevel]int64
	lastTick     time.Time
}

// New creates a Governor. Limits are validated.
func New(opts Options) (*Governor, error) {
	limits := DefaultLimits()
	for _, limit := range opts.Limits {
		if _, ok := limits[limit.Type]; !ok {
			return nil, fmt.Errorf("unknown resource type %q", limit.Type)
		}
		if err := limit.Validate(); err != nil {
			return nil, err
		}
		if limit.Unit == "" {
			limit.Unit = limits[limit.Type].Unit
		}
		limits[limit.Type] = limit
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = defaultErrorBackoff
	}
	if opts.HistoryRetention <= 0 {
		opts.HistoryRetention = defaultHistoryRetention
	}
	if opts.HistoryMax <= 0 {
		opts.HistoryMax = defaultHistoryMax
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Governor{
		sampler:      opts.Sampler,
		dbPoolUsage:  opts.DBPoolUsage,
		interval:     opts.MonitorInterval,
		backoff:      opts.ErrorBackoff,
		retention:    opts.HistoryRetention,
		historyMax:   opts.HistoryMax,
		logger:       opts.Logger,
		now:          opts.Now,
		startedAt:    opts.Now(),
		limits:       limits,
		executions:   make(map[string]*executionContext),
		conversation: make(map[string]float64),
		alertCounts:  make(map[AlertLevel]int64),
	}, nil
}

// OnAlert registers an alert callback. Panicking callbacks are recovered.
func (g *Governor) OnAlert(fn AlertFunc) {
	if fn == nil {
		return
	}
	g.callbacksMu.Lock()
	g.alertFuncs = append(g.alertFuncs, fn)
	g.callbacksMu.Unlock()
}

// OnTick registers a hook that runs after every monitor tick.
func (g *Governor) OnTick(fn TickFunc) {
	if fn == nil {
		return
	}
	g.callbacksMu.Lock()
	g.tickFuncs = append(g.tickFuncs, fn)
	g.callbacksMu.Unlock()
}

// Limit returns the limit configured for resource.
func (g *Governor) Limit(resource ResourceType) (ResourceLimit, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	limit, ok := g.limits[resource]
	return limit, ok
}

// SetLimit replaces the limit of a known resource at runtime.
func (g *Governor) SetLimit(limit ResourceLimit) error {
	if err := limit.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	current, ok := g.limits[limit.Type]
	if !ok {
		return fmt.Errorf("unknown resource type %q", limit.Type)
	}
	if limit.Unit == "" {
		limit.Unit = current.Unit
	}
	g.limits[limit.Type] = limit
	return nil
}

// Limits returns a copy of all limits.
func (g *Governor) Limits() map[ResourceType]ResourceLimit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.limits)
}

// Execution is the scope of one monitored tool execution.
type Execution struct {
	g    *Governor
	ctx  *executionContext
	once sync.Once
}

// ID returns the generated execution id.
func (e *Execution) ID() string {
	return e.ctx.id
}

// End unregisters the execution and logs its elapsed time. Safe to call twice.
func (e *Execution) End() {
	e.once.Do(func() {
		e.g.mu.Lock()
		delete(e.g.executions, e.ctx.id)
		e.g.mu.Unlock()
		e.g.logger.Debug("tool execution finished",
			"tool", e.ctx.toolName,
			"execution_id", e.ctx.id,
			"elapsed", e.g.now().Sub(e.ctx.start),
		)
	})
}

// Begin registers a live execution. Callers must defer End.
func (g *Governor) Begin(toolName string, timeout time.Duration, memoryLimitMB float64) *Execution {
	ec := &executionContext{
		id:            uuid.NewString(),
		toolName:      toolName,
		start:         g.now(),
		timeout:       timeout,
		memoryLimitMB: memoryLimitMB,
	}
	g.mu.Lock()
	g.executions[ec.id] = ec
	g.mu.Unlock()
	return &Execution{g: g, ctx: ec}
}

// Monitor runs fn inside an execution scope. The scope is removed on every
// exit path, panics included.
func (g *Governor) Monitor(toolName string, timeout time.Duration, memoryLimitMB float64, fn func(executionID string) error) error {
	execution := g.Begin(toolName, timeout, memoryLimitMB)
	defer execution.End()
	return fn(execution.ID())
}

// ActiveExecutions returns the number of live executions.
func (g *Governor) ActiveExecutions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.executions)
}

// TrackConversationMemory records the memory used by a session. It returns
// false after emitting a critical alert when usage exceeds the hard limit.
func (g *Governor) TrackConversationMemory(sessionID string, memoryMB float64) bool {
	g.mu.Lock()
	g.conversation[sessionID] = memoryMB
	limit := g.limits[ResourceConversation]
	g.mu.Unlock()

	if !limit.Enabled {
		return true
	}
	now := g.now()
	switch {
	case memoryMB > limit.Hard:
		g.emit(ResourceAlert{
			Type:      ResourceConversation,
			Level:     AlertCritical,
			Value:     memoryMB,
			Limit:     limit.Hard,
			Message:   fmt.Sprintf("conversation %s uses %.2f MB, above hard limit %.2f MB", sessionID, memoryMB, limit.Hard),
			Timestamp: now,
			SessionID: sessionID,
		})
		return false
	case memoryMB >= limit.Soft:
		g.emit(ResourceAlert{
			Type:      ResourceConversation,
			Level:     AlertWarning,
			Value:     memoryMB,
			Limit:     limit.Soft,
			Message:   fmt.Sprintf("conversation %s uses %.2f MB, above soft limit %.2f MB", sessionID, memoryMB, limit.Soft),
			Timestamp: now,
			SessionID: sessionID,
		})
	}
	return true
}

// ConversationLimitError returns a ResourceLimitError for a session value
// above the hard limit.
func (g *Governor) ConversationLimitError(memoryMB float64) error {
	limit, _ := g.Limit(ResourceConversation)
	return &ResourceLimitError{Resource: ResourceConversation, Value: memoryMB, Limit: limit.Hard}
}

// ReleaseConversation stops tracking a session.
func (g *Governor) ReleaseConversation(sessionID string) {
	maputil.Pop(&g.mu, g.conversation, sessionID)
}

func (g *Governor) emit(alert ResourceAlert) {
	g.mu.Lock()
	g.alertCounts[alert.Level]++
	g.mu.Unlock()

	attrs := []any{"resource", alert.Type, "value", alert.Value, "limit", alert.Limit}
	if alert.ToolName != "" {
		attrs = append(attrs, "tool", alert.ToolName, "execution_id", alert.ExecutionID)
	}
	if alert.Level == AlertCritical {
		g.logger.Error(alert.Message, attrs...)
	} else {
		g.logger.Warn(alert.Message, attrs...)
	}

	g.callbacksMu.RLock()
	callbacks := append([]AlertFunc(nil), g.alertFuncs...)
	g.callbacksMu.RUnlock()
	for _, fn := range callbacks {
		g.runAlertFunc(fn, alert)
	}
}

func (g *Governor) runAlertFunc(fn AlertFunc, alert ResourceAlert) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("alert callback panicked", "resource", alert.Type, "panic", r)
		}
	}()
	fn(alert)
}

// GetCurrentUsage samples every enabled resource without recording history
// or moving the monitor's CPU window. On a sampling error the resources that
// could be read are returned with it.
func (g *Governor) GetCurrentUsage(ctx context.Context) (map[ResourceType]ResourceUsage, error) {
	return g.sample(ctx, false)
}

// CheckResourceLimits returns the alerts current usage would raise. Alerts
// are not delivered to callbacks. A sampling error is returned with the
// alerts of the resources that could be read.
func (g *Governor) CheckResourceLimits(ctx context.Context) ([]ResourceAlert, error) {
	usage, err := g.sample(ctx, false)
	limits := g.Limits()
	var alerts []ResourceAlert
	for _, resource := range ResourceTypes {
		u, ok := usage[resource]
		if !ok {
			continue
		}
		if alert, ok := evaluate(limits[resource], u.Value, u.Timestamp); ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts, err
}

// sample reads every enabled resource. monitor selects the sampler window of
// the monitor loop; other reads use Peek when the sampler has one.
func (g *Governor) sample(ctx context.Context, monitor bool) (map[ResourceType]ResourceUsage, error) {
	now := g.now()
	limits := g.Limits()
	usage := make(map[ResourceType]ResourceUsage, len(ResourceTypes))
	record := func(resource ResourceType, value float64) {
		limit := limits[resource]
		if !limit.Enabled {
			return
		}
		usage[resource] = ResourceUsage{Type: resource, Value: value, Unit: limit.Unit, Timestamp: now}
	}

	var sampleErr error
	if g.sampler != nil && (limits[ResourceMemory].Enabled || limits[ResourceCPU].Enabled) {
		read := g.sampler.Sample
		if peeker, ok := g.sampler.(Peeker); ok && !monitor {
			read = peeker.Peek
		}
		if sample, err := read(ctx); err != nil {
			sampleErr = fmt.Errorf("sample system usage: %w", err)
		} else {
			record(ResourceMemory, sample.MemoryPercent)
			record(ResourceCPU, sample.CPUPercent)
		}
	}
	if g.dbPoolUsage != nil {
		if value, ok := g.dbPoolUsage(); ok {
			record(ResourceDBPool, value)
		}
	}

	g.mu.Lock()
	longest := 0.0
	for _, ec := range g.executions {
		longest = max(longest, now.Sub(ec.start).Seconds())
	}
	largest := 0.0
	for _, mb := range g.conversation {
		largest = max(largest, mb)
	}
	g.mu.Unlock()

	record(ResourceToolExecution, longest)
	record(ResourceConversation, largest)
	return usage, sampleErr
}

// Tick runs one monitor iteration: sample, alert, scan executions for
// timeouts, record history and run tick hooks. A sampling failure skips the
// host resources only; the rest of the tick runs and the error is returned.
func (g *Governor) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor tick panicked: %v", r)
		}
	}()

	usage, sampleErr := g.sample(ctx, true)
	limits := g.Limits()
	for _, resource := range ResourceTypes {
		u, ok := usage[resource]
		if !ok {
			continue
		}
		if alert, ok := evaluate(limits[resource], u.Value, u.Timestamp); ok {
			g.emit(alert)
		}
	}

	for _, alert := range g.timedOutExecutions() {
		g.emit(alert)
	}

	g.recordHistory(usage)

	g.callbacksMu.RLock()
	hooks := append([]TickFunc(nil), g.tickFuncs...)
	g.callbacksMu.RUnlock()
	for _, fn := range hooks {
		fn(usage)
	}
	return sampleErr
}

func (g *Governor) timedOutExecutions() []ResourceAlert {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	var alerts []ResourceAlert
	for _, ec := range g.executions {
		if ec.timeout <= 0 {
			continue
		}
		elapsed := now.Sub(ec.start)
		if elapsed <= ec.timeout {
			continue
		}
		alerts = append(alerts, ResourceAlert{
			Type:        ResourceToolExecution,
			Level:       AlertWarning,
			Value:       elapsed.Seconds(),
			Limit:       ec.timeout.Seconds(),
			Message:     fmt.Sprintf("execution timeout: tool %s running for %s, timeout %s", ec.toolName, elapsed.Round(time.Millisecond), ec.timeout),
			Timestamp:   now,
			ToolName:    ec.toolName,
			ExecutionID: ec.id,
		})
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Value > alerts[j].Value })
	return alerts
}

func (g *Governor) recordHistory(usage map[ResourceType]ResourceUsage) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, resource := range ResourceTypes {
		if u, ok := usage[resource]; ok {
			g.history = append(g.history, u)
		}
	}
	cutoff := now.Add(-g.retention)
	drop := 0
	for drop < len(g.history) && g.history[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if overflow := len(g.history) - drop - g.historyMax; overflow > 0 {
		drop += overflow
	}
	if drop > 0 {
		g.history = append(g.history[:0:0], g.history[drop:]...)
	}
	g.lastTick = now
}

// History returns recorded usage, oldest first.
func (g *Governor) History() []ResourceUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ResourceUsage(nil), g.history...)
}

// Run ticks until ctx is done. Failed ticks are logged and retried after the
// error backoff.
func (g *Governor) Run(ctx context.Context) {
	g.logger.Info("resource monitor started", "interval", g.interval)
	defer g.logger.Info("resource monitor stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		wait := g.interval
		if err := g.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			g.logger.Warn("resource monitor tick failed", "error", err, "backoff", g.backoff)
			wait = g.backoff
		}
		timer.Reset(wait)
	}
}

// SystemStats summarizes governor state for diagnostics.
type SystemStats struct {
	Usage                map[ResourceType]ResourceUsage `json:"usage"`
	Limits               map[ResourceType]ResourceLimit `json:"limits"`
	ActiveExecutions     int                            `json:"active_executions"`
	TrackedConversations int                            `json:"tracked_conversations"`
	HistorySize          int                            `json:"history_size"`
	Alerts               map[AlertLevel]int64           `json:"alerts"`
	LastTick             time.Time                      `json:"last_tick"`
	Uptime               time.Duration                  `json:"uptime"`
	SampleError          string                         `json:"sample_error,omitempty"`
}

// GetSystemStats returns a diagnostics snapshot. Sampling failures are
// reported in SampleError.
func (g *Governor) GetSystemStats(ctx context.Context) SystemStats {
	usage, err := g.sample(ctx, false)
	g.mu.Lock()
	stats := SystemStats{
		Usage:                usage,
		Limits:               maps.Clone(g.limits),
		ActiveExecutions:     len(g.executions),
		TrackedConversations: len(g.conversation),
		HistorySize:          len(g.history),
		Alerts:               maps.Clone(g.alertCounts),
		LastTick:             g.lastTick,
		Uptime:               g.now().Sub(g.startedAt),
	}
	g.mu.Unlock()
	if err != nil {
		stats.SampleError = err.Error()
	}
	return stats
}
