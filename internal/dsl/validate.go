package dsl

import (
	"fmt"
	"strings"
	"time"

	"github.com/codex-k8s/tool-orchestrator/internal/constants"
	"github.com/codex-k8s/tool-orchestrator/internal/governor"
	"github.com/codex-k8s/tool-orchestrator/internal/maputil"
	"github.com/codex-k8s/tool-orchestrator/internal/perfcache"
	"github.com/codex-k8s/tool-orchestrator/internal/timeutil"
)

// Defaults applied by Validate.
const (
	DefaultListen             = ":8080"
	DefaultMaxConcurrentTools = 3
	DefaultToolTimeout        = "30s"
	DefaultCacheMaxSize       = 1000
	DefaultCacheTTL           = "5m"
	DefaultMonitorInterval    = "10s"
	DefaultErrorBackoff       = "5s"
	DefaultHistoryRetention   = "24h"
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultServiceName        = "tool-orchestrator"
)

// Validate applies defaults and verifies required fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if err := validateOrchestrator(&cfg.Orchestrator); err != nil {
		return err
	}
	if err := validateCache(&cfg.Cache); err != nil {
		return err
	}
	if err := validateResources(&cfg.Resources); err != nil {
		return err
	}
	if err := validateStores(cfg); err != nil {
		return err
	}
	if err := validateTracing(&cfg.Tracing); err != nil {
		return err
	}
	return validateTools(cfg)
}

func validateServer(s *ServerConfig) error {
	if strings.TrimSpace(s.Listen) == "" {
		s.Listen = DefaultListen
	}
	for field, value := range map[string]string{
		"server.read_timeout":     s.ReadTimeout,
		"server.write_timeout":    s.WriteTimeout,
		"server.idle_timeout":     s.IdleTimeout,
		"server.shutdown_timeout": s.ShutdownTimeout,
	} {
		if err := timeutil.ParseNonNegative(field, value); err != nil {
			return err
		}
	}
	for i, hook := range s.StartupHooks {
		if err := timeutil.ParseNonNegative(fmt.Sprintf("server.startup_hooks[%d].timeout", i), hook.Timeout); err != nil {
			return err
		}
	}
	return nil
}

func validateOrchestrator(o *OrchestratorConfig) error {
	if o.MaxConcurrentTools < 0 {
		return fmt.Errorf("orchestrator.max_concurrent_tools must be >= 0")
	}
	if o.MaxConcurrentTools == 0 {
		o.MaxConcurrentTools = DefaultMaxConcurrentTools
	}
	if strings.TrimSpace(o.DefaultTimeout) == "" {
		o.DefaultTimeout = DefaultToolTimeout
	}
	if err := timeutil.ParseNonNegative("orchestrator.default_timeout", o.DefaultTimeout); err != nil {
		return err
	}
	for _, name := range maputil.SortedKeys(o.ToolTimeouts) {
		if err := timeutil.ParseNonNegative("orchestrator.tool_timeouts."+name, o.ToolTimeouts[name]); err != nil {
			return err
		}
	}
	if o.MinRelevance < 0 || o.MinRelevance > 1 {
		return fmt.Errorf("orchestrator.min_relevance must be within [0,1]")
	}
	if o.MaxTools < 0 {
		return fmt.Errorf("orchestrator.max_tools must be >= 0")
	}
	if strings.TrimSpace(o.QueryType) == "" {
		o.QueryType = constants.QueryTypeGeneral
	}
	return nil
}

func validateCache(c *CacheConfig) error {
	if c.MaxSize < 0 {
		return fmt.Errorf("cache.max_size must be >= 0")
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultCacheMaxSize
	}
	if strings.TrimSpace(c.DefaultTTL) == "" {
		c.DefaultTTL = DefaultCacheTTL
	}
	if err := timeutil.ParseNonNegative("cache.default_ttl", c.DefaultTTL); err != nil {
		return err
	}
	known := perfcache.DefaultCategoryTTLs()
	for _, category := range maputil.SortedKeys(c.CategoryTTLs) {
		if _, ok := known[perfcache.Category(category)]; !ok {
			return fmt.Errorf("cache.category_ttls: unknown category %q", category)
		}
		if err := timeutil.ParseNonNegative("cache.category_ttls."+category, c.CategoryTTLs[category]); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.RefreshSchedule) == "" {
		c.RefreshSchedule = perfcache.DefaultRefreshSchedule
	}
	return nil
}

func validateResources(r *ResourcesConfig) error {
	if strings.TrimSpace(r.MonitorInterval) == "" {
		r.MonitorInterval = DefaultMonitorInterval
	}
	if strings.TrimSpace(r.ErrorBackoff) == "" {
		r.ErrorBackoff = DefaultErrorBackoff
	}
	if strings.TrimSpace(r.HistoryRetention) == "" {
		r.HistoryRetention = DefaultHistoryRetention
	}
	for field, value := range map[string]string{
		"resources.monitor_interval":  r.MonitorInterval,
		"resources.error_backoff":     r.ErrorBackoff,
		"resources.history_retention": r.HistoryRetention,
	} {
		if err := timeutil.ParseNonNegative(field, value); err != nil {
			return err
		}
	}
	defaults := governor.DefaultLimits()
	seen := map[string]struct{}{}
	for i, limit := range r.Limits {
		if _, ok := defaults[governor.ResourceType(limit.Type)]; !ok {
			return fmt.Errorf("resources.limits[%d].type %q is unknown", i, limit.Type)
		}
		if _, dup := seen[limit.Type]; dup {
			return fmt.Errorf("resources.limits[%d]: duplicate type %q", i, limit.Type)
		}
		seen[limit.Type] = struct{}{}
		if err := limit.ResourceLimit().Validate(); err != nil {
			return fmt.Errorf("resources.limits[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStores(cfg *Config) error {
	store := &cfg.MetricsStore
	store.Driver = strings.ToLower(strings.TrimSpace(store.Driver))
	switch store.Driver {
	case "":
	case constants.StorePostgres, constants.StoreSQLite:
		if strings.TrimSpace(store.DSN) == "" {
			return fmt.Errorf("metrics_store.dsn is required for driver %s", store.Driver)
		}
	default:
		return fmt.Errorf("metrics_store.driver must be postgres or sqlite")
	}

	sink := &cfg.Analytics
	sink.Sink = strings.ToLower(strings.TrimSpace(sink.Sink))
	switch sink.Sink {
	case "", constants.SinkLog:
	case constants.SinkNATS:
		if strings.TrimSpace(sink.URL) == "" {
			return fmt.Errorf("analytics.url is required for the nats sink")
		}
	case constants.SinkStore:
		if store.Driver == "" {
			return fmt.Errorf("analytics sink store requires metrics_store.driver")
		}
	default:
		return fmt.Errorf("analytics.sink must be log, nats or store")
	}
	return nil
}

func validateTracing(t *TracingConfig) error {
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]")
	}
	if t.SampleRate == 0 {
		t.SampleRate = 1
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		t.Endpoint = DefaultTracingEndpoint
	}
	if strings.TrimSpace(t.ServiceName) == "" {
		t.ServiceName = DefaultServiceName
	}
	return nil
}

func validateTools(cfg *Config) error {
	if len(cfg.Tools) == 0 {
		return fmt.Errorf("tools: at least one tool is required")
	}
	names := make(map[string]struct{}, len(cfg.Tools))
	for i := range cfg.Tools {
		tool := &cfg.Tools[i]
		tool.Name = strings.TrimSpace(tool.Name)
		if tool.Name == "" {
			return fmt.Errorf("tools[%d].name is required", i)
		}
		if strings.Contains(tool.Name, ":") {
			return fmt.Errorf("tools[%d].name %q must not contain ':'", i, tool.Name)
		}
		if _, exists := names[tool.Name]; exists {
			return fmt.Errorf("duplicate tool name: %s", tool.Name)
		}
		names[tool.Name] = struct{}{}
		if tool.MemoryLimitMB < 0 || tool.RatePerMinute < 0 || tool.MaxTotal < 0 {
			return fmt.Errorf("tools[%d]: limits must be non-negative", i)
		}
		if err := timeutil.ParseNonNegative(fmt.Sprintf("tools[%d].timeout", i), tool.Timeout); err != nil {
			return err
		}
		if err := validateExecutor(i, &tool.Executor); err != nil {
			return err
		}
	}
	for i, tool := range cfg.Tools {
		for _, dep := range tool.Dependencies {
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("tools[%d].dependencies: unknown tool %q", i, dep)
			}
		}
	}
	for _, name := range maputil.SortedKeys(cfg.Orchestrator.ToolTimeouts) {
		if _, ok := names[name]; !ok {
			return fmt.Errorf("orchestrator.tool_timeouts: unknown tool %q", name)
		}
	}
	return nil
}

func validateExecutor(i int, e *ExecutorConfig) error {
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	if err := timeutil.ParseNonNegative(fmt.Sprintf("tools[%d].executor.timeout", i), e.Timeout); err != nil {
		return err
	}
	switch e.Type {
	case constants.ExecutorShell:
		if strings.TrimSpace(e.Command) == "" {
			return fmt.Errorf("tools[%d].executor.command is required", i)
		}
	case constants.ExecutorHTTP:
		if strings.TrimSpace(e.URL) == "" {
			return fmt.Errorf("tools[%d].executor.url is required", i)
		}
	case constants.ExecutorMCP:
		if strings.TrimSpace(e.Command) == "" && strings.TrimSpace(e.Endpoint) == "" {
			return fmt.Errorf("tools[%d].executor requires command or endpoint", i)
		}
	case "":
		return fmt.Errorf("tools[%d].executor.type is required", i)
	default:
		return fmt.Errorf("tools[%d].executor.type %q is unsupported", i, e.Type)
	}
	return nil
}

// ResourceLimit converts the override into a governor limit.
func (l LimitConfig) ResourceLimit() governor.ResourceLimit {
	enabled := true
	if l.Enabled != nil {
		enabled = *l.Enabled
	}
	resource := governor.ResourceType(l.Type)
	return governor.ResourceLimit{
		Type:    resource,
		Soft:    l.Soft,
		Hard:    l.Hard,
		Unit:    governor.DefaultLimits()[resource].Unit,
		Enabled: enabled,
	}
}

// TimeoutDuration returns the default tool timeout.
func (o OrchestratorConfig) TimeoutDuration() time.Duration {
	return timeutil.ParseDurationOrDefault(o.DefaultTimeout, 30*time.Second)
}

// ToolTimeoutDurations returns the parsed per-tool overrides.
func (o OrchestratorConfig) ToolTimeoutDurations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(o.ToolTimeouts))
	for name, value := range o.ToolTimeouts {
		if d := timeutil.ParseDurationOrDefault(value, 0); d > 0 {
			out[name] = d
		}
	}
	return out
}

// CategoryTTLDurations returns the parsed category TTL overrides.
func (c CacheConfig) CategoryTTLDurations() map[perfcache.Category]time.Duration {
	out := make(map[perfcache.Category]time.Duration, len(c.CategoryTTLs))
	for category, value := range c.CategoryTTLs {
		if d := timeutil.ParseDurationOrDefault(value, 0); d > 0 {
			out[perfcache.Category(category)] = d
		}
	}
	return out
}
