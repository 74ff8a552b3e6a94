package dsl

// Config is the top-level YAML configuration.
type Config struct {
	// Server configures the diagnostics HTTP server.
	Server ServerConfig `yaml:"server"`
	// Orchestrator configures scheduling.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	// Cache configures the performance cache.
	Cache CacheConfig `yaml:"cache"`
	// Resources configures the resource governor.
	Resources ResourcesConfig `yaml:"resources"`
	// MetricsStore configures the optional persistent metrics store.
	MetricsStore MetricsStoreConfig `yaml:"metrics_store"`
	// Analytics configures usage reporting.
	Analytics AnalyticsConfig `yaml:"analytics"`
	// Tracing configures OpenTelemetry trace export.
	Tracing TracingConfig `yaml:"tracing"`
	// Tools lists all tool declarations.
	Tools []ToolConfig `yaml:"tools"`
}

// ServerConfig defines diagnostics server settings.
type ServerConfig struct {
	// Listen is the HTTP listen address (default :8080).
	Listen string `yaml:"listen"`
	// ReadTimeout limits request read time.
	ReadTimeout string `yaml:"read_timeout"`
	// WriteTimeout limits response write time.
	WriteTimeout string `yaml:"write_timeout"`
	// IdleTimeout controls idle connections.
	IdleTimeout string `yaml:"idle_timeout"`
	// ShutdownTimeout overrides graceful shutdown duration.
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// StartupHooks run before the engine starts.
	StartupHooks []HookConfig `yaml:"startup_hooks"`
}

// HookConfig defines a startup hook command.
type HookConfig struct {
	// Command is the shell command to execute.
	Command string `yaml:"command"`
	// Args contains command arguments.
	Args []string `yaml:"args"`
	// Env adds environment variables.
	Env map[string]string `yaml:"env"`
	// Timeout limits hook duration.
	Timeout string `yaml:"timeout"`
}

// OrchestratorConfig defines scheduling settings.
type OrchestratorConfig struct {
	// MaxConcurrentTools bounds simultaneously running tools.
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`
	// DefaultTimeout applies to tools without an override.
	DefaultTimeout string `yaml:"default_timeout"`
	// ToolTimeouts overrides timeouts per tool name.
	ToolTimeouts map[string]string `yaml:"tool_timeouts"`
	// QueryType is the performance bucket for blending and feedback.
	QueryType string `yaml:"query_type"`
	// MinRelevance drops recommendations at or below this score.
	MinRelevance float64 `yaml:"min_relevance"`
	// MaxTools caps how many recommended tools run per query. Zero means all.
	MaxTools int `yaml:"max_tools"`
}

// CacheConfig defines performance cache settings.
type CacheConfig struct {
	// MaxSize bounds the number of entries.
	MaxSize int `yaml:"max_size"`
	// DefaultTTL applies to categories without a TTL.
	DefaultTTL string `yaml:"default_ttl"`
	// CategoryTTLs overrides TTLs per category.
	CategoryTTLs map[string]string `yaml:"category_ttls"`
	// RefreshSchedule is the cron spec of the tool metrics refresher.
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// ResourcesConfig defines resource governor settings.
type ResourcesConfig struct {
	// MonitorInterval is the time between monitor ticks.
	MonitorInterval string `yaml:"monitor_interval"`
	// ErrorBackoff is the pause after a failed tick.
	ErrorBackoff string `yaml:"error_backoff"`
	// HistoryRetention bounds the age of usage history.
	HistoryRetention string `yaml:"history_retention"`
	// SystemSampling reads host memory and CPU from /proc when enabled.
	SystemSampling *bool `yaml:"system_sampling"`
	// Limits overrides default limits per resource type.
	Limits []LimitConfig `yaml:"limits"`
}

// LimitConfig overrides one resource limit.
type LimitConfig struct {
	// Type is the resource type.
	Type string `yaml:"type"`
	// Soft is the warning threshold.
	Soft float64 `yaml:"soft"`
	// Hard is the critical threshold.
	Hard float64 `yaml:"hard"`
	// Enabled toggles checks. Defaults to true.
	Enabled *bool `yaml:"enabled"`
}

// MetricsStoreConfig selects the persistent metrics store.
type MetricsStoreConfig struct {
	// Driver is postgres or sqlite. Empty disables the store.
	Driver string `yaml:"driver"`
	// DSN is the connection string or database path.
	DSN string `yaml:"dsn"`
	// Migrate creates the schema on start.
	Migrate bool `yaml:"migrate"`
}

// AnalyticsConfig selects the usage reporting sink.
type AnalyticsConfig struct {
	// Sink is log, nats or store. Empty disables reporting.
	Sink string `yaml:"sink"`
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// Subject is the NATS subject.
	Subject string `yaml:"subject"`
}

// TracingConfig configures OpenTelemetry trace export over OTLP/gRPC.
type TracingConfig struct {
	// Enabled installs the SDK tracer provider.
	Enabled bool `yaml:"enabled"`
	// Endpoint is the collector address (default localhost:4317).
	Endpoint string `yaml:"endpoint"`
	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure"`
	// SampleRate is the sampled trace ratio in (0,1] (default 1).
	SampleRate float64 `yaml:"sample_rate"`
	// ServiceName overrides the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}

// ToolConfig declares a tool in the catalog.
type ToolConfig struct {
	// Name is the unique tool name.
	Name string `yaml:"name"`
	// Description explains the tool to selectors.
	Description string `yaml:"description"`
	// Keywords are extra selector terms.
	Keywords []string `yaml:"keywords"`
	// Dependencies lists tools whose results this tool consumes.
	Dependencies []string `yaml:"dependencies"`
	// Timeout is the tool execution timeout.
	Timeout string `yaml:"timeout"`
	// MemoryLimitMB is an advisory memory budget.
	MemoryLimitMB float64 `yaml:"memory_limit_mb"`
	// RatePerMinute limits calls per minute.
	RatePerMinute int `yaml:"rate_per_minute"`
	// MaxTotal limits total calls.
	MaxTotal int `yaml:"max_total"`
	// Executor describes how the tool is executed.
	Executor ExecutorConfig `yaml:"executor"`
}

// ExecutorConfig defines how to execute a tool.
type ExecutorConfig struct {
	// Type selects executor implementation (shell, http, mcp).
	Type string `yaml:"type"`
	// Command is the executable or shell command (shell, mcp over command).
	Command string `yaml:"command"`
	// Args contains command arguments.
	Args []string `yaml:"args"`
	// Env adds environment variables for execution.
	Env map[string]string `yaml:"env"`
	// URL is the HTTP executor endpoint.
	URL string `yaml:"url"`
	// Method overrides the HTTP method.
	Method string `yaml:"method"`
	// Headers adds HTTP headers.
	Headers map[string]string `yaml:"headers"`
	// Timeout is the executor client timeout.
	Timeout string `yaml:"timeout"`
	// Endpoint is the streamable HTTP endpoint of an MCP server.
	Endpoint string `yaml:"endpoint"`
	// Tool is the remote MCP tool name. Defaults to the catalog name.
	Tool string `yaml:"tool"`
}
