package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config stores environment-driven settings for the process.
type Config struct {
	// ConfigPath is the path to the YAML configuration file.
	ConfigPath string `env:"TOOL_ORCH_CONFIG" envDefault:"config.yaml"`
	// LogLevel sets the logger level.
	LogLevel string `env:"TOOL_ORCH_LOG_LEVEL" envDefault:"info"`
	// ShutdownTimeout controls graceful shutdown duration.
	ShutdownTimeout time.Duration `env:"TOOL_ORCH_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// Listen overrides server.listen from the YAML config.
	Listen string `env:"TOOL_ORCH_LISTEN"`
}

// Load parses environment variables into Config.
func Load() (Config, error) {
	return env.ParseAs[Config]()
}
