// Package runtime turns the declarative tool list into a catalog of
// executable tools.
package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/codex-k8s/tool-orchestrator/internal/constants"
	"github.com/codex-k8s/tool-orchestrator/internal/dsl"
	"github.com/codex-k8s/tool-orchestrator/internal/limits"
	"github.com/codex-k8s/tool-orchestrator/internal/runtime/executor"
	"github.com/codex-k8s/tool-orchestrator/internal/security"
	"github.com/codex-k8s/tool-orchestrator/internal/timeutil"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

// Builder constructs the tool catalog from the DSL config.
type Builder struct {
	// Logger is used for structured logging.
	Logger *slog.Logger
	// Version is reported to remote MCP servers.
	Version string
}

// Toolset is the result of Build.
type Toolset struct {
	// Catalog holds every configured tool.
	Catalog *tool.Catalog
	// Policies are the per-tool admission limits.
	Policies map[string]limits.Policy

	closers []io.Closer
}

// Close releases remote sessions opened by MCP tools.
func (t *Toolset) Close() error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, closer := range t.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build creates executors for every tool and registers them in a catalog.
func (b Builder) Build(cfg *dsl.Config) (*Toolset, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	set := &Toolset{Policies: make(map[string]limits.Policy)}
	descriptors := make([]tool.Descriptor, 0, len(cfg.Tools))
	for _, item := range cfg.Tools {
		impl, closer, err := b.buildExecutor(item)
		if err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("tool %s: %w", item.Name, err)
		}
		if closer != nil {
			set.closers = append(set.closers, closer)
		}
		descriptors = append(descriptors, tool.Descriptor{
			Name:          item.Name,
			Description:   item.Description,
			Keywords:      item.Keywords,
			Tool:          impl,
			Dependencies:  item.Dependencies,
			Timeout:       timeutil.ParseDurationOrDefault(item.Timeout, 0),
			MemoryLimitMB: item.MemoryLimitMB,
		})
		if item.MaxTotal > 0 || item.RatePerMinute > 0 {
			set.Policies[item.Name] = limits.Policy{MaxTotal: item.MaxTotal, RatePerMinute: item.RatePerMinute}
		}
	}
	catalog, err := tool.NewCatalog(descriptors...)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	set.Catalog = catalog
	return set, nil
}

func (b Builder) buildExecutor(item dsl.ToolConfig) (tool.Tool, io.Closer, error) {
	cfg := item.Executor
	if b.Logger != nil {
		b.Logger.Debug("tool executor configured",
			"tool", item.Name,
			"type", cfg.Type,
			"env", security.RedactStrings(cfg.Env),
			"headers", security.RedactStrings(cfg.Headers),
		)
	}
	switch cfg.Type {
	case constants.ExecutorShell:
		return executor.Shell{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
		}, nil, nil
	case constants.ExecutorHTTP:
		return executor.HTTP{
			URL:     cfg.URL,
			Method:  cfg.Method,
			Headers: cfg.Headers,
			Timeout: timeutil.ParseDurationOrDefault(cfg.Timeout, 10*time.Second),
		}, nil, nil
	case constants.ExecutorMCP:
		remote := cfg.Tool
		if strings.TrimSpace(remote) == "" {
			remote = item.Name
		}
		var impl *executor.MCP
		if strings.TrimSpace(cfg.Endpoint) != "" {
			impl = executor.NewStreamableMCP(remote, cfg.Endpoint, cfg.Headers)
		} else {
			impl = executor.NewCommandMCP(remote, cfg.Command, cfg.Args, cfg.Env)
		}
		impl.Version = b.Version
		return impl, impl, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor type: %s", cfg.Type)
	}
}
