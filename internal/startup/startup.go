// Package startup runs shell hooks before the engine starts, e.g. to warm a
// metrics database or wait for an executor.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codex-k8s/tool-orchestrator/internal/dsl"
	"github.com/codex-k8s/tool-orchestrator/internal/executil"
	"github.com/codex-k8s/tool-orchestrator/internal/security"
	"github.com/codex-k8s/tool-orchestrator/internal/timeutil"
)

// Run executes hooks sequentially and stops at the first failure.
func Run(ctx context.Context, hooks []dsl.HookConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for idx, hook := range hooks {
		if strings.TrimSpace(hook.Command) == "" {
			continue
		}
		if err := runHook(ctx, idx, hook, logger); err != nil {
			return err
		}
	}
	return nil
}

func runHook(ctx context.Context, idx int, hook dsl.HookConfig, logger *slog.Logger) error {
	hookCtx := ctx
	if timeout := timeutil.ParseDurationOrDefault(hook.Timeout, 0); timeout > 0 {
		var cancel context.CancelFunc
		hookCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("running startup hook", "index", idx, "env", security.RedactStrings(hook.Env))
	output, _, err := executil.RunCommand(hookCtx, hook.Command, hook.Args, hook.Env, executil.TemplateData{ToolName: "startup"})
	output = strings.TrimSpace(output)
	if err != nil {
		if output != "" {
			logger.Error("startup hook failed", "index", idx, "output", output)
		}
		return fmt.Errorf("startup hook %d failed: %w", idx, err)
	}
	if output != "" {
		logger.Info("startup hook output", "index", idx, "output", output)
	}
	return nil
}
