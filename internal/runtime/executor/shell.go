package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/codex-k8s/tool-orchestrator/internal/executil"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

// Shell runs a command per invocation and returns its combined output.
type Shell struct {
	// Command is the shell command to execute.
	Command string
	// Args are command arguments.
	Args []string
	// Env adds environment variables.
	Env map[string]string
}

// Invoke renders the command templates and runs the command. A non-zero exit
// is an error carrying the output.
func (s Shell) Invoke(ctx context.Context, req tool.Request) (any, error) {
	output, _, err := executil.RunCommand(ctx, s.Command, s.Args, s.Env, templateData(req))
	output = strings.TrimSpace(output)
	if err != nil {
		if output != "" {
			return nil, fmt.Errorf("%w: %s", err, output)
		}
		return nil, err
	}
	return output, nil
}
