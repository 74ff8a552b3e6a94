// Package executor provides tool.Tool implementations backed by shell
// commands, HTTP executors and remote MCP servers.
package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codex-k8s/tool-orchestrator/internal/executil"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

func templateData(req tool.Request) executil.TemplateData {
	return executil.TemplateData{
		Query:       req.Query,
		ToolName:    req.ToolName,
		ExecutionID: req.ExecutionID,
		Previous:    req.PreviousResults,
	}
}

func stringifyResult(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return strings.TrimSpace(string(data))
	}
}
