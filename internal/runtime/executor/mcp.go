package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

// clientName identifies the orchestrator to remote MCP servers.
const clientName = "tool-orchestrator"

// MCP calls a tool on a remote MCP server. The session is opened on first
// use and reopened after a failed call.
type MCP struct {
	// RemoteTool is the tool name on the server.
	RemoteTool string
	// Version is reported in the client implementation info.
	Version string
	// NewTransport builds a transport for each new session.
	NewTransport func() mcp.Transport

	mu      sync.Mutex
	session *mcp.ClientSession
}

// NewCommandMCP returns an MCP tool that spawns command and talks over stdio.
func NewCommandMCP(remoteTool, command string, args []string, env map[string]string) *MCP {
	return &MCP{
		RemoteTool: remoteTool,
		NewTransport: func() mcp.Transport {
			cmd := exec.Command(command, args...)
			cmd.Env = os.Environ()
			for key, value := range env {
				cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
			}
			return &mcp.CommandTransport{Command: cmd}
		},
	}
}

// NewStreamableMCP returns an MCP tool that talks to a streamable HTTP endpoint.
func NewStreamableMCP(remoteTool, endpoint string, headers map[string]string) *MCP {
	client := &http.Client{Transport: headerTransport{headers: headers, base: http.DefaultTransport}}
	return &MCP{
		RemoteTool: remoteTool,
		NewTransport: func() mcp.Transport {
			return &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: client}
		},
	}
}

// Invoke calls the remote tool with the query as its only argument.
func (m *MCP) Invoke(ctx context.Context, req tool.Request) (any, error) {
	session, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	name := m.RemoteTool
	if strings.TrimSpace(name) == "" {
		name = req.ToolName
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: map[string]any{"query": req.Query},
	})
	if err != nil {
		if ctx.Err() == nil {
			m.reset(session)
		}
		return nil, fmt.Errorf("mcp call %s: %w", name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "mcp tool error"
		}
		return nil, errors.New(text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

// Close ends the current session if any.
func (m *MCP) Close() error {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func (m *MCP) connect(ctx context.Context) (*mcp.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return m.session, nil
	}
	if m.NewTransport == nil {
		return nil, errors.New("mcp transport is not configured")
	}
	version := m.Version
	if version == "" {
		version = "dev"
	}
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: version}, nil)
	session, err := client.Connect(ctx, m.NewTransport(), nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	m.session = session
	return session, nil
}

func (m *MCP) reset(session *mcp.ClientSession) {
	m.mu.Lock()
	if m.session == session {
		m.session = nil
	}
	m.mu.Unlock()
	_ = session.Close()
}

func contentText(items []mcp.Content) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if text, ok := item.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for key, value := range t.headers {
			req.Header.Set(key, value)
		}
	}
	return t.base.RoundTrip(req)
}
