package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codex-k8s/tool-orchestrator/internal/protocol"
	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

const maxResponseBytes = 1 << 20

// HTTP calls an external HTTP executor.
type HTTP struct {
	// URL is the executor endpoint.
	URL string
	// Method overrides HTTP method.
	Method string
	// Headers adds HTTP headers.
	Headers map[string]string
	// Timeout is the HTTP client timeout.
	Timeout time.Duration
	// Client overrides the HTTP client.
	Client *http.Client
}

// Invoke posts the request to the executor and parses its result.
func (h HTTP) Invoke(ctx context.Context, req tool.Request) (any, error) {
	if strings.TrimSpace(h.URL) == "" {
		return nil, errors.New("executor url is empty")
	}

	payload := protocol.ExecutorRequest{
		ExecutionID:     req.ExecutionID,
		Tool:            req.ToolName,
		Query:           req.Query,
		PreviousResults: req.PreviousResults,
		TimeoutSec:      remainingSeconds(ctx),
	}
	for _, item := range req.Context {
		payload.Context = append(payload.Context, protocol.ContextItem{
			Content:   item.Content,
			Relevance: item.Relevance,
			Source:    item.Source,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(h.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		request.Header.Set(key, value)
	}

	resp, err := h.client().Do(request)
	if err != nil {
		return nil, fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	trimmed := strings.TrimSpace(string(data))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("executor status %d: %s", resp.StatusCode, trimmed)
	}

	var parsed protocol.ExecutorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && strings.TrimSpace(parsed.Status) != "" {
		switch status := strings.ToLower(strings.TrimSpace(parsed.Status)); status {
		case protocol.StatusSuccess:
			return parsed.Result, nil
		case protocol.StatusError:
			message := stringifyResult(parsed.Result)
			if message == "" {
				message = "executor error"
			}
			return nil, errors.New(message)
		default:
			return nil, fmt.Errorf("unknown executor status: %s", status)
		}
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err == nil {
		return raw, nil
	}
	return trimmed, nil
}

func (h HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func remainingSeconds(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return max(int(remaining.Seconds()), 1)
}
