package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/tool-orchestrator/internal/dsl"
)

func TestNewValidates(t *testing.T) {
	_, err := New(context.Background(), dsl.ServerConfig{}, nil, nil, nil, 0)
	assert.Error(t, err)
}

func TestRoutes(t *testing.T) {
	routes := map[string]http.Handler{
		"/debug/stats": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("stats"))
		}),
	}
	a, err := New(context.Background(), dsl.ServerConfig{Listen: ":0"}, routes, nil, nil, time.Second)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	assert.Equal(t, "stats", rec.Body.String())

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeAndShutdown(t *testing.T) {
	a, err := New(context.Background(), dsl.ServerConfig{Listen: "127.0.0.1:0"}, nil, func() bool { return true }, nil, time.Second)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, listener) }()

	url := "http://" + listener.Addr().String() + "/readyz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "ready"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
