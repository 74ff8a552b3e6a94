// Package health serves liveness, readiness and diagnostics endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Handler struct {
	ready atomic.Bool
	check func() bool
}

// New returns a health handler instance. check, when set, must also pass
// for the handler to report ready.
func New(check func() bool) *Handler {
	return &Handler{check: check}
}

// SetReady marks the handler as ready.
func (h *Handler) SetReady() {
	h.ready.Store(true)
}

// SetNotReady marks the handler as not ready.
func (h *Handler) SetNotReady() {
	h.ready.Store(false)
}

// Healthz handles liveness probes.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz handles readiness probes.
func (h *Handler) Readyz(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() && (h.check == nil || h.check()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// Stats serves the value returned by collect as JSON.
func Stats[T any](collect func(ctx context.Context) T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(collect(r.Context())); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
