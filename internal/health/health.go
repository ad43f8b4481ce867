// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/transport"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Handler provides /health and /ready endpoints. Liveness only says the
// process is up; readiness requires an active transport channel and no open
// circuits.
type Handler struct {
	ctrl     *transport.Controller
	registry *circuitbreaker.Registry
	logger   *slog.Logger
}

// New creates a health Handler.
func New(ctrl *transport.Controller, registry *circuitbreaker.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ctrl: ctrl, registry: registry, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	channel := h.ctrl.ActiveChannel()

	circuits := make(map[string]string)
	anyOpen := false
	for _, snap := range h.registry.Snapshots() {
		circuits[snap.Name] = snap.State
		if snap.State == circuitbreaker.StateOpen.String() {
			anyOpen = true
		}
	}

	ready := channel != transport.ChannelDisconnected && !anyOpen

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !ready {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]any{
		"status":   statusStr,
		"channel":  channel.String(),
		"circuits": circuits,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
