// Package admin provides admin API endpoints for runtime inspection of the
// client and manual circuit breaker control. All endpoints are protected by
// IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/transport"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// ConnectionProvider abstracts the transport controller.
type ConnectionProvider interface {
	Status() transport.Status
}

// PendingProvider abstracts the call manager.
type PendingProvider interface {
	PendingCount() int
}

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	conn        ConnectionProvider
	calls       PendingProvider
	registry    *circuitbreaker.Registry
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	reloader ConfigProvider,
	conn ConnectionProvider,
	calls PendingProvider,
	registry *circuitbreaker.Registry,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reloader:    reloader,
		conn:        conn,
		calls:       calls,
		registry:    registry,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/connection", h.guard(h.connectionHandler))
	mux.HandleFunc("/admin/calls", h.guard(h.callsHandler))
	mux.HandleFunc("/admin/circuits", h.guard(h.circuitsHandler))
	mux.HandleFunc("/admin/circuits/", h.guard(h.circuitActionHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}
	writeJSON(w, http.StatusOK, h.reloader.Current())
}

func (h *Handler) connectionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection":    h.conn.Status(),
		"pending_calls": h.calls.PendingCount(),
	})
}

func (h *Handler) callsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending_calls": h.calls.PendingCount(),
	})
}

func (h *Handler) circuitsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": h.registry.Snapshots(),
	})
}

// circuitActionHandler serves POST /admin/circuits/<name>/<action> where
// action is force-open, force-close, or reset.
func (h *Handler) circuitActionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/circuits/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
		return
	}
	name, action := parts[0], parts[1]

	known := false
	for _, n := range h.registry.Names() {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown circuit " + name})
		return
	}

	b := h.registry.Get(name)
	switch action {
	case "force-open":
		b.ForceOpen()
	case "force-close":
		b.ForceClose()
	case "reset":
		b.Reset()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action " + action})
		return
	}

	h.logger.Info("admin circuit override", "circuit", name, "action", action)
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
