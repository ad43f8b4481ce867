package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/metrics"
	"github.com/dskow/rpclink/internal/transport"
)

func init() {
	metrics.Init()
}

type fakeReloader struct{ cfg *config.Config }

func (f *fakeReloader) Current() *config.Config { return f.cfg }

type fakeConn struct{ status transport.Status }

func (f *fakeConn) Status() transport.Status { return f.status }

type fakeCalls struct{ n int }

func (f *fakeCalls) PendingCount() int { return f.n }

func fixture(t *testing.T) (*http.ServeMux, *circuitbreaker.Registry) {
	t.Helper()
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{}, nil, slog.Default())
	reg.Get("http_polling")

	h := New(
		&fakeReloader{cfg: &config.Config{}},
		&fakeConn{status: transport.Status{Channel: "secondary"}},
		&fakeCalls{n: 3},
		reg,
		[]string{"127.0.0.0/8"},
		slog.Default(),
	)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, reg
}

func do(mux *http.ServeMux, method, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAllowlistEnforced(t *testing.T) {
	mux, _ := fixture(t)

	if rec := do(mux, http.MethodGet, "/admin/config", "127.0.0.1:999"); rec.Code != http.StatusOK {
		t.Errorf("allowlisted IP: status = %d", rec.Code)
	}
	if rec := do(mux, http.MethodGet, "/admin/config", "10.1.2.3:999"); rec.Code != http.StatusForbidden {
		t.Errorf("foreign IP: status = %d, want 403", rec.Code)
	}
}

func TestConnectionEndpoint(t *testing.T) {
	mux, _ := fixture(t)

	rec := do(mux, http.MethodGet, "/admin/connection", "127.0.0.1:999")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Connection   transport.Status `json:"connection"`
		PendingCalls int              `json:"pending_calls"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Connection.Channel != "secondary" || body.PendingCalls != 3 {
		t.Errorf("body = %+v", body)
	}
}

func TestCircuitsEndpoint(t *testing.T) {
	mux, _ := fixture(t)

	rec := do(mux, http.MethodGet, "/admin/circuits", "127.0.0.1:999")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Circuits []circuitbreaker.Snapshot `json:"circuits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Circuits) != 1 || body.Circuits[0].Name != "http_polling" {
		t.Errorf("circuits = %+v", body.Circuits)
	}
}

func TestCircuitForceOpenAndReset(t *testing.T) {
	mux, reg := fixture(t)

	rec := do(mux, http.MethodPost, "/admin/circuits/http_polling/force-open", "127.0.0.1:999")
	if rec.Code != http.StatusOK {
		t.Fatalf("force-open status = %d, body %s", rec.Code, rec.Body.String())
	}
	if reg.Get("http_polling").State() != circuitbreaker.StateOpen {
		t.Error("circuit not open after force-open")
	}

	rec = do(mux, http.MethodPost, "/admin/circuits/http_polling/reset", "127.0.0.1:999")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if reg.Get("http_polling").State() != circuitbreaker.StateClosed {
		t.Error("circuit not closed after reset")
	}
}

func TestCircuitActionErrors(t *testing.T) {
	mux, _ := fixture(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/admin/circuits/nope/force-open", http.StatusNotFound},
		{http.MethodPost, "/admin/circuits/http_polling/explode", http.StatusBadRequest},
		{http.MethodGet, "/admin/circuits/http_polling/force-open", http.StatusMethodNotAllowed},
		{http.MethodPost, "/admin/circuits", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := do(mux, tt.method, tt.path, "127.0.0.1:999")
		if rec.Code != tt.want {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestConfigRoundTrips(t *testing.T) {
	mux, _ := fixture(t)

	rec := do(mux, http.MethodGet, "/admin/config", "127.0.0.1:999")
	if !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	var cfg config.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
}
