package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/metrics"
	"github.com/dskow/rpclink/internal/transport"
)

func init() {
	metrics.Init()
}

type nopStream struct{}

func (nopStream) Send([]byte) error { return nil }
func (nopStream) Close() error      { return nil }

func okDial(context.Context, func([]byte), func(error)) (transport.Stream, error) {
	return nopStream{}, nil
}

type nopPoller struct{}

func (nopPoller) Call(context.Context, []byte) ([]byte, error) { return nil, nil }
func (nopPoller) Poll(context.Context) ([][]byte, error)       { return nil, nil }

func fixture(t *testing.T, connect bool) (*Handler, *circuitbreaker.Registry) {
	t.Helper()
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{}, nil, slog.Default())
	ctrl := transport.NewController(config.FallbackConfig{
		MaxPrimaryAttempts:    1,
		PrimaryRetryDelay:     time.Millisecond,
		PollInterval:          time.Hour,
		MaxPollInterval:       time.Hour,
		PollBackoffMultiplier: 2.0,
		HealthCheckInterval:   time.Hour,
	}, time.Second, okDial, nopPoller{}, reg.Get("http_polling"), slog.Default())
	t.Cleanup(func() { ctrl.Close() })
	if connect {
		if err := ctrl.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	return New(ctrl, reg, slog.Default()), reg
}

func TestLiveness(t *testing.T) {
	h, _ := fixture(t, false)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}`+"\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestReadinessDisconnected(t *testing.T) {
	h, _ := fixture(t, false)

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	var body struct {
		Status  string `json:"status"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "not ready" || body.Channel != "disconnected" {
		t.Errorf("body = %+v", body)
	}
}

func TestReadinessConnected(t *testing.T) {
	h, _ := fixture(t, true)

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadinessOpenCircuit(t *testing.T) {
	h, reg := fixture(t, true)
	reg.Get("http_polling").ForceOpen()

	rec := httptest.NewRecorder()
	h.readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	var body struct {
		Circuits map[string]string `json:"circuits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Circuits["http_polling"] != "open" {
		t.Errorf("circuits = %v", body.Circuits)
	}
}
