//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dskow/rpclink/internal/callmanager"
	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/metrics"
	"github.com/dskow/rpclink/internal/protocol"
	"github.com/dskow/rpclink/internal/transport"
)

func init() {
	metrics.Init()
}

// stub is an in-process RPC server exposing the same three endpoints as
// cmd/echoserver, with failure modes toggleable mid-test.
type stub struct {
	denyWS    atomic.Bool
	deferPoll atomic.Bool
	upgrader  websocket.Upgrader

	mu            sync.Mutex
	dropRemaining int
	flaky         map[string]int
	queues        map[string][]json.RawMessage

	srv *httptest.Server
}

func newStub(t *testing.T) *stub {
	t.Helper()
	s := &stub{
		flaky:  make(map[string]int),
		queues: make(map[string][]json.RawMessage),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/call", s.handleCall)
	mux.HandleFunc("/poll", s.handlePoll)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stub) wsURL() string   { return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws" }
func (s *stub) httpURL() string { return s.srv.URL }

func (s *stub) dropNext(n int) {
	s.mu.Lock()
	s.dropRemaining = n
	s.mu.Unlock()
}

func (s *stub) shouldDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropRemaining > 0 {
		s.dropRemaining--
		return true
	}
	return false
}

func (s *stub) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.denyWS.Load() {
		http.Error(w, "websocket disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if s.shouldDrop() {
			continue
		}
		out, _ := json.Marshal(s.handle(req))
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func (s *stub) handleCall(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad frame", http.StatusBadRequest)
		return
	}
	if s.shouldDrop() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	out, _ := json.Marshal(s.handle(req))

	if s.deferPoll.Load() {
		clientID := r.Header.Get("X-Client-ID")
		s.mu.Lock()
		s.queues[clientID] = append(s.queues[clientID], out)
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *stub) handlePoll(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get("X-Client-ID")
	s.mu.Lock()
	queued := s.queues[clientID]
	delete(s.queues, clientID)
	s.mu.Unlock()

	if len(queued) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(queued)
}

func (s *stub) handle(req protocol.Request) protocol.Response {
	resp := protocol.Response{ID: req.ID}
	switch req.Function {
	case "echo":
		if len(req.Args) == 1 {
			resp.Result = mustJSON(req.Args[0])
		} else {
			resp.Result = mustJSON(req.Args)
		}
	case "add":
		var sum float64
		for _, a := range req.Args {
			if n, ok := a.(float64); ok {
				sum += n
			}
		}
		resp.Result = mustJSON(sum)
	case "fail":
		errType := "ServerError"
		if len(req.Args) > 0 {
			if t, ok := req.Args[0].(string); ok {
				errType = t
			}
		}
		resp.Error = &protocol.WireError{Type: errType, Message: "requested failure"}
	case "flaky":
		key := "default"
		failures := 1.0
		if v, ok := req.Kwargs["key"].(string); ok {
			key = v
		}
		if v, ok := req.Kwargs["failures"].(float64); ok {
			failures = v
		}
		s.mu.Lock()
		s.flaky[key]++
		n := s.flaky[key]
		s.mu.Unlock()
		if float64(n) <= failures {
			resp.Error = &protocol.WireError{Type: "ServerError", Message: fmt.Sprintf("flaky failure %d", n)}
		} else {
			resp.Result = mustJSON(n)
		}
	default:
		resp.Error = &protocol.WireError{Type: "UnknownFunction", Message: req.Function}
	}
	return resp
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func fastFallback() config.FallbackConfig {
	return config.FallbackConfig{
		MaxPrimaryAttempts:    2,
		PrimaryRetryDelay:     10 * time.Millisecond,
		PollInterval:          10 * time.Millisecond,
		MaxPollInterval:       100 * time.Millisecond,
		PollBackoffMultiplier: 2.0,
		HealthCheckInterval:   25 * time.Millisecond,
	}
}

func fastCall() config.CallConfig {
	retries := 2
	return config.CallConfig{
		Timeout:    200 * time.Millisecond,
		Retries:    &retries,
		RetryDelay: 10 * time.Millisecond,
	}
}

// buildClient wires a full client stack against the stub, mirroring
// cmd/rpclink.
func buildClient(t *testing.T, s *stub) (*callmanager.Manager, *transport.Controller) {
	t.Helper()

	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenTimeout:      100 * time.Millisecond,
	}, nil, slog.Default())

	dial := transport.NewStreamDialer(s.wsURL(), nil, slog.Default())
	poller := transport.NewPollClient(s.httpURL(), uuid.NewString(), nil, slog.Default())
	ctrl := transport.NewController(fastFallback(), time.Second, dial, poller, reg.Get("http_polling"), slog.Default())

	mgr := callmanager.New(fastCall(), nil, slog.Default())
	ctrl.OnMessage(mgr.HandleMessage)
	ctrl.OnConnectionChange(func(ch transport.Channel) {
		if ch == transport.ChannelDisconnected {
			mgr.Detach()
		} else {
			mgr.Attach(ctrl)
		}
	})

	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctrl.Close() })
	return mgr, ctrl
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
