// Package main provides a stub RPC server for testing the client. It speaks
// the JSON request/response frames over a websocket endpoint (/ws), a plain
// request/response endpoint (POST /call), and a batch queue endpoint
// (GET /poll). Flags add controllable failure modes to exercise retries,
// breaker trips, and transport fallback.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dskow/rpclink/internal/protocol"
)

func main() {
	port := flag.Int("port", 8700, "port to listen on")
	denyWS := flag.Bool("deny-ws", false, "reject websocket upgrades to force fallback")
	dropFirst := flag.Int("drop-first", 0, "swallow this many requests without responding (simulates timeouts)")
	deferPoll := flag.Bool("defer-poll", false, "queue /call responses for /poll instead of answering inline")
	flag.Parse()

	s := &server{
		denyWS:    *denyWS,
		dropFirst: *dropFirst,
		deferPoll: *deferPoll,
		flaky:     make(map[string]int),
		queues:    make(map[string][]json.RawMessage),
	}

	http.HandleFunc("/ws", s.handleWS)
	http.HandleFunc("/call", s.handleCall)
	http.HandleFunc("/poll", s.handlePoll)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("echoserver listening on %s (deny-ws=%v drop-first=%d defer-poll=%v)",
		addr, *denyWS, *dropFirst, *deferPoll)
	log.Fatal(http.ListenAndServe(addr, nil))
}

type server struct {
	denyWS    bool
	dropFirst int
	deferPoll bool
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	dropped int
	flaky   map[string]int
	queues  map[string][]json.RawMessage
}

// shouldDrop consumes one slot of the drop-first budget.
func (s *server) shouldDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped < s.dropFirst {
		s.dropped++
		return true
	}
	return false
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.denyWS {
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
		if s.shouldDrop() {
			log.Printf("dropping request on purpose")
			continue
		}
		resp := s.dispatch(data)
		out, _ := json.Marshal(resp)
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func (s *server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request frame", http.StatusBadRequest)
		return
	}
	if s.shouldDrop() {
		log.Printf("dropping call on purpose")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := s.handle(req)
	out, _ := json.Marshal(resp)

	if s.deferPoll {
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

func (s *server) handlePoll(w http.ResponseWriter, r *http.Request) {
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

func (s *server) dispatch(data []byte) protocol.Response {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.Response{Error: &protocol.WireError{
			Type: "ValidationError", Message: "malformed request frame",
		}}
	}
	return s.handle(req)
}

// handle implements the stub functions. Unknown names report an error frame
// rather than closing the connection.
func (s *server) handle(req protocol.Request) protocol.Response {
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
	case "sleep":
		ms := 100.0
		if len(req.Args) > 0 {
			if n, ok := req.Args[0].(float64); ok {
				ms = n
			}
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		resp.Result = mustJSON("slept")
	case "fail":
		errType, message := "ServerError", "requested failure"
		if len(req.Args) > 0 {
			if t, ok := req.Args[0].(string); ok {
				errType = t
			}
		}
		if len(req.Args) > 1 {
			if m, ok := req.Args[1].(string); ok {
				message = m
			}
		}
		resp.Error = &protocol.WireError{Type: errType, Message: message}
	case "flaky":
		// Fails the first <failures> calls per key, then succeeds.
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
			resp.Error = &protocol.WireError{
				Type:    "ServerError",
				Message: fmt.Sprintf("flaky failure %d of %g", n, failures),
			}
		} else {
			resp.Result = mustJSON(map[string]any{"key": key, "calls": n})
		}
	default:
		resp.Error = &protocol.WireError{
			Type:    "UnknownFunction",
			Message: fmt.Sprintf("no such function %q", req.Function),
		}
	}
	return resp
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(err.Error())
	}
	return b
}
