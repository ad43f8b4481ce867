// Package callmanager correlates outbound calls with inbound responses. Each
// invoke is assigned a process-unique id and parked in a pending table until
// its response arrives, its timeout fires, or it is cancelled. Timeouts, send
// failures, and transient wire errors are retried with the same correlation
// id; only the call's single timer is replaced.
package callmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/metrics"
	"github.com/dskow/rpclink/internal/protocol"
	"github.com/dskow/rpclink/internal/ratelimit"
	"github.com/dskow/rpclink/internal/rpcerror"
)

// Transport is the manager's view of the transport layer.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// Options override the configured per-call defaults. Zero values mean "use
// the default"; set Retries explicitly to disable retries for one call.
type Options struct {
	Timeout    time.Duration
	Retries    *int
	RetryDelay time.Duration

	// Priority is advisory metadata recorded on the pending call and carried
	// in retry logs. Frames are sent in submission order regardless.
	Priority int
}

// PushHandler receives server-initiated frames (frames without a
// correlation id).
type PushHandler func(protocol.Response)

// ErrorHandler receives manager-observed errors: malformed inbound frames
// and terminal call failures.
type ErrorHandler func(error)

// ConnectionHandler is notified when a transport is attached or detached.
type ConnectionHandler func(connected bool)

type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is one in-flight invoke. The frame is kept so a retry resends
// byte-identical content under the same id. timer is the call's only timer:
// it holds either the retry-delay timer or the timeout timer, never both.
type pendingCall struct {
	id          string
	function    string
	frame       []byte
	timeout     time.Duration
	retryDelay  time.Duration
	retriesLeft int
	attempts    int
	priority    int
	timer       *time.Timer
	done        chan outcome
}

// Manager owns the pending-call table. All mutation happens through the
// manager's own methods; the transport only hands it raw inbound frames.
type Manager struct {
	defaults config.CallConfig
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	mu        sync.Mutex
	transport Transport
	pending   map[string]*pendingCall

	onPush       []PushHandler
	onError      []ErrorHandler
	onConnection []ConnectionHandler
}

// New creates a call manager. limiter may be nil to disable invoke pacing.
func New(defaults config.CallConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		defaults: defaults,
		limiter:  limiter,
		logger:   logger,
		pending:  make(map[string]*pendingCall),
	}
}

// OnPush registers a handler for server-initiated frames.
func (m *Manager) OnPush(h PushHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPush = append(m.onPush, h)
}

// OnError registers a handler for manager-observed errors.
func (m *Manager) OnError(h ErrorHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = append(m.onError, h)
}

// OnConnectionChange registers a handler for attach/detach events.
func (m *Manager) OnConnectionChange(h ConnectionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnection = append(m.onConnection, h)
}

// Attach connects the manager to a transport and notifies listeners.
func (m *Manager) Attach(t Transport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
	m.notifyConnection(true)
}

// Detach disconnects the manager from its transport. Every pending call is
// failed with a connection-closed error.
func (m *Manager) Detach() {
	m.mu.Lock()
	if m.transport == nil && len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	dropped := make([]*pendingCall, 0, len(m.pending))
	for id, pc := range m.pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		delete(m.pending, id)
		dropped = append(dropped, pc)
	}
	metrics.PendingCalls.Sub(float64(len(dropped)))
	m.mu.Unlock()

	for _, pc := range dropped {
		m.finish(pc, nil, rpcerror.ConnectionClosed(pc.function))
	}
	m.notifyConnection(false)
}

// PendingCount returns the number of calls awaiting a response.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// resolve merges per-call options over the configured defaults.
func (m *Manager) resolve(opts *Options) (timeout, retryDelay time.Duration, retries, priority int) {
	timeout = m.defaults.Timeout
	retryDelay = m.defaults.RetryDelay
	retries = m.defaults.RetryCount()
	if opts == nil {
		return timeout, retryDelay, retries, 0
	}
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if opts.RetryDelay > 0 {
		retryDelay = opts.RetryDelay
	}
	if opts.Retries != nil {
		retries = *opts.Retries
	}
	return timeout, retryDelay, retries, opts.Priority
}

// Invoke sends one call and blocks until a response, timeout exhaustion,
// cancellation, or transport teardown resolves it. The returned bytes are
// the raw JSON result.
func (m *Manager) Invoke(ctx context.Context, function string, args []any, kwargs map[string]any, opts *Options) (json.RawMessage, error) {
	if function == "" {
		return nil, rpcerror.Validation("", "function name is required")
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, function); err != nil {
			return nil, rpcerror.Cancelled(function).WithCause(err)
		}
	}

	id := uuid.NewString()
	frame, err := protocol.EncodeRequest(protocol.Request{
		ID:       id,
		Function: function,
		Args:     args,
		Kwargs:   kwargs,
	})
	if err != nil {
		return nil, rpcerror.Validation(function, err.Error())
	}

	timeout, retryDelay, retries, priority := m.resolve(opts)

	m.mu.Lock()
	tr := m.transport
	if tr == nil {
		m.mu.Unlock()
		metrics.CallsTotal.WithLabelValues(function, "error").Inc()
		return nil, rpcerror.NotConnected(function)
	}
	pc := &pendingCall{
		id:          id,
		function:    function,
		frame:       frame,
		timeout:     timeout,
		retryDelay:  retryDelay,
		retriesLeft: retries,
		attempts:    1,
		priority:    priority,
		done:        make(chan outcome, 1),
	}
	m.pending[id] = pc
	metrics.PendingCalls.Inc()
	m.mu.Unlock()

	start := time.Now()
	if err := tr.Send(ctx, frame); err != nil {
		m.handleSendFailure(id, err)
	} else {
		m.armTimeout(id)
	}

	var out outcome
	select {
	case out = <-pc.done:
	case <-ctx.Done():
		m.remove(id)
		out = outcome{err: rpcerror.Cancelled(function).WithCause(ctx.Err())}
	}

	metrics.CallsTotal.WithLabelValues(function, outcomeLabel(out.err)).Inc()
	metrics.CallDuration.WithLabelValues(function).Observe(time.Since(start).Seconds())

	if out.err != nil {
		return nil, out.err
	}
	return out.result, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case rpcerror.CodeOf(err) == rpcerror.CodeTimeout:
		return "timeout"
	case rpcerror.CodeOf(err) == rpcerror.CodeCancelled,
		rpcerror.CodeOf(err) == rpcerror.CodeConnectionClosed:
		return "cancelled"
	default:
		return "error"
	}
}

// armTimeout replaces the call's timer with a fresh timeout timer.
func (m *Manager) armTimeout(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[id]
	if !ok {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.timer = time.AfterFunc(pc.timeout, func() { m.onTimeout(id) })
}

// onTimeout handles a call that got no response within its budget. Timeouts
// are treated like transient network failures: the call retries under the
// same id until the retry budget is spent.
func (m *Manager) onTimeout(id string) {
	m.mu.Lock()
	pc, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if pc.retriesLeft > 0 {
		pc.retriesLeft--
		pc.attempts++
		metrics.RetriesTotal.WithLabelValues(pc.function, "timeout").Inc()
		m.logger.Warn("call timed out, retrying",
			"id", id,
			"function", pc.function,
			"attempt", pc.attempts,
			"priority", pc.priority,
		)
		pc.timer = time.AfterFunc(pc.retryDelay, func() { m.resend(id) })
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	metrics.PendingCalls.Dec()
	m.mu.Unlock()

	m.logger.Warn("call timed out, retry budget spent", "id", id, "function", pc.function)
	m.finish(pc, nil, rpcerror.Timeout(pc.function))
}

// handleSendFailure retries a failed send or resolves the call when the
// budget is spent.
func (m *Manager) handleSendFailure(id string, sendErr error) {
	m.mu.Lock()
	pc, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if pc.retriesLeft > 0 {
		pc.retriesLeft--
		pc.attempts++
		metrics.RetriesTotal.WithLabelValues(pc.function, "network").Inc()
		m.logger.Warn("send failed, retrying",
			"id", id,
			"function", pc.function,
			"attempt", pc.attempts,
			"error", sendErr,
		)
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.timer = time.AfterFunc(pc.retryDelay, func() { m.resend(id) })
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	metrics.PendingCalls.Dec()
	m.mu.Unlock()

	m.finish(pc, nil, rpcerror.Network(pc.function, "send failed").WithCause(sendErr))
}

// resend retransmits the original frame. A late response to the previous
// attempt may have resolved the call in the meantime; that is checked both
// before and after the send.
func (m *Manager) resend(id string) {
	m.mu.Lock()
	pc, ok := m.pending[id]
	tr := m.transport
	m.mu.Unlock()
	if !ok {
		return
	}
	if tr == nil {
		// Detach already failed every pending call; nothing to do.
		return
	}

	if err := tr.Send(context.Background(), pc.frame); err != nil {
		m.handleSendFailure(id, err)
		return
	}
	m.armTimeout(id)
}

// HandleMessage processes one inbound frame. Frames without an id are push
// events; frames with an unknown id are ignored (the call already timed out
// or was cancelled). A response carrying a transient error (server-reported
// timeout or connection failure) is retried under the same id while the
// call's budget lasts; only terminal errors resolve the call.
func (m *Manager) HandleMessage(data []byte) {
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		m.logger.Warn("discarding malformed inbound frame", "error", err)
		m.notifyError(err)
		return
	}
	if resp.ID == "" {
		m.notifyPush(resp)
		return
	}

	m.mu.Lock()
	pc, ok := m.pending[resp.ID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("response for unknown call id", "id", resp.ID)
		return
	}

	if resp.Error != nil {
		werr := rpcerror.FromWire(pc.function, resp.Error.Type, resp.Error.Message, resp.Error.Details)
		if rpcerror.Retryable(werr) && pc.retriesLeft > 0 {
			pc.retriesLeft--
			pc.attempts++
			trigger := "network"
			if rpcerror.CodeOf(werr) == rpcerror.CodeTimeout {
				trigger = "timeout"
			}
			metrics.RetriesTotal.WithLabelValues(pc.function, trigger).Inc()
			m.logger.Warn("transient error response, retrying",
				"id", resp.ID,
				"function", pc.function,
				"attempt", pc.attempts,
				"priority", pc.priority,
				"error", werr,
			)
			if pc.timer != nil {
				pc.timer.Stop()
			}
			pc.timer = time.AfterFunc(pc.retryDelay, func() { m.resend(resp.ID) })
			m.mu.Unlock()
			return
		}
		delete(m.pending, resp.ID)
		if pc.timer != nil {
			pc.timer.Stop()
		}
		metrics.PendingCalls.Dec()
		m.mu.Unlock()
		m.finish(pc, nil, werr)
		return
	}

	delete(m.pending, resp.ID)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	metrics.PendingCalls.Dec()
	m.mu.Unlock()
	m.finish(pc, resp.Result, nil)
}

// Cancel aborts one pending call. Returns false when the id is not pending.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	pc, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	metrics.PendingCalls.Dec()
	m.mu.Unlock()

	m.finish(pc, nil, rpcerror.Cancelled(pc.function))
	return true
}

// CancelAll aborts every pending call and returns how many were cancelled.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	dropped := make([]*pendingCall, 0, len(m.pending))
	for id, pc := range m.pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		delete(m.pending, id)
		dropped = append(dropped, pc)
	}
	metrics.PendingCalls.Sub(float64(len(dropped)))
	m.mu.Unlock()

	for _, pc := range dropped {
		m.finish(pc, nil, rpcerror.Cancelled(pc.function))
	}
	return len(dropped)
}

// remove drops a pending call without resolving it (the caller already has
// its outcome).
func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[id]
	if !ok {
		return
	}
	delete(m.pending, id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	metrics.PendingCalls.Dec()
}

// finish resolves a call. The done channel is buffered so finish never
// blocks; terminal failures also reach error listeners.
func (m *Manager) finish(pc *pendingCall, result json.RawMessage, err error) {
	pc.done <- outcome{result: result, err: err}
	if err != nil {
		m.notifyError(err)
	}
}

func (m *Manager) notifyPush(resp protocol.Response) {
	m.mu.Lock()
	handlers := append([]PushHandler(nil), m.onPush...)
	m.mu.Unlock()
	for _, h := range handlers {
		m.safely(func() { h(resp) })
	}
}

func (m *Manager) notifyError(err error) {
	m.mu.Lock()
	handlers := append([]ErrorHandler(nil), m.onError...)
	m.mu.Unlock()
	for _, h := range handlers {
		m.safely(func() { h(err) })
	}
}

func (m *Manager) notifyConnection(connected bool) {
	m.mu.Lock()
	handlers := append([]ConnectionHandler(nil), m.onConnection...)
	m.mu.Unlock()
	for _, h := range handlers {
		m.safely(func() { h(connected) })
	}
}

// safely isolates a listener: a panicking subscriber never affects the
// manager or other subscribers.
func (m *Manager) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("call manager listener panicked", "panic", r)
		}
	}()
	fn()
}
