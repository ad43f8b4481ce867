// Package circuitbreaker provides a per-named-resource circuit breaker that
// shields the client from persistently failing endpoints. Each circuit is a
// CLOSED/OPEN/HALF_OPEN state machine wrapping arbitrary operations; the
// breaker decides admission only; retries happen one layer up.
package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/rpclink/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds for a circuit.
type Config struct {
	FailureThreshold int           // consecutive failures in CLOSED before opening; default: 5
	SuccessThreshold int           // successes in HALF_OPEN before closing; default: 2
	OpenTimeout      time.Duration // how long an OPEN circuit rejects before probing; default: 30s
}

// withDefaults fills zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// Event describes a state transition, an executed call, or a rejection on a
// circuit. Err and Duration are zero for pure transitions.
type Event struct {
	Circuit   string
	State     State
	Timestamp time.Time
	Err       error
	Duration  time.Duration
}

// Monitor receives circuit events. A panicking monitor is caught and
// swallowed; it can never affect circuit health.
type Monitor func(Event)

// OpenError is returned when a call is rejected by an open circuit. No
// operation is attempted.
type OpenError struct {
	Circuit string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open until %s", e.Circuit, e.RetryAt.Format(time.RFC3339))
}

// latencyWindowSize bounds the rolling response-time sample window.
const latencyWindowSize = 100

// Breaker is a single named circuit. Create instances through a Registry so
// circuit names are tracked in one place.
type Breaker struct {
	mu sync.Mutex

	name    string
	cfg     Config
	logger  *slog.Logger
	monitor Monitor
	now     func() time.Time // injectable clock for tests

	state         State
	failureCount  int
	successCount  int // meaningful only in HALF_OPEN
	lastFailureAt time.Time
	lastSuccessAt time.Time
	nextAttemptAt time.Time // set iff state is OPEN

	// Rolling response-time samples, reporting only. Ring buffer.
	latencies [latencyWindowSize]time.Duration
	latHead   int
	latCount  int
}

// New creates a circuit breaker with the given name. monitor may be nil.
func New(name string, cfg Config, monitor Monitor, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		monitor: monitor,
		now:     time.Now,
		state:   StateClosed,
	}
	metrics.CircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Execute runs op through the circuit. When the circuit is OPEN and the open
// timeout has not elapsed, op is not attempted and an *OpenError is returned.
// The first call at or after nextAttemptAt moves the circuit to HALF_OPEN
// before executing. The transition is lazy, there is no background timer.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	start := b.now()
	err := op(ctx)
	b.record(err, b.now().Sub(start))
	return err
}

// admit decides whether a call may proceed, applying the lazy OPEN→HALF_OPEN
// transition.
func (b *Breaker) admit() error {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	now := b.now()
	if now.Before(b.nextAttemptAt) {
		retryAt := b.nextAttemptAt
		metrics.CircuitRejections.WithLabelValues(b.name).Inc()
		b.mu.Unlock()
		b.emit(Event{Circuit: b.name, State: StateOpen, Timestamp: now, Err: &OpenError{Circuit: b.name, RetryAt: retryAt}})
		return &OpenError{Circuit: b.name, RetryAt: retryAt}
	}
	ev, _ := b.transitionLocked(StateHalfOpen)
	b.mu.Unlock()
	b.emit(ev)
	return nil
}

// record applies a call outcome to the state machine. Events are collected
// under the lock and delivered after unlocking.
func (b *Breaker) record(err error, duration time.Duration) {
	b.mu.Lock()

	b.latencies[b.latHead] = duration
	b.latHead = (b.latHead + 1) % latencyWindowSize
	if b.latCount < latencyWindowSize {
		b.latCount++
	}

	var events []Event
	now := b.now()
	if err == nil {
		b.lastSuccessAt = now
		switch b.state {
		case StateClosed:
			b.failureCount = 0
		case StateHalfOpen:
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				if ev, ok := b.transitionLocked(StateClosed); ok {
					events = append(events, ev)
				}
			}
		}
	} else {
		b.lastFailureAt = now
		switch b.state {
		case StateClosed:
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				if ev, ok := b.transitionLocked(StateOpen); ok {
					events = append(events, ev)
				}
			}
		case StateHalfOpen:
			// A single probe failure re-opens and re-arms the timeout.
			if ev, ok := b.transitionLocked(StateOpen); ok {
				events = append(events, ev)
			}
		}
	}

	events = append(events, Event{Circuit: b.name, State: b.state, Timestamp: now, Err: err, Duration: duration})
	b.mu.Unlock()

	for _, ev := range events {
		b.emit(ev)
	}
}

// transitionLocked changes state and maintains the counter invariants. Must
// be called with b.mu held. The returned event must be delivered with emit
// after unlocking; ok is false when the state is unchanged.
func (b *Breaker) transitionLocked(newState State) (ev Event, ok bool) {
	if b.state == newState {
		return Event{}, false
	}

	from := b.state
	b.state = newState

	switch newState {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.nextAttemptAt = time.Time{}
	case StateOpen:
		b.nextAttemptAt = b.now().Add(b.cfg.OpenTimeout)
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
		b.nextAttemptAt = time.Time{}
	}

	metrics.CircuitTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit state change",
		"circuit", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	return Event{Circuit: b.name, State: newState, Timestamp: b.now()}, true
}

// emit delivers an event to the monitor, isolating the breaker from monitor
// panics. Must be called without b.mu held so monitors may query the breaker.
func (b *Breaker) emit(ev Event) {
	if b.monitor == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("circuit monitor panicked", "circuit", b.name, "panic", r)
		}
	}()
	b.monitor(ev)
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen is an operational override that opens the circuit immediately,
// arming the open timeout as a normal trip would. On an already-open circuit
// it re-arms the timeout so the manual open always holds for a full window,
// and still emits a monitor event.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	ev, ok := b.transitionLocked(StateOpen)
	if !ok {
		b.nextAttemptAt = b.now().Add(b.cfg.OpenTimeout)
		b.logger.Info("open circuit force-opened, timeout re-armed", "circuit", b.name)
		ev = Event{Circuit: b.name, State: StateOpen, Timestamp: b.now()}
	}
	b.mu.Unlock()
	b.emit(ev)
}

// ForceClose is an operational override that closes the circuit and resets
// its counters as a normal recovery would. Counters reset and a monitor
// event fires even when the circuit is already closed.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	ev, ok := b.transitionLocked(StateClosed)
	if !ok {
		b.failureCount = 0
		b.successCount = 0
		ev = Event{Circuit: b.name, State: StateClosed, Timestamp: b.now()}
	}
	b.mu.Unlock()
	b.emit(ev)
}

// Reset is an alias for ForceClose kept for operational symmetry.
func (b *Breaker) Reset() { b.ForceClose() }

// AverageResponseTime reports the mean of the rolling latency window, or 0
// when no calls have executed. It never affects state transitions.
func (b *Breaker) AverageResponseTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latCount == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < b.latCount; i++ {
		total += b.latencies[i]
	}
	return total / time.Duration(b.latCount)
}

// Snapshot is a point-in-time view of a circuit for observability.
type Snapshot struct {
	Name            string        `json:"name"`
	State           string        `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	LastFailureAt   time.Time     `json:"last_failure_at,omitzero"`
	LastSuccessAt   time.Time     `json:"last_success_at,omitzero"`
	NextAttemptAt   time.Time     `json:"next_attempt_at,omitzero"`
	AvgResponseTime time.Duration `json:"avg_response_time_ns"`
}

// Snapshot returns the circuit's current observable state.
func (b *Breaker) Snapshot() Snapshot {
	avg := b.AverageResponseTime()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureAt:   b.lastFailureAt,
		LastSuccessAt:   b.lastSuccessAt,
		NextAttemptAt:   b.nextAttemptAt,
		AvgResponseTime: avg,
	}
}
