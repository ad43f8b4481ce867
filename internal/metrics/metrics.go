// Package metrics provides Prometheus instrumentation for the RPC client.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CallsTotal counts completed calls by server function and outcome
	// (ok, error, timeout, cancelled).
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpclink_calls_total",
			Help: "Total RPC calls completed",
		},
		[]string{"function", "outcome"},
	)

	// CallDuration observes end-to-end call latency (including retries).
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpclink_call_duration_seconds",
			Help:    "End-to-end call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	// RetriesTotal counts retry attempts by server function and trigger.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpclink_retries_total",
			Help: "Total call retry attempts",
		},
		[]string{"function", "trigger"},
	)

	// PendingCalls tracks the number of calls awaiting a response.
	PendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpclink_pending_calls",
			Help: "Number of calls currently awaiting a correlated response",
		},
	)

	// CircuitState reports circuit state per circuit name
	// (0=closed, 1=open, 2=half-open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpclink_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"circuit"},
	)

	// CircuitTransitions counts circuit state changes.
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpclink_circuit_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"circuit", "from", "to"},
	)

	// CircuitRejections counts calls rejected while a circuit was open.
	CircuitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpclink_circuit_rejections_total",
			Help: "Total calls rejected by an open circuit",
		},
		[]string{"circuit"},
	)

	// ChannelState reports the active transport channel
	// (0=disconnected, 1=primary, 2=secondary).
	ChannelState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpclink_channel_state",
			Help: "Active transport channel (0=disconnected, 1=primary, 2=secondary)",
		},
	)

	// ChannelSwitches counts transport channel transitions.
	ChannelSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpclink_channel_switches_total",
			Help: "Total transport channel switches",
		},
		[]string{"from", "to"},
	)

	// PollCycles counts polling cycles by outcome (ok, error, rejected).
	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpclink_poll_cycles_total",
			Help: "Total secondary-channel poll cycles",
		},
		[]string{"outcome"},
	)

	// PollInterval reports the current polling cadence in seconds.
	PollInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpclink_poll_interval_seconds",
			Help: "Current polling interval in seconds",
		},
	)

	// MessagesDelivered counts inbound messages dispatched to handlers.
	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpclink_messages_delivered_total",
			Help: "Total inbound messages dispatched to handlers",
		},
	)

	// RateLimitWaits counts invokes delayed by the client-side rate limiter.
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpclink_rate_limit_waits_total",
			Help: "Total invokes delayed by the client-side rate limiter",
		},
		[]string{"function"},
	)
)

var registerOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once; only the first call registers. Embedders and
// the test binaries rely on the idempotency.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CallsTotal,
			CallDuration,
			RetriesTotal,
			PendingCalls,
			CircuitState,
			CircuitTransitions,
			CircuitRejections,
			ChannelState,
			ChannelSwitches,
			PollCycles,
			PollInterval,
			MessagesDelivered,
			RateLimitWaits,
		)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
