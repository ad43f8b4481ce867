package transport

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/metrics"
	"github.com/dskow/rpclink/internal/rpcerror"
)

// Controller owns the active transport channel. It dials the primary
// streaming channel first, retries a bounded number of times, then degrades
// to secondary polling. While polling it backs the cadence off on failures
// and periodically probes the primary, switching back as soon as a dial
// succeeds. All poll cycles run through the polling circuit breaker.
type Controller struct {
	cfg            config.FallbackConfig
	connectTimeout time.Duration
	dial           DialFunc
	poller         Poller
	breaker        *circuitbreaker.Breaker
	logger         *slog.Logger

	mu              sync.Mutex
	channel         Channel
	stream          Stream
	closed          bool
	pollInterval    time.Duration
	primaryAttempts int
	pollTimer       *time.Timer
	healthTimer     *time.Timer
	reconnectTimer  *time.Timer

	lastSuccessfulMessageAt time.Time
	lastPrimaryAttemptAt    time.Time
	messagesReceived        int64
	messagesFailed          int64

	onMessage []func([]byte)
	onChange  []func(Channel)
}

// NewController creates a controller. breaker guards the poll cycles; it is
// typically the registry's "http_polling" circuit.
func NewController(cfg config.FallbackConfig, connectTimeout time.Duration, dial DialFunc, poller Poller, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Controller {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:            cfg,
		connectTimeout: connectTimeout,
		dial:           dial,
		poller:         poller,
		breaker:        breaker,
		logger:         logger,
		channel:        ChannelDisconnected,
		pollInterval:   cfg.PollInterval,
	}
	metrics.ChannelState.Set(float64(ChannelDisconnected))
	return c
}

// OnMessage registers a handler for inbound frames. Register before Connect.
func (c *Controller) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnConnectionChange registers a handler for channel switches. Register
// before Connect.
func (c *Controller) OnConnectionChange(fn func(Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Connect makes the first primary dial synchronously. On failure the retry
// and fallback sequence continues in the background; observe progress via
// OnConnectionChange or ActiveChannel.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("transport controller is closed")
	}
	c.mu.Unlock()

	c.attemptPrimary()
	return nil
}

// attemptPrimary dials the primary channel once, scheduling the next attempt
// or falling back when the budget is spent. Runs on timer and read-loop
// goroutines as well as Connect.
func (c *Controller) attemptPrimary() {
	c.mu.Lock()
	c.lastPrimaryAttemptAt = time.Now()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	stream, err := c.dial(ctx, c.dispatch, c.handleStreamClose)
	cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err == nil {
			stream.Close()
		}
		return
	}

	if err == nil {
		c.stream = stream
		c.primaryAttempts = 0
		notify := c.transitionLocked(ChannelPrimary)
		c.mu.Unlock()
		notify()
		return
	}

	c.primaryAttempts++
	c.logger.Warn("primary channel dial failed",
		"attempt", c.primaryAttempts,
		"max_attempts", c.cfg.MaxPrimaryAttempts,
		"error", err,
	)

	if c.primaryAttempts >= c.cfg.MaxPrimaryAttempts {
		notify := c.fallbackLocked()
		c.mu.Unlock()
		notify()
		return
	}

	c.reconnectTimer = time.AfterFunc(c.cfg.PrimaryRetryDelay, c.attemptPrimary)
	c.mu.Unlock()
}

// handleStreamClose runs when the primary connection drops on its own.
func (c *Controller) handleStreamClose(err error) {
	c.mu.Lock()
	if c.closed || c.channel != ChannelPrimary {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.primaryAttempts = 0
	notify := c.transitionLocked(ChannelDisconnected)
	c.mu.Unlock()
	notify()

	c.logger.Warn("primary channel lost", "error", err)
	c.attemptPrimary()
}

// fallbackLocked switches to the secondary polling channel. The first poll
// runs immediately. Must be called with c.mu held; the returned func fires
// change handlers and must be invoked after unlocking.
func (c *Controller) fallbackLocked() func() {
	c.logger.Warn("primary attempts exhausted, falling back to polling",
		"attempts", c.primaryAttempts,
	)
	c.pollInterval = c.cfg.PollInterval
	metrics.PollInterval.Set(c.pollInterval.Seconds())
	notify := c.transitionLocked(ChannelSecondary)
	c.pollTimer = time.AfterFunc(0, c.pollOnce)
	c.healthTimer = time.AfterFunc(c.cfg.HealthCheckInterval, c.healthCheck)
	return notify
}

// pollOnce runs one poll cycle through the circuit breaker and schedules the
// next. Frames from a successful cycle are dispatched in arrival order.
func (c *Controller) pollOnce() {
	c.mu.Lock()
	if c.closed || c.channel != ChannelSecondary {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	var frames [][]byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var perr error
		frames, perr = c.poller.Poll(ctx)
		return perr
	})
	cancel()

	c.mu.Lock()
	if c.closed || c.channel != ChannelSecondary {
		c.mu.Unlock()
		return
	}

	var openErr *circuitbreaker.OpenError
	switch {
	case err == nil:
		metrics.PollCycles.WithLabelValues("ok").Inc()
		c.lastSuccessfulMessageAt = time.Now()
		c.resetPollIntervalLocked()
	case errors.As(err, &openErr):
		metrics.PollCycles.WithLabelValues("rejected").Inc()
		c.growPollIntervalLocked()
	default:
		metrics.PollCycles.WithLabelValues("error").Inc()
		c.messagesFailed++
		c.logger.Warn("poll cycle failed", "error", err)
		c.growPollIntervalLocked()
	}
	c.pollTimer = time.AfterFunc(c.pollInterval, c.pollOnce)
	c.mu.Unlock()

	for _, f := range frames {
		c.dispatch(f)
	}
}

// healthCheck probes the primary while polling; a successful dial switches
// straight back.
func (c *Controller) healthCheck() {
	c.mu.Lock()
	if c.closed || c.channel != ChannelSecondary {
		c.mu.Unlock()
		return
	}
	c.lastPrimaryAttemptAt = time.Now()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	stream, err := c.dial(ctx, c.dispatch, c.handleStreamClose)
	cancel()

	c.mu.Lock()
	if c.closed || c.channel != ChannelSecondary {
		c.mu.Unlock()
		if err == nil {
			stream.Close()
		}
		return
	}

	if err != nil {
		c.logger.Debug("primary health check failed", "error", err)
		c.healthTimer = time.AfterFunc(c.cfg.HealthCheckInterval, c.healthCheck)
		c.mu.Unlock()
		return
	}

	if c.pollTimer != nil {
		c.pollTimer.Stop()
	}
	c.stream = stream
	c.primaryAttempts = 0
	c.pollInterval = c.cfg.PollInterval
	metrics.PollInterval.Set(c.pollInterval.Seconds())
	notify := c.transitionLocked(ChannelPrimary)
	c.mu.Unlock()
	notify()

	c.logger.Info("primary channel recovered")
}

// Send transmits one frame over the active channel. On the secondary channel
// an immediate response body is dispatched to message handlers before Send
// returns.
func (c *Controller) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ch := c.channel
	stream := c.stream
	c.mu.Unlock()

	switch ch {
	case ChannelPrimary:
		if err := stream.Send(data); err != nil {
			c.recordSendFailure()
			return rpcerror.Network("", "stream send failed").WithCause(err)
		}
		return nil
	case ChannelSecondary:
		body, err := c.poller.Call(ctx, data)
		if err != nil {
			c.recordSendFailure()
			return rpcerror.Network("", "poll channel send failed").WithCause(err)
		}
		if len(body) > 0 {
			c.dispatch(body)
		}
		return nil
	default:
		return rpcerror.NoChannel()
	}
}

// dispatch delivers one inbound frame to all message handlers. A panicking
// handler is isolated so it cannot take down the read loop.
func (c *Controller) dispatch(data []byte) {
	c.mu.Lock()
	handlers := slices.Clone(c.onMessage)
	c.messagesReceived++
	c.lastSuccessfulMessageAt = time.Now()
	c.mu.Unlock()

	metrics.MessagesDelivered.Inc()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("message handler panicked", "panic", r)
				}
			}()
			h(data)
		}()
	}
}

// transitionLocked records a channel switch. Must be called with c.mu held;
// the returned func fires change handlers and must be invoked after
// unlocking so handlers can call back into the controller.
func (c *Controller) transitionLocked(to Channel) func() {
	from := c.channel
	if from == to {
		return func() {}
	}
	c.channel = to
	metrics.ChannelState.Set(float64(to))
	metrics.ChannelSwitches.WithLabelValues(from.String(), to.String()).Inc()
	c.logger.Info("transport channel switch", "from", from.String(), "to", to.String())

	handlers := slices.Clone(c.onChange)
	return func() {
		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Warn("connection change handler panicked", "panic", r)
					}
				}()
				h(to)
			}()
		}
	}
}

// growPollIntervalLocked backs the cadence off after a failed cycle.
func (c *Controller) growPollIntervalLocked() {
	next := nextPollInterval(c.pollInterval, c.cfg.PollBackoffMultiplier, c.cfg.MaxPollInterval)
	if next != c.pollInterval {
		c.pollInterval = next
		metrics.PollInterval.Set(next.Seconds())
		c.logger.Debug("poll interval backed off", "interval", next)
	}
}

// resetPollIntervalLocked returns to the base cadence after a successful
// cycle, but only when the interval had grown.
func (c *Controller) resetPollIntervalLocked() {
	if c.pollInterval > c.cfg.PollInterval {
		c.pollInterval = c.cfg.PollInterval
		metrics.PollInterval.Set(c.pollInterval.Seconds())
		c.logger.Debug("poll interval reset", "interval", c.pollInterval)
	}
}

// nextPollInterval scales the current polling interval by mult and clamps it
// to max.
func nextPollInterval(current time.Duration, mult float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * mult)
	if next > max {
		next = max
	}
	return next
}

// ActiveChannel returns the channel currently carrying traffic.
func (c *Controller) ActiveChannel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Controller) recordSendFailure() {
	c.mu.Lock()
	c.messagesFailed++
	c.mu.Unlock()
}

// Status is a point-in-time view of the transport for observability.
type Status struct {
	Channel                 string        `json:"channel"`
	PollInterval            time.Duration `json:"poll_interval_ns"`
	PrimaryAttempts         int           `json:"primary_attempts"`
	LastSuccessfulMessageAt time.Time     `json:"last_successful_message_at,omitzero"`
	LastPrimaryAttemptAt    time.Time     `json:"last_primary_attempt_at,omitzero"`
	MessagesReceived        int64         `json:"messages_received"`
	MessagesFailed          int64         `json:"messages_failed"`
}

// Status returns the transport's current observable state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Channel:                 c.channel.String(),
		PollInterval:            c.pollInterval,
		PrimaryAttempts:         c.primaryAttempts,
		LastSuccessfulMessageAt: c.lastSuccessfulMessageAt,
		LastPrimaryAttemptAt:    c.lastPrimaryAttemptAt,
		MessagesReceived:        c.messagesReceived,
		MessagesFailed:          c.messagesFailed,
	}
}

// Close tears the transport down. All timers are stopped; callbacks already
// in flight see the closed flag and return without acting.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, t := range []*time.Timer{c.pollTimer, c.healthTimer, c.reconnectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	stream := c.stream
	c.stream = nil
	notify := c.transitionLocked(ChannelDisconnected)
	c.mu.Unlock()
	notify()

	if stream != nil {
		return stream.Close()
	}
	return nil
}
