package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/metrics"
	"github.com/dskow/rpclink/internal/rpcerror"
)

func init() {
	metrics.Init()
}

func testFallbackConfig() config.FallbackConfig {
	return config.FallbackConfig{
		MaxPrimaryAttempts:    3,
		PrimaryRetryDelay:     5 * time.Millisecond,
		PollInterval:          5 * time.Millisecond,
		MaxPollInterval:       40 * time.Millisecond,
		PollBackoffMultiplier: 2.0,
		HealthCheckInterval:   10 * time.Millisecond,
	}
}

func newTestBreaker() *circuitbreaker.Breaker {
	return circuitbreaker.New("http_polling", circuitbreaker.Config{
		FailureThreshold: 100,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	}, nil, slog.Default())
}

type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (f *fakeStream) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("stream closed")
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDialer struct {
	mu        sync.Mutex
	calls     int
	failFirst int // fail this many dials before succeeding
	failAll   bool
	stream    *fakeStream
	onClose   func(error)
}

func (d *fakeDialer) dial(_ context.Context, _ func([]byte), onClose func(error)) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failAll || d.calls <= d.failFirst {
		return nil, errors.New("dial refused")
	}
	d.stream = &fakeStream{}
	d.onClose = onClose
	return d.stream, nil
}

func (d *fakeDialer) dialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakePoller struct {
	mu     sync.Mutex
	polls  int
	sent   [][]byte
	pollFn func(n int) ([][]byte, error)
	callFn func(frame []byte) ([]byte, error)
}

func (p *fakePoller) Call(_ context.Context, frame []byte) ([]byte, error) {
	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), frame...))
	fn := p.callFn
	p.mu.Unlock()
	if fn != nil {
		return fn(frame)
	}
	return nil, nil
}

func (p *fakePoller) Poll(_ context.Context) ([][]byte, error) {
	p.mu.Lock()
	p.polls++
	n := p.polls
	fn := p.pollFn
	p.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return nil, nil
}

func (p *fakePoller) pollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNextPollIntervalSequence(t *testing.T) {
	cur := 5 * time.Second
	want := []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		cur = nextPollInterval(cur, 2.0, 30*time.Second)
		if cur != w {
			t.Fatalf("step %d: interval = %v, want %v", i, cur, w)
		}
	}

	if got := nextPollInterval(5*time.Second, 1.0, 30*time.Second); got != 5*time.Second {
		t.Errorf("multiplier 1.0 changed interval to %v", got)
	}
}

func TestConnectPrimary(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(testFallbackConfig(), time.Second, d.dial, &fakePoller{}, newTestBreaker(), slog.Default())
	defer c.Close()

	var mu sync.Mutex
	var changes []Channel
	c.OnConnectionChange(func(ch Channel) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.ActiveChannel(); got != ChannelPrimary {
		t.Fatalf("ActiveChannel = %v, want primary", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0] != ChannelPrimary {
		t.Errorf("change sequence = %v, want [primary]", changes)
	}
}

func TestStatusTracksActivity(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(testFallbackConfig(), time.Second, d.dial, &fakePoller{}, newTestBreaker(), slog.Default())
	defer c.Close()

	if s := c.Status(); !s.LastPrimaryAttemptAt.IsZero() || s.MessagesReceived != 0 {
		t.Fatalf("fresh controller status = %+v", s)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := c.Status(); s.LastPrimaryAttemptAt.IsZero() {
		t.Error("LastPrimaryAttemptAt must be set by the connect attempt")
	}

	c.dispatch([]byte(`{"id":"1","result":1}`))
	c.dispatch([]byte(`{"id":"2","result":2}`))

	s := c.Status()
	if s.MessagesReceived != 2 {
		t.Errorf("MessagesReceived = %d, want 2", s.MessagesReceived)
	}
	if s.LastSuccessfulMessageAt.IsZero() {
		t.Error("LastSuccessfulMessageAt must be set by a delivered frame")
	}
	if s.MessagesFailed != 0 {
		t.Errorf("MessagesFailed = %d, want 0", s.MessagesFailed)
	}
}

func TestStatusCountsFailedSends(t *testing.T) {
	cfg := testFallbackConfig()
	cfg.HealthCheckInterval = time.Hour

	d := &fakeDialer{failAll: true}
	p := &fakePoller{callFn: func([]byte) ([]byte, error) {
		return nil, errors.New("call refused")
	}}
	c := NewController(cfg, time.Second, d.dial, p, newTestBreaker(), slog.Default())
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return c.ActiveChannel() == ChannelSecondary })

	if err := c.Send(context.Background(), []byte(`{"id":"1","fn":"echo"}`)); err == nil {
		t.Fatal("expected send error from refusing poller")
	}
	if got := c.Status().MessagesFailed; got < 1 {
		t.Errorf("MessagesFailed = %d, want >= 1", got)
	}
}

func TestFallbackAfterPrimaryAttemptsExhausted(t *testing.T) {
	cfg := testFallbackConfig()
	cfg.HealthCheckInterval = time.Hour // keep the probe out of this test

	d := &fakeDialer{failAll: true}
	p := &fakePoller{}
	c := NewController(cfg, time.Second, d.dial, p, newTestBreaker(), slog.Default())
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return c.ActiveChannel() == ChannelSecondary })

	if got := d.dialCalls(); got != cfg.MaxPrimaryAttempts {
		t.Errorf("dial attempts = %d, want %d", got, cfg.MaxPrimaryAttempts)
	}
	waitFor(t, time.Second, func() bool { return p.pollCount() > 0 })
}

func TestSendOnPrimary(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(testFallbackConfig(), time.Second, d.dial, &fakePoller{}, newTestBreaker(), slog.Default())
	defer c.Close()

	c.Connect(context.Background())
	if err := c.Send(context.Background(), []byte(`{"id":"1"}`)); err != nil {
		t.Fatal(err)
	}
	if d.stream.sentCount() != 1 {
		t.Errorf("stream received %d frames, want 1", d.stream.sentCount())
	}
}

func TestSendWithoutChannel(t *testing.T) {
	c := NewController(testFallbackConfig(), time.Second, (&fakeDialer{failAll: true}).dial, &fakePoller{}, newTestBreaker(), slog.Default())
	defer c.Close()

	err := c.Send(context.Background(), []byte("x"))
	if rpcerror.CodeOf(err) != rpcerror.CodeNoChannel {
		t.Errorf("CodeOf = %v, want %v", rpcerror.CodeOf(err), rpcerror.CodeNoChannel)
	}
}

func TestSecondarySendDispatchesImmediateResponse(t *testing.T) {
	cfg := testFallbackConfig()
	cfg.MaxPrimaryAttempts = 1
	cfg.HealthCheckInterval = time.Hour

	d := &fakeDialer{failAll: true}
	p := &fakePoller{callFn: func([]byte) ([]byte, error) {
		return []byte(`{"id":"resp-1"}`), nil
	}}
	c := NewController(cfg, time.Second, d.dial, p, newTestBreaker(), slog.Default())
	defer c.Close()

	var mu sync.Mutex
	var got [][]byte
	c.OnMessage(func(b []byte) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})

	c.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return c.ActiveChannel() == ChannelSecondary })

	if err := c.Send(context.Background(), []byte(`{"id":"req-1"}`)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || string(got[0]) != `{"id":"resp-1"}` {
		t.Errorf("dispatched messages = %q", got)
	}
}

func TestPollDispatchPreservesOrder(t *testing.T) {
	cfg := testFallbackConfig()
	cfg.MaxPrimaryAttempts = 1
	cfg.HealthCheckInterval = time.Hour

	p := &fakePoller{pollFn: func(n int) ([][]byte, error) {
		if n == 1 {
			return [][]byte{[]byte("a"), []byte("b"), []byte("c")}, nil
		}
		return nil, nil
	}}
	c := NewController(cfg, time.Second, (&fakeDialer{failAll: true}).dial, p, newTestBreaker(), slog.Default())
	defer c.Close()

	var mu sync.Mutex
	var got []string
	c.OnMessage(func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	})

	c.Connect(context.Background())
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("dispatch order = %v", got)
	}
}

func TestPollIntervalGrowsAndResets(t *testing.T) {
	cfg := config.FallbackConfig{
		PollInterval:          5 * time.Second,
		MaxPollInterval:       30 * time.Second,
		PollBackoffMultiplier: 2.0,
	}
	c := NewController(cfg, time.Second, (&fakeDialer{failAll: true}).dial, &fakePoller{}, newTestBreaker(), slog.Default())

	c.mu.Lock()
	for _, want := range []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second} {
		c.growPollIntervalLocked()
		if c.pollInterval != want {
			t.Fatalf("grow: interval = %v, want %v", c.pollInterval, want)
		}
	}
	c.resetPollIntervalLocked()
	if c.pollInterval != cfg.PollInterval {
		t.Errorf("reset: interval = %v, want %v", c.pollInterval, cfg.PollInterval)
	}
	// A second reset without growth is a no-op.
	c.resetPollIntervalLocked()
	if c.pollInterval != cfg.PollInterval {
		t.Errorf("idempotent reset: interval = %v", c.pollInterval)
	}
	c.mu.Unlock()
}

func TestBackoffOnPollFailures(t *testing.T) {
	cfg := testFallbackConfig()
	cfg.MaxPrimaryAttempts = 1
	cfg.HealthCheckInterval = time.Hour

	p := &fakePoller{pollFn: func(int) ([][]byte, error) {
		return nil, errors.New("poll endpoint down")
	}}
	c := NewController(cfg, time.Second, (&fakeDialer{failAll: true}).dial, p, newTestBreaker(), slog.Default())
	defer c.Close()

	c.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return c.Status().PollInterval == cfg.MaxPollInterval
	})
}

func TestPrimaryRecoveryFromPolling(t *testing.T) {
	cfg := testFallbackConfig()
	cfg.MaxPrimaryAttempts = 1

	d := &fakeDialer{failFirst: 1}
	p := &fakePoller{}
	c := NewController(cfg, time.Second, d.dial, p, newTestBreaker(), slog.Default())
	defer c.Close()

	c.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return c.ActiveChannel() == ChannelSecondary })
	waitFor(t, time.Second, func() bool { return c.ActiveChannel() == ChannelPrimary })

	// Polling must stop once the primary is back.
	before := p.pollCount()
	time.Sleep(30 * time.Millisecond)
	if after := p.pollCount(); after != before {
		t.Errorf("poll count moved from %d to %d after recovery", before, after)
	}
}

func TestStreamDropReconnects(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(testFallbackConfig(), time.Second, d.dial, &fakePoller{}, newTestBreaker(), slog.Default())
	defer c.Close()

	var mu sync.Mutex
	var changes []Channel
	c.OnConnectionChange(func(ch Channel) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	c.Connect(context.Background())
	d.onClose(errors.New("connection reset"))

	waitFor(t, time.Second, func() bool { return c.ActiveChannel() == ChannelPrimary && d.dialCalls() == 2 })

	mu.Lock()
	defer mu.Unlock()
	want := []Channel{ChannelPrimary, ChannelDisconnected, ChannelPrimary}
	if len(changes) != len(want) {
		t.Fatalf("change sequence = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("change sequence = %v, want %v", changes, want)
		}
	}
}

func TestCloseStopsActivity(t *testing.T) {
	cfg := testFallbackConfig()
	cfg.MaxPrimaryAttempts = 1

	p := &fakePoller{}
	c := NewController(cfg, time.Second, (&fakeDialer{failAll: true}).dial, p, newTestBreaker(), slog.Default())

	c.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return p.pollCount() > 0 })

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if got := c.ActiveChannel(); got != ChannelDisconnected {
		t.Errorf("ActiveChannel after Close = %v", got)
	}

	before := p.pollCount()
	time.Sleep(30 * time.Millisecond)
	if after := p.pollCount(); after != before {
		t.Errorf("poll count moved from %d to %d after Close", before, after)
	}

	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestPanickingMessageHandlerIsolated(t *testing.T) {
	c := NewController(testFallbackConfig(), time.Second, (&fakeDialer{}).dial, &fakePoller{}, newTestBreaker(), slog.Default())
	defer c.Close()

	var mu sync.Mutex
	var got []string
	c.OnMessage(func([]byte) { panic("handler bug") })
	c.OnMessage(func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	})

	c.dispatch([]byte("frame"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "frame" {
		t.Errorf("second handler got %v", got)
	}
}
