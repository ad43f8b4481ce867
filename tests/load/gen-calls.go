//go:build ignore

// gen-calls drives concurrent invokes through the full client stack against
// a running echoserver. Run with:
//
//	go run tests/load/gen-calls.go -primary ws://localhost:8700/ws -secondary http://localhost:8700 -n 1000 -c 10
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/rpclink/internal/callmanager"
	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/metrics"
	"github.com/dskow/rpclink/internal/transport"
)

func main() {
	primary := flag.String("primary", "ws://localhost:8700/ws", "primary websocket URL")
	secondary := flag.String("secondary", "http://localhost:8700", "secondary polling base URL")
	fn := flag.String("fn", "echo", "function to invoke")
	n := flag.Int("n", 1000, "total invokes")
	c := flag.Int("c", 10, "concurrent workers")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	metrics.Init()

	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{}, nil, logger)
	dial := transport.NewStreamDialer(*primary, nil, logger)
	poller := transport.NewPollClient(*secondary, uuid.NewString(), nil, logger)
	ctrl := transport.NewController(config.FallbackConfig{
		MaxPrimaryAttempts:    5,
		PrimaryRetryDelay:     time.Second,
		PollInterval:          time.Second,
		MaxPollInterval:       10 * time.Second,
		PollBackoffMultiplier: 2.0,
		HealthCheckInterval:   5 * time.Second,
	}, 5*time.Second, dial, poller, reg.Get("http_polling"), logger)

	mgr := callmanager.New(config.CallConfig{
		Timeout:    10 * time.Second,
		RetryDelay: 500 * time.Millisecond,
	}, nil, logger)
	ctrl.OnMessage(mgr.HandleMessage)
	ctrl.OnConnectionChange(func(ch transport.Channel) {
		if ch == transport.ChannelDisconnected {
			mgr.Detach()
		} else {
			mgr.Attach(ctrl)
		}
	})

	if err := ctrl.Connect(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Close()
	time.Sleep(200 * time.Millisecond)

	var (
		mu        sync.Mutex
		latencies []time.Duration
		failures  int
	)

	work := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *c; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				t0 := time.Now()
				_, err := mgr.Invoke(context.Background(), *fn, []any{i}, nil, nil)
				d := time.Since(t0)
				mu.Lock()
				latencies = append(latencies, d)
				if err != nil {
					failures++
				}
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < *n; i++ {
		work <- i
	}
	close(work)
	wg.Wait()
	elapsed := time.Since(start)

	if len(latencies) == 0 {
		fmt.Println("no invokes ran")
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		if len(latencies) == 0 {
			return 0
		}
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}

	fmt.Printf("invokes:   %d (%d failed)\n", *n, failures)
	fmt.Printf("elapsed:   %v (%.0f calls/s)\n", elapsed.Round(time.Millisecond), float64(*n)/elapsed.Seconds())
	fmt.Printf("latency:   p50=%v p90=%v p99=%v max=%v\n",
		pct(0.50).Round(time.Microsecond),
		pct(0.90).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond),
		latencies[len(latencies)-1].Round(time.Microsecond))
	fmt.Printf("transport: %s\n", ctrl.ActiveChannel())
}
