// Package main is the entry point for the rpclink client daemon. It loads
// configuration, wires the transport fallback controller and call manager
// together, starts the local ops HTTP server (health, metrics, admin), and
// handles graceful shutdown on SIGINT/SIGTERM. With -call it performs a
// single invoke and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/rpclink/internal/admin"
	"github.com/dskow/rpclink/internal/callmanager"
	"github.com/dskow/rpclink/internal/circuitbreaker"
	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/health"
	"github.com/dskow/rpclink/internal/logging"
	"github.com/dskow/rpclink/internal/metrics"
	"github.com/dskow/rpclink/internal/middleware"
	"github.com/dskow/rpclink/internal/ratelimit"
	"github.com/dskow/rpclink/internal/retry"
	"github.com/dskow/rpclink/internal/tlsutil"
	"github.com/dskow/rpclink/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/rpclink.yaml", "path to configuration file")
	callFn := flag.String("call", "", "invoke one function and exit")
	callArgs := flag.String("args", "", "JSON array of positional args for -call")
	callKwargs := flag.String("kwargs", "", "JSON object of keyword args for -call")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		bootstrap.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"primary_url", cfg.Transport.PrimaryURL,
		"secondary_url", cfg.Transport.SecondaryURL,
		"call_timeout", cfg.Call.Timeout,
		"call_retries", cfg.Call.RetryCount(),
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	tlsCfg, err := tlsutil.ClientConfig(cfg.Transport.TLS)
	if err != nil {
		logger.Error("failed to build TLS config", "error", err)
		os.Exit(1)
	}

	clientID := uuid.NewString()
	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		OpenTimeout:      cfg.CircuitBreaker.OpenTimeout,
	}, nil, logger)

	dial := transport.NewStreamDialer(cfg.Transport.PrimaryURL, tlsCfg, logger)
	poller := transport.NewPollClient(cfg.Transport.SecondaryURL, clientID, tlsCfg, logger)
	ctrl := transport.NewController(cfg.Fallback, cfg.Transport.ConnectTimeout,
		dial, poller, registry.Get("http_polling"), logger)

	limiter := ratelimit.New(cfg.RateLimit, logger)
	mgr := callmanager.New(cfg.Call, limiter, logger)

	// Inbound frames go straight to the call manager; the manager follows
	// the controller's channel state.
	ctrl.OnMessage(mgr.HandleMessage)
	ctrl.OnConnectionChange(func(ch transport.Channel) {
		if ch == transport.ChannelDisconnected {
			mgr.Detach()
		} else {
			mgr.Attach(ctrl)
		}
	})

	connected := make(chan struct{}, 1)
	ctrl.OnConnectionChange(func(ch transport.Channel) {
		if ch != transport.ChannelDisconnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	logger.Info("connecting", "client_id", clientID)
	if err := ctrl.Connect(context.Background()); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	if *callFn != "" {
		code := runOneShot(mgr, cfg, connected, *callFn, *callArgs, *callKwargs, logger)
		ctrl.Close()
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(code)
	}

	mux := http.NewServeMux()
	health.New(ctrl, registry, logger).RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
	})

	if cfg.Admin.Enabled {
		admin.New(reloader, ctrl, mgr, registry, cfg.Admin.IPAllowlist, logger).RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	// Ops stack: Recovery → RequestID → Logging → mux
	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting ops server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced ops server shutdown", "error", err)
	}
	if n := mgr.CancelAll(); n > 0 {
		logger.Warn("cancelled in-flight calls on shutdown", "count", n)
	}
	if err := ctrl.Close(); err != nil {
		logger.Error("transport teardown failed", "error", err)
	}

	logger.Info("rpclink stopped gracefully")
}

// runOneShot waits for a channel, performs one invoke with the configured
// backoff policy around it, and prints the raw JSON result to stdout.
func runOneShot(mgr *callmanager.Manager, cfg *config.Config, connected <-chan struct{}, fn, argsJSON, kwargsJSON string, logger *slog.Logger) int {
	var args []any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			logger.Error("invalid -args", "error", err)
			return 1
		}
	}
	var kwargs map[string]any
	if kwargsJSON != "" {
		if err := json.Unmarshal([]byte(kwargsJSON), &kwargs); err != nil {
			logger.Error("invalid -kwargs", "error", err)
			return 1
		}
	}

	select {
	case <-connected:
	case <-time.After(cfg.Transport.ConnectTimeout + time.Duration(cfg.Fallback.MaxPrimaryAttempts)*cfg.Fallback.PrimaryRetryDelay + 5*time.Second):
		logger.Error("no transport channel became available")
		return 1
	}

	policy := retry.Config{
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.JitterEnabled(),
		MaxAttempts: cfg.Retry.MaxAttempts,
	}

	var result json.RawMessage
	err := retry.Do(context.Background(), policy, retry.OnTransient, nil,
		func(attempt int, err error, delay time.Duration) {
			logger.Warn("invoke failed, backing off",
				"function", fn, "attempt", attempt, "delay", delay, "error", err)
		},
		func(ctx context.Context) error {
			var ierr error
			result, ierr = mgr.Invoke(ctx, fn, args, kwargs, nil)
			return ierr
		},
	)
	if err != nil {
		logger.Error("invoke failed", "function", fn, "error", err)
		return 1
	}

	fmt.Println(string(result))
	return 0
}
