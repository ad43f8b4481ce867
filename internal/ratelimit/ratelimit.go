// Package ratelimit provides a client-side token bucket that paces outbound
// invokes, with per-function overrides. It protects a shared server from a
// misbehaving caller loop on our side rather than enforcing a server quota.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dskow/rpclink/internal/config"
	"github.com/dskow/rpclink/internal/metrics"
)

// Limiter paces invokes using a global token bucket plus optional
// per-function buckets.
type Limiter struct {
	mu        sync.RWMutex
	enabled   bool
	global    *rate.Limiter
	overrides map[string]*rate.Limiter
	logger    *slog.Logger
}

// New creates a Limiter from config. A disabled limiter admits everything.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{logger: logger}
	l.apply(cfg)
	return l
}

func (l *Limiter) apply(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = cfg.Enabled
	l.global = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize)
	l.overrides = make(map[string]*rate.Limiter, len(cfg.Overrides))
	for _, o := range cfg.Overrides {
		l.overrides[o.Function] = rate.NewLimiter(rate.Limit(o.RequestsPerSecond), o.BurstSize)
	}
}

// UpdateConfig hot-reloads the limiter settings. Existing buckets are
// replaced so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.apply(cfg)
	l.logger.Info("rate limiter config updated",
		"enabled", cfg.Enabled,
		"rps", cfg.RequestsPerSecond,
		"burst", cfg.BurstSize,
		"overrides", len(cfg.Overrides),
	)
}

// limiterFor returns the bucket governing function, or nil when disabled.
func (l *Limiter) limiterFor(function string) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.enabled {
		return nil
	}
	if lim, ok := l.overrides[function]; ok {
		return lim
	}
	return l.global
}

// Allow reports whether an invoke of function may proceed right now.
func (l *Limiter) Allow(function string) bool {
	lim := l.limiterFor(function)
	if lim == nil {
		return true
	}
	return lim.Allow()
}

// Wait blocks until a token is available for function or ctx is done.
// A delayed invoke is counted once in metrics.
func (l *Limiter) Wait(ctx context.Context, function string) error {
	lim := l.limiterFor(function)
	if lim == nil {
		return nil
	}
	if lim.Allow() {
		return nil
	}
	metrics.RateLimitWaits.WithLabelValues(function).Inc()
	return lim.Wait(ctx)
}
