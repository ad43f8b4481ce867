// Package retry implements the retry policy engine: exponential backoff with
// optional jitter, pure retryability predicates, and an execution wrapper
// that drives an operation through its attempt budget.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dskow/rpclink/internal/rpcerror"
)

// Config holds backoff and attempt-budget settings.
type Config struct {
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // ceiling for any computed delay
	Multiplier  float64       // exponential growth factor, >= 1
	Jitter      bool          // apply ±25% uniform perturbation
	MaxAttempts int           // total attempts, including the first
}

// DefaultConfig returns the standard policy: 1s base, 30s cap, doubling,
// jitter on, 3 attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		MaxAttempts: 3,
	}
}

// Delay returns the backoff before attempt number attempt (1-based; the
// delay precedes attempt attempt+1). The raw value is
// min(base * multiplier^(attempt-1), max); jitter perturbs it uniformly by
// ±25%, the result is clamped to >= 0 and rounded to the nearest millisecond.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}

	raw := float64(c.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if max := float64(c.MaxDelay); raw > max {
		raw = max
	}

	if c.Jitter {
		// Uniform in [-0.25, +0.25] of the computed delay.
		raw += raw * (rand.Float64()*0.5 - 0.25)
	}
	if raw < 0 {
		raw = 0
	}

	ms := math.Round(raw / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// Predicate classifies whether an error is worth retrying.
type Predicate func(error) bool

// OnNetwork retries transport-level failures and timeouts only.
func OnNetwork(err error) bool {
	k := rpcerror.KindOf(err)
	return k == rpcerror.KindNetwork || k == rpcerror.KindTimeout
}

// OnServerError retries explicit server-side failures only.
func OnServerError(err error) bool {
	return rpcerror.KindOf(err) == rpcerror.KindServer
}

// OnTransient retries the union of network/timeout and server failures.
func OnTransient(err error) bool {
	return OnNetwork(err) || OnServerError(err)
}

// Always retries every non-nil error.
func Always(err error) bool { return err != nil }

// Never retries nothing.
func Never(error) bool { return false }

// Do runs op up to cfg.MaxAttempts times. A non-retryable error (per pred)
// stops immediately; exhausting the budget returns the last error. Between
// attempts Do sleeps for the computed delay (or returns early when ctx is
// done) and invokes onRetry, when set, with the attempt number that failed,
// its error, and the upcoming delay. stats may be nil.
func Do(ctx context.Context, cfg Config, pred Predicate, stats *Stats, onRetry func(attempt int, err error, delay time.Duration), op func(context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if pred == nil {
		pred = OnTransient
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		attempts = attempt
		stats.recordAttempt()
		err := op(ctx)
		if err == nil {
			stats.recordOutcome(attempt, true)
			return nil
		}
		lastErr = err

		if !pred(err) || attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		stats.recordRetry()
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			stats.recordOutcome(attempt, false)
			return ctx.Err()
		case <-timer.C:
		}
	}

	stats.recordOutcome(attempts, false)
	return lastErr
}
