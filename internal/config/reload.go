package config

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Editors often emit several writes per save; coalesce them.
const reloadDebounce = 300 * time.Millisecond

// Reloader keeps the active Config and swaps it when the file on disk
// changes. Changes are picked up via fsnotify, and on Unix a SIGHUP forces an
// immediate reload (see reload_unix.go). An invalid file never replaces a
// valid running config.
type Reloader struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	active *Config
	hooks  []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewReloader wraps an already-loaded config for the given path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		path:   path,
		logger: logger,
		active: initial,
		done:   make(chan struct{}),
	}
}

// Current returns the active configuration. Callers must not mutate it.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// OnReload registers fn to run with the new config after each successful
// reload. Hooks run on the reload goroutine.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Start begins watching the file. A watcher setup failure is logged and
// disables file watching; SIGHUP reloads still work on Unix.
func (r *Reloader) Start() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("config watcher unavailable", "error", err)
	} else if err := w.Add(r.path); err != nil {
		r.logger.Error("cannot watch config file", "path", r.path, "error", err)
		w.Close()
	} else {
		r.watcher = w
		go r.watch(w)
		r.logger.Info("watching config file", "path", r.path)
	}

	r.registerSignalHandler()
}

// Stop ends watching. Safe to call once.
func (r *Reloader) Stop() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload re-reads and validates the file, swaps it in, and runs the hooks.
// On any load error the current config stays active. Returns whether the
// swap happened. Exported for signal handlers and tests.
func (r *Reloader) Reload() bool {
	next, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload rejected, keeping active config",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	prev := r.active
	r.active = next
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()

	r.logChanges(prev, next)
	for _, fn := range hooks {
		fn(next)
	}

	r.logger.Info("configuration reloaded", "path", r.path)
	return true
}

func (r *Reloader) watch(w *fsnotify.Watcher) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() { r.Reload() })
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watcher error", "error", err)
		case <-r.done:
			return
		}
	}
}

// logChanges reports the hot-reloadable sections that differ.
func (r *Reloader) logChanges(prev, next *Config) {
	if prev.RateLimit.RequestsPerSecond != next.RateLimit.RequestsPerSecond ||
		prev.RateLimit.BurstSize != next.RateLimit.BurstSize {
		r.logger.Info("rate limit config changed",
			"old_rps", prev.RateLimit.RequestsPerSecond,
			"new_rps", next.RateLimit.RequestsPerSecond,
			"old_burst", prev.RateLimit.BurstSize,
			"new_burst", next.RateLimit.BurstSize,
		)
	}

	if prev.Call.Timeout != next.Call.Timeout || prev.Call.RetryCount() != next.Call.RetryCount() {
		r.logger.Info("call config changed",
			"old_timeout", prev.Call.Timeout,
			"new_timeout", next.Call.Timeout,
			"old_retries", prev.Call.RetryCount(),
			"new_retries", next.Call.RetryCount(),
		)
	}

	if prev.Fallback.PollInterval != next.Fallback.PollInterval ||
		prev.Fallback.MaxPollInterval != next.Fallback.MaxPollInterval {
		r.logger.Info("fallback polling config changed",
			"old_interval", prev.Fallback.PollInterval,
			"new_interval", next.Fallback.PollInterval,
			"old_max", prev.Fallback.MaxPollInterval,
			"new_max", next.Fallback.MaxPollInterval,
		)
	}
}
