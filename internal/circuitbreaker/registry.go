package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry tracks circuits by name, creating them lazily on first use. It is
// an explicit instance passed to whichever component needs it; there is no
// package-level registry, so tests construct isolated instances.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	monitor  Monitor
	logger   *slog.Logger
}

// NewRegistry creates a registry whose circuits share cfg and monitor.
func NewRegistry(cfg Config, monitor Monitor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		monitor:  monitor,
		logger:   logger,
	}
}

// Get returns the circuit with the given name, creating it on first use.
// Circuits are never destroyed while the process runs.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg, r.monitor, r.logger)
		r.breakers[name] = b
	}
	return b
}

// Names returns the known circuit names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Snapshots returns a snapshot of every known circuit, ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	names := r.Names()

	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snaps = append(snaps, r.Get(name).Snapshot())
	}
	return snaps
}
