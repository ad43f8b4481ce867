package retry

import "sync"

// Stats is a small accumulator callers may read for observability. It has no
// influence on retry decisions. A nil *Stats is a valid no-op receiver.
type Stats struct {
	mu        sync.Mutex
	attempts  uint64
	retries   uint64
	successes uint64
	failures  uint64
	// attempt total across completed calls, for the running average
	completedAttempts uint64
}

// Snapshot is a point-in-time copy of the accumulated counters.
type Snapshot struct {
	Attempts    uint64
	Retries     uint64
	Successes   uint64
	Failures    uint64
	AvgAttempts float64 // average attempts per completed call
}

func (s *Stats) recordAttempt() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
}

func (s *Stats) recordRetry() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

func (s *Stats) recordOutcome(attempts int, success bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if success {
		s.successes++
	} else {
		s.failures++
	}
	s.completedAttempts += uint64(attempts)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Attempts:  s.attempts,
		Retries:   s.retries,
		Successes: s.successes,
		Failures:  s.failures,
	}
	if calls := s.successes + s.failures; calls > 0 {
		snap.AvgAttempts = float64(s.completedAttempts) / float64(calls)
	}
	return snap
}
