package dispatch

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive execution failures for one task type.
// Once fails >= trip, tasks of that type fail fast for an exponentially
// growing cooldown. A success closes the circuit.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(c Config) circuitCfg {
	trip := c.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return circuitCfg{}
	}
	base := c.CircuitBaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxD := c.CircuitMaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	reset := c.CircuitResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}
	return circuitCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

// state must be called with mu held.
func (s *circuitStore) state(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

func (st *circuitState) maybeReset(now time.Time, cc circuitCfg) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *circuitStore) isOpen(now time.Time, taskType string, cfg Config) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg)
	k := strings.TrimSpace(taskType)
	if !cc.enabled || k == "" {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(k)
	st.maybeReset(now, cc)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, taskType string, cfg Config, failed bool) {
	cc := effectiveCircuitCfg(cfg)
	k := strings.TrimSpace(taskType)
	if !cc.enabled || k == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(k)
	st.maybeReset(now, cc)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}

	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip && d < cc.maxDelay; i++ {
		d *= 2
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *circuitStore) snapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg).enabled {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
