// Package circuitbreaker implements the per-backend-host circuit breaker
// guarding FileResolver probes: closed -> open ->
// half-open -> closed/open, counting failures in a sliding monitor window.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config parameterizes a Breaker.
type Config struct {
	FailureThreshold int           // consecutive/windowed failures before tripping open
	ResetTimeout     time.Duration // how long Open waits before allowing a trial request
	MonitorWindow    time.Duration // sliding window over which failures are counted
}

// Breaker is a single circuit breaker instance, typically one per upstream
// backend host.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    []time.Time // failure timestamps within MonitorWindow
	openedAt    time.Time
	halfOpenTry bool // a half-open trial request is currently in flight
	trips       int64
}

// New creates a Breaker starting in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = time.Minute
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a request may proceed. When the circuit is open
// and the reset timeout has elapsed, Allow transitions to half-open and
// permits exactly one trial request through; concurrent callers during
// that window are rejected until the trial resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.halfOpenTry = true
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenTry {
			return false
		}
		b.halfOpenTry = true
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful call. From half-open this closes the
// circuit and clears failure history; from closed it is a no-op.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = nil
		b.halfOpenTry = false
	case Closed:
		b.pruneLocked(time.Now())
	}
}

// RecordFailure reports a failed call. From half-open this reopens the
// circuit immediately; from closed it accumulates into the monitor window
// and trips open once FailureThreshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case HalfOpen:
		b.trip(now)
	case Closed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.halfOpenTry = false
	b.failures = nil
	b.trips++
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitorWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time view of one breaker, for metrics and the
// admin surface.
type Status struct {
	State State
	Trips int64
}

// Status returns the breaker's current state and lifetime trip count.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{State: b.state, Trips: b.trips}
}

// Registry tracks one Breaker per backend key (typically a host), created
// lazily on first use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the Breaker for key, creating it if necessary.
func (r *Registry) For(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// Snapshot returns the status of every breaker in the registry.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for key, b := range r.breakers {
		breakers[key] = b
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(breakers))
	for key, b := range breakers {
		out[key] = b.Status()
	}
	return out
}
