// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker prevents cascading failures by tracking consecutive failures
// and temporarily blocking requests to failing backends.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked until the cooldown elapses
//   - HalfOpen: Probing recovery; closes after HalfOpenMaxCalls successes
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Probing recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int           // consecutive failures
	threshold     int           // failures before opening
	lastFailure   time.Time     // when the last failure occurred
	cooldown      time.Duration // how long to wait before half-open
	halfOpenMax   int           // successes needed in half-open to close
	halfOpenCalls int           // successes recorded since entering half-open
	now           func() time.Time
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold        int           // Failures before circuit opens (default: 5)
	Cooldown         time.Duration // Time before half-open (default: 60s)
	HalfOpenMaxCalls int           // Successes in half-open before closing (default: 3)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		state:       Closed,
		threshold:   cfg.Threshold,
		cooldown:    cfg.Cooldown,
		halfOpenMax: cfg.HalfOpenMaxCalls,
		now:         cfg.Now,
	}
}

// Allow returns true if a request should be attempted.
// An open breaker whose cooldown has elapsed moves to half-open as a side effect.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) >= b.cooldown {
			b.state = HalfOpen
			b.halfOpenCalls = 0
			return true
		}
		return false
	default:
		// Half-open probing is bounded by RecordSuccess, not by rejecting calls.
		return true
	}
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenCalls++
		if b.halfOpenCalls >= b.halfOpenMax {
			b.state = Closed
			b.failures = 0
			b.halfOpenCalls = 0
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == HalfOpen {
		b.state = Open
		return
	}

	if b.failures >= b.threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot is a point-in-time copy of a breaker's fields.
type Snapshot struct {
	State         State
	Failures      int
	HalfOpenCalls int
	LastFailure   time.Time
}

// Snapshot returns the breaker's current fields without changing state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		Failures:      b.failures,
		HalfOpenCalls: b.halfOpenCalls,
		LastFailure:   b.lastFailure,
	}
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.halfOpenCalls = 0
}
