// Package resilience wraps provider invocations with a retry policy and a
// per-provider circuit breaker, so one misbehaving provider slows its own
// calls down instead of the whole conversation.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open and the
// cool-down has not elapsed.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed passes calls through and counts consecutive failures.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen lets exactly one trial call through. Success closes
	// the circuit, failure reopens it.
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitOpenError carries the provider whose circuit rejected the call.
type CircuitOpenError struct {
	Key string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q", e.Key)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// Breaker is a consecutive-failure circuit breaker. Failures while closed
// increment a counter; reaching the threshold opens the circuit for the
// cool-down period. After the cool-down one trial call is admitted.
type Breaker struct {
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	inTrial  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// Allow reports whether a call may proceed now. In the half-open state only
// one trial is admitted at a time; concurrent callers are rejected until
// the trial resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.inTrial = true
		return nil
	case BreakerHalfOpen:
		if b.inTrial {
			return ErrCircuitOpen
		}
		b.inTrial = true
		return nil
	}
	return nil
}

// RecordSuccess resets the breaker to closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.inTrial = false
}

// RecordFailure counts a failure. The half-open trial failing reopens the
// circuit immediately; in the closed state the threshold applies.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.inTrial = false
}

// State returns the current state, accounting for an elapsed cool-down.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return BreakerHalfOpen
	}
	return b.state
}

// BreakerSet holds one breaker per key, created on first use.
type BreakerSet struct {
	threshold int
	coolDown  time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set with shared settings.
func NewBreakerSet(threshold int, coolDown time.Duration) *BreakerSet {
	return &BreakerSet{
		threshold: threshold,
		coolDown:  coolDown,
		breakers:  make(map[string]*Breaker),
	}
}

// For returns the breaker for key, creating it if needed.
func (s *BreakerSet) For(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(s.threshold, s.coolDown)
		s.breakers[key] = b
	}
	return b
}

// Reset discards the breaker for key. Used when a provider's configuration
// changes, since the failures counted against the old config no longer
// predict anything.
func (s *BreakerSet) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
}
