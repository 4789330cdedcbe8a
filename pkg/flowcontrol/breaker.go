package flowcontrol

import (
	"sync"
	"time"
)

// BreakerState is the Circuit Breaker's tri-state machine (spec §4.3),
// modeled on pkg/connection.ConnectionState's enum-with-String() shape.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Gauge returns the 0/1/2 value the breaker state is exposed as (§4.3).
func (s BreakerState) Gauge() int {
	return int(s)
}

const (
	// DefaultFailureThreshold is F: consecutive retryable failures
	// before Closed -> Open.
	DefaultFailureThreshold = 5
	// DefaultCooldown is the Open -> HalfOpen wait.
	DefaultCooldown = 30 * time.Second
)

// CircuitBreaker implements the closed/open/half-open state machine
// around the STS peer.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time

	onTransition func(from, to BreakerState)
}

// Option configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

func WithFailureThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) { b.threshold = n }
}

func WithCooldown(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) { b.cooldown = d }
}

func WithClock(fn func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.clock = fn }
}

func WithBreakerTransitionHandler(fn func(from, to BreakerState)) BreakerOption {
	return func(b *CircuitBreaker) { b.onTransition = fn }
}

// NewCircuitBreaker creates a breaker starting Closed.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		clock:     time.Now,
		state:     BreakerClosed,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current state, accounting for the Open -> HalfOpen
// cooldown transition.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *CircuitBreaker) maybeHalfOpenLocked() {
	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.cooldown {
		b.transitionLocked(BreakerHalfOpen)
	}
}

func (b *CircuitBreaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// AllowDispatch reports whether an outbound dispatch should go through
// the STS path. While Open, all dispatches bypass it and the caller
// should use fallback audio instead.
func (b *CircuitBreaker) AllowDispatch() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state != BreakerOpen
}

// RecordSuccess reports a successful STS round-trip.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	b.consecutiveFailures = 0
	if b.state == BreakerHalfOpen {
		b.transitionLocked(BreakerClosed)
	}
}

// RecordFailure reports an STS failure. Only retryable failures count
// toward the trip threshold; non-retryable errors are surfaced without
// touching the counter (§4.3).
func (b *CircuitBreaker) RecordFailure(retryable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	if b.state == BreakerHalfOpen {
		b.transitionLocked(BreakerOpen)
		b.openedAt = b.clock()
		return
	}
	if !retryable {
		return
	}
	b.consecutiveFailures++
	if b.state == BreakerClosed && b.consecutiveFailures >= b.threshold {
		b.transitionLocked(BreakerOpen)
		b.openedAt = b.clock()
	}
}
