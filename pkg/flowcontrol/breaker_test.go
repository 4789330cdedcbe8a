package flowcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterConsecutiveRetryableFailures(t *testing.T) {
	var transitions [][2]BreakerState
	b := NewCircuitBreaker(
		WithFailureThreshold(5),
		WithBreakerTransitionHandler(func(from, to BreakerState) {
			transitions = append(transitions, [2]BreakerState{from, to})
		}),
	)

	for i := 0; i < 4; i++ {
		b.RecordFailure(true)
		assert.Equal(t, BreakerClosed, b.State())
	}
	b.RecordFailure(true)
	assert.Equal(t, BreakerOpen, b.State())
	require.Len(t, transitions, 1)
	assert.Equal(t, BreakerClosed, transitions[0][0])
	assert.Equal(t, BreakerOpen, transitions[0][1])
}

func TestBreakerNonRetryableDoesNotCount(t *testing.T) {
	b := NewCircuitBreaker(WithFailureThreshold(2))
	b.RecordFailure(false)
	b.RecordFailure(false)
	b.RecordFailure(false)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := NewCircuitBreaker(
		WithFailureThreshold(1),
		WithCooldown(30*time.Second),
		WithClock(func() time.Time { return clock() }),
	)

	b.RecordFailure(true)
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreakerHalfOpenToClosedOnSuccess(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker(
		WithFailureThreshold(1),
		WithCooldown(time.Second),
		WithClock(func() time.Time { return now }),
	)
	b.RecordFailure(true)
	now = now.Add(2 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenToOpenOnAnyFailure(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker(
		WithFailureThreshold(1),
		WithCooldown(time.Second),
		WithClock(func() time.Time { return now }),
	)
	b.RecordFailure(true)
	now = now.Add(2 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure(false) // even non-retryable trips HalfOpen -> Open
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerAllowDispatchFalseWhileOpen(t *testing.T) {
	b := NewCircuitBreaker(WithFailureThreshold(1))
	assert.True(t, b.AllowDispatch())
	b.RecordFailure(true)
	assert.False(t, b.AllowDispatch())
}
