package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitBreakerStateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         1,
		Timeout:             time.Millisecond,
		MaxHalfOpenRequests: 1,
	})
	require.NoError(t, err)

	cb.RecordFailure()
	require.Equal(t, CircuitBreakerStateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitBreakerStateHalfOpen, cb.State())

	old, now := cb.RecordSuccess()
	assert.Equal(t, CircuitBreakerStateHalfOpen, old)
	assert.Equal(t, CircuitBreakerStateClosed, now)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         1,
		Timeout:             time.Millisecond,
		MaxHalfOpenRequests: 1,
	})
	require.NoError(t, err)

	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())

	_, now := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateOpen, now)
}

func TestCircuitBreakerInvalidConfig(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.ErrorIs(t, err, ErrInvalidCircuitBreakerConfig)
}
