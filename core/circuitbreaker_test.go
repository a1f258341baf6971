package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, Cooldown: time.Hour, MaxProbes: 1})

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}

	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Cooldown: time.Millisecond, MaxProbes: 1})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(5 * time.Millisecond)

	// One probe allowed, the second is rejected.
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyProbes)

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Cooldown: time.Millisecond, MaxProbes: 1})

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.NoError(t, cb.Allow())
	assert.Equal(t, CircuitClosed, cb.State())
}
