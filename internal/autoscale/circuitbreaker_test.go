package autoscale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpensAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	require.Equal(t, CircuitClosed, cb.State())
}
