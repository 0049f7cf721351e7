package kberr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("embedder", WithMaxFailures(3))

	require.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	assert.False(t, cb.Allow())
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker("embedder",
		WithMaxFailures(1),
		WithResetTimeout(10*time.Millisecond))

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker("vector_index", WithMaxFailures(1))

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb := NewCircuitBreaker("embedder", WithMaxFailures(1))

	err := cb.Execute(func() error { return errors.New("boom") })
	require.Error(t, err)

	err = cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
