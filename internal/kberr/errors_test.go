package kberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesClassification(t *testing.T) {
	err := New(ErrCodeStateConflict, "revision mismatch", nil)

	assert.Equal(t, ErrCodeStateConflict, err.Code)
	assert.Equal(t, CategoryStorage, err.Category)
	assert.True(t, err.Retryable)
	assert.Equal(t, "[ERR_203_STATE_CONFLICT] revision mismatch", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrCodeStoreUnavailable, cause)

	require.NotNil(t, err)
	assert.Equal(t, "disk full", err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeStoreUnavailable, nil))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrCodeJobConflict, "a job is running", nil))

	assert.True(t, errors.Is(err, New(ErrCodeJobConflict, "", nil)))
	assert.False(t, errors.Is(err, New(ErrCodeStateConflict, "", nil)))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrCodeEmbeddingFailed, "empty response", nil).
		WithDetail("model", "nomic-embed-text").
		WithDetail("source_id", "p1")

	assert.Equal(t, "nomic-embed-text", err.Details["model"])
	assert.Equal(t, "p1", err.Details["source_id"])
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeInvalidChunkSize, GetCode(ValidationError(ErrCodeInvalidChunkSize, "chunk_size out of range")))
	assert.Empty(t, GetCode(errors.New("plain")))
	assert.Empty(t, GetCode(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NetworkError("timeout", nil)))
	assert.False(t, IsRetryable(ValidationError(ErrCodeInvalidInput, "bad input")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(ValidationError(ErrCodeInvalidOverlap, "overlap too large")))
	assert.False(t, IsValidation(StorageError("locked", nil)))
}
