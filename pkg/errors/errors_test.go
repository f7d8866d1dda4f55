package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrorTypeAuthExpired, "token rejected")
	assert.Equal(t, "auth_expired: token rejected", err.Error())

	wrapped := Wrap(fmt.Errorf("401 from provider"), ErrorTypeAuthExpired, "token rejected")
	assert.Equal(t, "auth_expired: token rejected: 401 from provider", wrapped.Error())
	assert.EqualError(t, stderrors.Unwrap(wrapped), "401 from provider")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{
		ErrorTypeRateStoreUnavailable,
		ErrorTypeTransientProvider,
	}
	terminal := []ErrorType{
		ErrorTypeInternal,
		ErrorTypeConfig,
		ErrorTypeStore,
		ErrorTypeAuthExpired,
		ErrorTypePermanentProvider,
		ErrorTypeMalformedPagination,
		ErrorTypeIntegrityMismatch,
		ErrorTypeDuplicatePath,
		ErrorTypeExtractionTimeout,
		ErrorTypeUploadFailed,
		ErrorTypeRetriesExhausted,
		ErrorTypeCancelled,
	}

	for _, typ := range retryable {
		assert.True(t, IsRetryable(New(typ, "x")), "%s must be retryable", typ)
	}
	for _, typ := range terminal {
		assert.False(t, IsRetryable(New(typ, "x")), "%s must be terminal", typ)
	}

	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestTypeInspection(t *testing.T) {
	err := Newf(ErrorTypeIntegrityMismatch, "hash mismatch on %s", "genome.txt")

	assert.True(t, IsType(err, ErrorTypeIntegrityMismatch))
	assert.False(t, IsType(err, ErrorTypeInternal))
	assert.Equal(t, ErrorTypeIntegrityMismatch, TypeOf(err))

	// Wrapping changes the visible type; the cause stays reachable.
	outer := Wrap(err, ErrorTypeUploadFailed, "publish failed")
	assert.Equal(t, ErrorTypeUploadFailed, TypeOf(outer))
	assert.True(t, IsType(stderrors.Unwrap(outer), ErrorTypeIntegrityMismatch))

	assert.Equal(t, ErrorTypeInternal, TypeOf(fmt.Errorf("plain")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeIntegrityMismatch, "hash mismatch").
		WithDetail("url", "https://provider.example/file").
		WithDetail("expected", "abc")

	require.Len(t, err.Details, 2)
	assert.Equal(t, "abc", err.Details["expected"])
}

func TestStackCapture(t *testing.T) {
	err := New(ErrorTypeInternal, "boom")
	require.NotEmpty(t, err.Stack)
	assert.Contains(t, err.Stack[0].Function, "TestStackCapture")
}
