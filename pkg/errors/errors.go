// Package errors provides structured error handling for Datavault
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeStore represents job/metadata store errors
	ErrorTypeStore ErrorType = "store"

	// ErrorTypeRateStoreUnavailable indicates the shared rate-counter
	// store could not be reached. Retryable.
	ErrorTypeRateStoreUnavailable ErrorType = "rate_store_unavailable"
	// ErrorTypeTransientProvider represents 5xx-class provider failures. Retryable.
	ErrorTypeTransientProvider ErrorType = "transient_provider"

	// ErrorTypeAuthExpired indicates the provider rejected the job's credentials
	ErrorTypeAuthExpired ErrorType = "auth_expired"
	// ErrorTypePermanentProvider represents 4xx-class provider failures other than auth
	ErrorTypePermanentProvider ErrorType = "permanent_provider"
	// ErrorTypeMalformedPagination indicates a pagination cursor cycle or protocol bug
	ErrorTypeMalformedPagination ErrorType = "malformed_pagination"
	// ErrorTypeIntegrityMismatch indicates downloaded content failed size/hash verification
	ErrorTypeIntegrityMismatch ErrorType = "integrity_mismatch"
	// ErrorTypeDuplicatePath indicates two extracted items claimed the same archive path
	ErrorTypeDuplicatePath ErrorType = "duplicate_path"
	// ErrorTypeExtractionTimeout indicates a polling export exhausted its attempt budget
	ErrorTypeExtractionTimeout ErrorType = "extraction_timeout"
	// ErrorTypeUploadFailed indicates the archive could not be published after retries
	ErrorTypeUploadFailed ErrorType = "upload_failed"
	// ErrorTypeRetriesExhausted indicates the job exceeded its retry or wall-clock budget
	ErrorTypeRetriesExhausted ErrorType = "retries_exhausted"
	// ErrorTypeCancelled indicates the job was cancelled between stages
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error may succeed on a later attempt.
// Only rate-store outages and transient provider failures qualify;
// everything else in the taxonomy is terminal for the job.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateStoreUnavailable, ErrorTypeTransientProvider:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the error's type, or ErrorTypeInternal for errors
// outside the taxonomy.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
