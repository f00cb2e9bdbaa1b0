// Package errors provides structured error handling for nebuladb
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
	// ErrorTypeValidation represents schema or argument validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents missing records, databases or pools
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeAcquireTimeout is returned when a pool could not hand out a resource in time
	ErrorTypeAcquireTimeout ErrorType = "acquire_timeout"
	// ErrorTypeIllegalState represents use of a closed pool, registry or session
	ErrorTypeIllegalState ErrorType = "illegal_state"
	// ErrorTypeThreadAffinity is returned when a second owner claims a bound session
	ErrorTypeThreadAffinity ErrorType = "thread_affinity"
	// ErrorTypeTransaction represents a failed commit; the transaction is already rolled back
	ErrorTypeTransaction ErrorType = "transaction"
	// ErrorTypeTransactionBlocked represents an after-commit failure on durable data
	ErrorTypeTransactionBlocked ErrorType = "transaction_blocked"
	// ErrorTypeCancelled represents an interrupted or cancelled command
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeSecurity represents a rejected security check
	ErrorTypeSecurity ErrorType = "security"
	// ErrorTypeStorage represents storage engine failures
	ErrorTypeStorage ErrorType = "storage"
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

// Detail returns a detail value previously attached with WithDetail.
func (e *Error) Detail(key string) (interface{}, bool) {
	v, ok := e.Details[key]
	return v, ok
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

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeAcquireTimeout:
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

// HasType reports whether any error in the chain has the given type.
// IsType only looks at the outermost structured error.
func HasType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsAcquireTimeout reports a pool acquire that ran out of time
func IsAcquireTimeout(err error) bool {
	return IsType(err, ErrorTypeAcquireTimeout)
}

// IsIllegalState reports use of a closed or invalid resource
func IsIllegalState(err error) bool {
	return IsType(err, ErrorTypeIllegalState)
}

// IsCancelled reports an interrupted command anywhere in the chain
func IsCancelled(err error) bool {
	return HasType(err, ErrorTypeCancelled)
}

// Is and As mirror the standard library so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

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
