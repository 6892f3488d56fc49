package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/contentpipe/pkg/log"
)

type ErrorType int

const (
	ErrUnknown ErrorType = iota
	// ErrTransient marks a provider timeout, rate limit or other retryable generation failure.
	ErrTransient
	// ErrFatal marks a generation failure that retrying cannot fix.
	ErrFatal
	ErrValidation
	// ErrPersistence marks a store read/write failure.
	ErrPersistence
	ErrConflict
	ErrNotFound
)

type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func New(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func Newf(errorType ErrorType, format string, args ...any) *Error {
	return New(errorType, fmt.Sprintf(format, args...))
}

func Wrap(err error, errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   err,
	}
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// Retryable reports whether a bounded retry may resolve the error.
func (e *Error) Retryable() bool {
	return e.Type == ErrTransient || e.Type == ErrPersistence
}

func (t ErrorType) String() string {
	switch t {
	case ErrTransient:
		return "Transient"
	case ErrFatal:
		return "Fatal"
	case ErrValidation:
		return "Validation"
	case ErrPersistence:
		return "Persistence"
	case ErrConflict:
		return "Conflict"
	case ErrNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// IsType reports whether err or anything it wraps is an *Error of the given type.
func IsType(err error, errorType ErrorType) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// TypeOf returns the type of the outermost *Error in err's chain.
func TypeOf(err error) ErrorType {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrUnknown
}

func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}

// Transient is shorthand for a retryable generation error.
func Transient(err error, message string) *Error {
	return Wrap(err, ErrTransient, message)
}

func Fatal(err error, message string) *Error {
	return Wrap(err, ErrFatal, message)
}

func Persistence(err error, op string) *Error {
	return Wrap(err, ErrPersistence, op)
}

func NotFound(format string, args ...any) *Error {
	return Newf(ErrNotFound, format, args...)
}

func Validation(format string, args ...any) *Error {
	return Newf(ErrValidation, format, args...)
}

// SafeExecute runs fn and converts a panic into an ErrUnknown error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic: %v", r)
			err = New(ErrUnknown, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
