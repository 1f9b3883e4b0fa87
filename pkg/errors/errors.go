// Package errors provides the structured error type shared by the tunapool services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies where an error came from and drives retry decisions.
type ErrorType string

const (
	// ErrorTypeNetwork covers transport failures that are not tied to a specific collaborator
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation covers malformed input: bad hex, wrong nonce length, foreign provenance
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase covers postgres and redis failures
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeIndexer covers failures talking to the chain indexer
	ErrorTypeIndexer ErrorType = "indexer"
	// ErrorTypeRelay covers failures talking to the transaction relay
	ErrorTypeRelay ErrorType = "relay"
	// ErrorTypeKafka covers event publishing failures
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout covers deadline expiry
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal covers everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error annotated with its origin, the failing operation and free-form context.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation may be attempted again.
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns the same error for chaining.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without an underlying cause.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap annotates err. It returns nil when err is nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByType(errorType) || isRetryableByDefault(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}
	// Relay submissions are never repeated automatically.
	if errorType == ErrorTypeRelay {
		retryable = false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeIndexer:
		return true
	default:
		return false
	}
}

func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
		"broken pipe",
		"eof",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// IsType reports whether any ServiceError in err's chain has the given type.
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext returns the context map of the outermost ServiceError in err's chain.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Is, As and Join re-export the standard helpers so callers need a single import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)
