// Package errors provides the structured error type shared by powreward services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies a ServiceError
type ErrorType string

const (
	// ErrorTypeFetch marks a failed read of submissions, balances or participants
	ErrorTypeFetch ErrorType = "fetch"
	// ErrorTypePersist marks a computed result that could not be saved
	ErrorTypePersist ErrorType = "persist"
	// ErrorTypeDataIntegrity marks malformed input records
	ErrorTypeDataIntegrity ErrorType = "data_integrity"
	// ErrorTypeNetwork represents transport level failures
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeChain represents JSON-RPC / contract call failures
	ErrorTypeChain ErrorType = "chain"
	// ErrorTypeDatabase represents database failures
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents Kafka messaging failures
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeouts
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeValidation represents invalid configuration or arguments
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInternal represents everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error with a category, the failing operation and free-form context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the cause
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation may succeed if repeated
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns the same error for chaining
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without a cause
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap wraps err with a category and operation. A nil err yields nil.
// Retryability is inherited from a wrapped ServiceError, otherwise guessed from the cause.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := retryableCause(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
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

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeChain:
		return true
	default:
		return false
	}
}

func retryableCause(err error) bool {
	if err == nil {
		return false
	}

	// the caller gave up, repeating will not help
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
		"eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// IsType reports whether any ServiceError in err's chain has the given type
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

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return retryableCause(err)
}

// GetContext merges the context maps of every ServiceError in err's chain.
// A key set by an outer error wins over the same key deeper in the chain.
func GetContext(err error) map[string]any {
	var merged map[string]any
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			break
		}
		for k, v := range se.Context {
			if merged == nil {
				merged = make(map[string]any)
			}
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
		err = se.Cause
	}
	return merged
}
