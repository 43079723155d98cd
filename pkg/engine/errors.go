// Package engine provides the core types and contracts for the Crossgate
// synchronization engine: the order lifecycle, subject identities, the
// backend adapter interfaces, and the classified error taxonomy shared by
// all processing components.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// state-transition logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// the next processing cycle. Examples: network timeouts, temporary
	// backend unavailability. No state change is performed.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassBackend indicates a deterministic backend failure. Orders
	// are terminalized as Erred; identities move to error_creating.
	ErrorClassBackend ErrorClass = "backend"

	// ErrorClassConfiguration indicates invalid configuration. Fatal at
	// load time for the affected offering only.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassUnclassified indicates an error the engine cannot map to a
	// known outcome. It is logged and leaves state unchanged so the engine
	// never implies progress that did not occur.
	ErrorClassUnclassified ErrorClass = "unclassified"
)

// AgentError represents a classified error with processing context.
type AgentError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Offering is the offering being processed when the error occurred.
	Offering string `json:"offering,omitempty"`

	// Order is the order id that caused the error, if applicable.
	Order string `json:"order,omitempty"`

	// Resource is the resource id involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Order != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (order=%s, operation=%s): %s",
			e.Class, e.Message, e.Order, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *AgentError) Unwrap() error {
	return e.Err
}

func (e *AgentError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *AgentError {
	return &AgentError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewBackendError creates a new deterministic backend error.
func NewBackendError(message string, err error) *AgentError {
	return &AgentError{
		Class:   ErrorClassBackend,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *AgentError {
	return &AgentError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// WithOffering adds offering context to an error.
func (e *AgentError) WithOffering(offeringID string) *AgentError {
	e.Offering = offeringID
	return e
}

// WithOrder adds order context to an error.
func (e *AgentError) WithOrder(orderID string) *AgentError {
	e.Order = orderID
	return e
}

// WithResource adds resource context to an error.
func (e *AgentError) WithResource(resourceID string) *AgentError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *AgentError) WithOperation(operation string) *AgentError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *AgentError) WithCode(code string) *AgentError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *AgentError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsBackendFailure returns true if the error is a deterministic backend
// failure.
func IsBackendFailure(err error) bool {
	var e *AgentError
	if errors.As(err, &e) {
		return e.Class == ErrorClassBackend
	}
	return false
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	var e *AgentError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConfiguration
	}
	return false
}

// IsRetryable returns true if the error should be retried on the next
// processing cycle. Only transient errors are retryable; everything else is
// either terminal or deliberately left untouched.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeBackendFailed      = "BACKEND_FAILED"
	ErrCodeControlPlaneFailed = "CONTROL_PLANE_FAILED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)
