package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeStepBudgetExceeded = "STEP_BUDGET_EXCEEDED"
	ErrCodeWaitFailed         = "WAIT_FAILED"
	ErrCodeStore              = "STORE_ERROR"
)

// EngineError is the structured error type returned by the engine, its
// stores and its executors. It is also the shape persisted in run and step
// error fields.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// AsEngineError converts any error into an EngineError. Errors that are not
// already EngineErrors are wrapped with the given fallback code.
func AsEngineError(err error, fallbackCode string) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// HasCode reports whether err is (or wraps) an EngineError with the given code.
func HasCode(err error, code string) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
