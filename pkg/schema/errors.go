package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	ErrCodeWorkflowDisabled  = "WORKFLOW_DISABLED"
	ErrCodeDuplicateRun      = "DUPLICATE_RUN"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeEntityRequired    = "ENTITY_REQUIRED"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeStore             = "STORE_ERROR"
)

// AutomationError is the structured error type returned across the engine.
type AutomationError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *AutomationError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.ActionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutomationError) Unwrap() error {
	return e.Cause
}

// Is matches another *AutomationError by code, so errors.Is works against
// a bare NewError(code, "") target.
func (e *AutomationError) Is(target error) bool {
	t, ok := target.(*AutomationError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new AutomationError.
func NewError(code, message string) *AutomationError {
	return &AutomationError{Code: code, Message: message}
}

// NewErrorf creates a new AutomationError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutomationError {
	return &AutomationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches an action ID to the error.
func (e *AutomationError) WithAction(actionID string) *AutomationError {
	e.ActionID = actionID
	return e
}

// WithCause attaches an underlying cause.
func (e *AutomationError) WithCause(err error) *AutomationError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutomationError) WithDetails(details map[string]any) *AutomationError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is an AutomationError
// carrying the given code.
func IsCode(err error, code string) bool {
	var ae *AutomationError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}
