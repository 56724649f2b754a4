package schema

import "fmt"

// Error codes for structured error reporting.
//
// The first group is the user-facing failure taxonomy: every rejected or
// failed request surfaces exactly one of these as its failure kind. The
// second group covers internal bookkeeping conditions.
const (
	ErrCodeValidationFailure = "VALIDATION_FAILURE"
	ErrCodeApprovalDenied    = "APPROVAL_DENIED"
	ErrCodeExecutionFailure  = "EXECUTION_FAILURE"
	ErrCodeVersionConflict   = "VERSION_CONFLICT"
	ErrCodeUnknownAction     = "UNKNOWN_ACTION_TYPE"
	ErrCodePersistence       = "PERSISTENCE_FAILURE"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidPatch      = "INVALID_PATCH"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// TabulaError is the structured error type for all tabula operations.
type TabulaError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	HandlerID string         `json:"handler_id,omitempty"`
	Cause     error          `json:"-"`
}

func (e *TabulaError) Error() string {
	if e.HandlerID != "" {
		return fmt.Sprintf("[%s] handler %s: %s", e.Code, e.HandlerID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TabulaError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TabulaError.
func NewError(code, message string) *TabulaError {
	return &TabulaError{Code: code, Message: message}
}

// NewErrorf creates a new TabulaError with a formatted message.
func NewErrorf(code, format string, args ...any) *TabulaError {
	return &TabulaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithHandler attaches the ID of the handler that produced the error.
func (e *TabulaError) WithHandler(handlerID string) *TabulaError {
	e.HandlerID = handlerID
	return e
}

// WithCause attaches an underlying cause.
func (e *TabulaError) WithCause(err error) *TabulaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TabulaError) WithDetails(details map[string]any) *TabulaError {
	e.Details = details
	return e
}

// NewVersionConflict creates a VersionConflict error carrying the expected
// and actual document versions.
func NewVersionConflict(expected, actual uint64) *TabulaError {
	return NewErrorf(ErrCodeVersionConflict,
		"stale source version: expected %d, document is at %d", expected, actual).
		WithDetails(map[string]any{"expected": expected, "actual": actual})
}
