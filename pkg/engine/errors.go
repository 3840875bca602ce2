package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: connection request timeouts, NBI temporarily unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict.
	// Examples: two concurrent contacts from the same device.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid parameter name, malformed session response.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Device is the device ID the error relates to, if applicable.
	Device string `json:"device,omitempty"`

	// Path is the parameter path that caused the error, if applicable.
	Path string `json:"path,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var ctx string
	switch {
	case e.Path != "" && e.Operation != "":
		ctx = fmt.Sprintf(" (path=%s, operation=%s)", e.Path, e.Operation)
	case e.Path != "":
		ctx = fmt.Sprintf(" (path=%s)", e.Path)
	case e.Operation != "":
		ctx = fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s%s: %s", e.Class, e.Message, ctx, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, ctx)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithDevice adds device context to an error.
func (e *EngineError) WithDevice(deviceID string) *EngineError {
	e.Device = deviceID
	return e
}

// WithPath adds parameter path context to an error.
func (e *EngineError) WithPath(path Path) *EngineError {
	e.Path = string(path)
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsPathError reports whether a transport error concerns a single parameter
// path rather than the whole session. Path errors leave the session running.
func IsPathError(err error) bool {
	return HasCode(err, ErrCodeTransportRead) ||
		HasCode(err, ErrCodeTransportWrite) ||
		HasCode(err, ErrCodeInvalidParameter)
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodePathResolution     = "PATH_RESOLUTION_EMPTY"
	ErrCodeInvalidPattern     = "INVALID_PATTERN"
	ErrCodeInvalidParameter   = "INVALID_PARAMETER"
	ErrCodeTransportRead      = "TRANSPORT_READ"
	ErrCodeTransportWrite     = "TRANSPORT_WRITE"
	ErrCodeSessionFault       = "TRANSPORT_SESSION_FAULT"
	ErrCodeBudgetExceeded     = "BUDGET_EXCEEDED"
	ErrCodeRuleScriptFault    = "RULE_SCRIPT_FAULT"
	ErrCodeWriteDenied        = "WRITE_DENIED"
	ErrCodeContactInProgress  = "CONTACT_IN_PROGRESS"
	ErrCodeWriteNotConfirmed  = "WRITE_NOT_CONFIRMED"
	ErrCodeTypeMismatch       = "TYPE_MISMATCH"
)

// NewReadError creates the per-path error a transport returns for a parameter
// it could not read.
func NewReadError(path Path, err error) *EngineError {
	return NewPermanentError("parameter read failed", err).
		WithCode(ErrCodeTransportRead).
		WithPath(path).
		WithOperation("read")
}

// NewWriteError creates the per-path error a transport returns for a parameter
// the device rejected.
func NewWriteError(path Path, err error) *EngineError {
	return NewPermanentError("parameter write failed", err).
		WithCode(ErrCodeTransportWrite).
		WithPath(path).
		WithOperation("write")
}

// NewSessionFault creates a session-level transport fault. It aborts the session.
func NewSessionFault(operation string, err error) *EngineError {
	return NewTransientError("transport session fault", err).
		WithCode(ErrCodeSessionFault).
		WithOperation(operation)
}
