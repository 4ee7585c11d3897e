package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Oroitz errors.
type ErrorCode string

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED      ErrorCode = "CONFIG_PARSE_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// Workflow registry error codes
const (
	WORKFLOW_DUPLICATE    ErrorCode = "WORKFLOW_DUPLICATE"
	WORKFLOW_UNKNOWN      ErrorCode = "WORKFLOW_UNKNOWN"
	WORKFLOW_INCOMPATIBLE ErrorCode = "WORKFLOW_INCOMPATIBLE"
	WORKFLOW_INVALID      ErrorCode = "WORKFLOW_INVALID"
)

// Execution error codes
const (
	EXEC_TOOL_NOT_FOUND ErrorCode = "EXEC_TOOL_NOT_FOUND"
	EXEC_SPAWN_FAILED   ErrorCode = "EXEC_SPAWN_FAILED"
	EXEC_TIMEOUT        ErrorCode = "EXEC_TIMEOUT"
	EXEC_FAILED         ErrorCode = "EXEC_FAILED"
	EXEC_CANCELLED      ErrorCode = "EXEC_CANCELLED"
)

// Normalization error codes
const (
	NORMALIZE_PARSE_FAILED   ErrorCode = "NORMALIZE_PARSE_FAILED"
	NORMALIZE_SCHEMA_UNKNOWN ErrorCode = "NORMALIZE_SCHEMA_UNKNOWN"
	NORMALIZE_THRESHOLD      ErrorCode = "NORMALIZE_THRESHOLD"
	EXPORT_FORMAT_UNKNOWN    ErrorCode = "EXPORT_FORMAT_UNKNOWN"
)

// Cache error codes
const (
	CACHE_READ_FAILED  ErrorCode = "CACHE_READ_FAILED"
	CACHE_WRITE_FAILED ErrorCode = "CACHE_WRITE_FAILED"
)

// Session error codes
const (
	SESSION_INVALID_STATE ErrorCode = "SESSION_INVALID_STATE"
	SESSION_NO_RESULTS    ErrorCode = "SESSION_NO_RESULTS"
	SESSION_NOT_FOUND     ErrorCode = "SESSION_NOT_FOUND"
	IMAGE_NOT_FOUND       ErrorCode = "IMAGE_NOT_FOUND"
)

// Store error codes
const (
	STORE_OPEN_FAILED      ErrorCode = "STORE_OPEN_FAILED"
	STORE_MIGRATION_FAILED ErrorCode = "STORE_MIGRATION_FAILED"
	STORE_QUERY_FAILED     ErrorCode = "STORE_QUERY_FAILED"
)

// OroitzError represents a structured error with error code, message, and
// optional cause. It supports error wrapping and retryability hints for
// error handling logic.
type OroitzError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *OroitzError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *OroitzError) Unwrap() error {
	return e.Cause
}

// errorJSON is the wire form of OroitzError. The cause chain flattens to
// its message; causes are for humans and logs, not for re-dispatch.
type errorJSON struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
	Cause     string    `json:"cause,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *OroitzError) MarshalJSON() ([]byte, error) {
	j := errorJSON{Code: e.Code, Message: e.Message, Retryable: e.Retryable}
	if e.Cause != nil {
		j.Cause = e.Cause.Error()
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *OroitzError) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.Code = j.Code
	e.Message = j.Message
	e.Retryable = j.Retryable
	if j.Cause != "" {
		e.Cause = errors.New(j.Cause)
	} else {
		e.Cause = nil
	}
	return nil
}

// Is checks if the target error matches this error by error code.
func (e *OroitzError) Is(target error) bool {
	var oroitzErr *OroitzError
	if errors.As(target, &oroitzErr) {
		return e.Code == oroitzErr.Code
	}
	return false
}

// NewError creates a new non-retryable OroitzError with the given code and message.
func NewError(code ErrorCode, message string) *OroitzError {
	return &OroitzError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     nil,
	}
}

// NewRetryableError creates a new retryable OroitzError with the given code
// and message. Use this for transient errors that may succeed on retry
// (e.g., timeouts, resource contention).
func NewRetryableError(code ErrorCode, message string) *OroitzError {
	return &OroitzError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     nil,
	}
}

// WrapError creates a new non-retryable OroitzError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *OroitzError {
	return &OroitzError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// WrapRetryableError creates a retryable OroitzError that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *OroitzError {
	return &OroitzError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryable reports whether err carries a retryable hint anywhere in its chain.
func IsRetryable(err error) bool {
	var oroitzErr *OroitzError
	if errors.As(err, &oroitzErr) {
		return oroitzErr.Retryable
	}
	return false
}
