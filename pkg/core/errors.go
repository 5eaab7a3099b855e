package core

import (
	"errors"
	"fmt"
)

// Error is the typed error carried across the check-in core.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrConnection covers handshake and transport failures on the duplex
	// channel. Surfaced to the caller, never retried by the core.
	ErrConnection ErrorType = "connection_error"
	// ErrProtocol covers malformed frames and widget payloads from the
	// remote endpoint. Logged and dropped; the session continues.
	ErrProtocol ErrorType = "protocol_error"
	// ErrAnalysis covers feature-extraction or scoring failures when speech
	// was captured. The session still finalizes, without metrics.
	ErrAnalysis ErrorType = "analysis_error"
	// ErrCalendarSync covers schedule_activity side-effect failures. Scoped
	// to the widget's status, never the session.
	ErrCalendarSync ErrorType = "calendar_sync_error"
	// ErrInvalidRequest covers caller mistakes (bad arguments, wrong state).
	ErrInvalidRequest ErrorType = "invalid_request_error"
	// ErrRateLimit indicates a fixed-window limit was exhausted.
	ErrRateLimit ErrorType = "rate_limit_error"
)

// NewConnectionError creates a connection error wrapping the transport cause.
func NewConnectionError(message string, cause error) *Error {
	return &Error{Type: ErrConnection, Message: message, Cause: cause}
}

// NewProtocolError creates a protocol error for a malformed inbound payload.
func NewProtocolError(message, param string) *Error {
	return &Error{Type: ErrProtocol, Message: message, Param: param}
}

// NewAnalysisError creates a recoverable analysis error.
func NewAnalysisError(message string, cause error) *Error {
	return &Error{Type: ErrAnalysis, Message: message, Cause: cause}
}

// NewCalendarSyncError creates a calendar side-effect error.
func NewCalendarSyncError(message string, cause error) *Error {
	return &Error{Type: ErrCalendarSync, Message: message, Cause: cause}
}

// NewInvalidRequestError creates an invalid request error naming the
// offending parameter.
func NewInvalidRequestError(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// IsType reports whether err is (or wraps) a core Error of the given type.
func IsType(err error, t ErrorType) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Type == t
}
