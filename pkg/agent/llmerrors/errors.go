// Package llmerrors classifies errors returned by remote model calls.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents a category of model error.
type ErrorType int8

const (
	// ErrorTypeRateLimit is throttling: 429, quota exceeded, Throttling/TooManyRequests codes.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient is 5xx, EOF, connection reset, timeout.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call that produced no content.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth is 401/403 or a bad API key.
	ErrorTypeAuth
	// ErrorTypeBadPrompt is a malformed request (too long, invalid schema).
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// throttleSignatures are matched against machine codes and messages.
//
//nolint:gochecknoglobals
var throttleSignatures = []string{"Throttling", "TooManyRequests", "Rate exceeded"}

// Error is a classified model error.
type Error struct {
	Err        error     // wrapped underlying error
	Code       string    // machine-readable provider code, e.g. "ThrottlingException"
	Message    string    // human-readable message
	Type       ErrorType // classified type
	StatusCode int       // HTTP status if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	code := ""
	if e.Code != "" {
		code = " [" + e.Code + "]"
	}
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s)%s: %s", e.Type.String(), code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s)%s: %v", e.Type.String(), code, e.Err)
	}
	return fmt.Sprintf("LLM error (%s)%s: status %d", e.Type.String(), code, e.StatusCode)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the type is worth retrying at all.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt:
		return false
	default:
		return true
	}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type, or ErrorTypeUnknown if err is not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// NewError creates a classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus creates a classified error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause creates a classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewThrottlingError creates a rate-limit error carrying a provider code.
func NewThrottlingError(code, message string) *Error {
	return &Error{Type: ErrorTypeRateLimit, Code: code, Message: message, StatusCode: http.StatusTooManyRequests}
}

// IsThrottling reports whether err is throttling-class: a classified rate-limit error, or any error
// whose code or message carries a Throttling, TooManyRequests or "Rate exceeded" signature.
func IsThrottling(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		if llmErr.Type == ErrorTypeRateLimit || hasThrottleSignature(llmErr.Code) {
			return true
		}
	}
	return hasThrottleSignature(err.Error())
}

func hasThrottleSignature(s string) bool {
	for _, sig := range throttleSignatures {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}

// ClassifyStatus maps an HTTP status code to an ErrorType.
func ClassifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return ErrorTypeBadPrompt
	case status >= 500:
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}

// Classify wraps a provider error, inferring its type from status and message.
// Already-classified errors are returned unchanged.
func Classify(err error, status int, code string) error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return err
	}
	t := ClassifyStatus(status)
	if t == ErrorTypeUnknown {
		msg := err.Error()
		switch {
		case hasThrottleSignature(code) || hasThrottleSignature(msg) || strings.Contains(msg, "429"):
			t = ErrorTypeRateLimit
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "EOF") || strings.Contains(msg, "503"):
			t = ErrorTypeTransient
		}
	}
	if hasThrottleSignature(code) {
		t = ErrorTypeRateLimit
	}
	return &Error{Type: t, Err: err, Code: code, StatusCode: status}
}
