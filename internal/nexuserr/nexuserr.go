// Package nexuserr defines the stable error taxonomy shared across the
// federation, voice, and gateway layers: a stable string code plus a
// human-readable message, consistent across every HTTP and WebSocket
// error response.
package nexuserr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	// Authentication/authorization
	InvalidCredentials Code = "INVALID_CREDENTIALS"
	TokenExpired       Code = "TOKEN_EXPIRED"
	InvalidToken       Code = "INVALID_TOKEN"
	Unauthorized       Code = "UNAUTHORIZED"
	Forbidden          Code = "FORBIDDEN"
	MissingPermission  Code = "MISSING_PERMISSION"

	// Resource
	NotFound      Code = "NOT_FOUND"
	AlreadyExists Code = "ALREADY_EXISTS"

	// Validation
	Validation   Code = "VALIDATION"
	LimitReached Code = "LIMIT_REACHED"

	// Rate limiting
	RateLimited Code = "RATE_LIMITED"

	// Federation
	KeyNotFound        Code = "KEY_NOT_FOUND"
	MissingAuthHeader  Code = "MISSING_AUTH_HEADER"
	MalformedAuthHeader Code = "MALFORMED_AUTH_HEADER"
	InvalidSignature   Code = "INVALID_SIGNATURE"
	ClockSkew          Code = "CLOCK_SKEW"
	DiscoveryFailed    Code = "DISCOVERY_FAILED"
	BadWellKnown       Code = "BAD_WELL_KNOWN"
	RemoteHTTP         Code = "REMOTE_HTTP"
	RemoteProtocol     Code = "REMOTE_PROTOCOL"
	RemoteUnreachable  Code = "REMOTE_UNREACHABLE"
	Unsupported        Code = "UNSUPPORTED"

	// Infrastructure
	Database Code = "DATABASE"
	Redis    Code = "REDIS"
	Internal Code = "INTERNAL"
)

// Error is a typed error carrying a stable Code plus a human message and
// optional wrapped cause. Infrastructure causes are never rendered to
// clients verbatim — callers at the API boundary should log Unwrap() and
// surface only Code/Message.
type Error struct {
	Code       Code
	Message    string
	RetryAfter int64 // milliseconds, set only for RateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping an underlying cause. Use for
// infrastructure failures that should not leak their raw message to
// clients but still need the original error preserved for logging.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// RateLimit creates a RateLimited error carrying a retry-after duration.
func RateLimit(retryAfterMs int64) *Error {
	return &Error{Code: RateLimited, Message: "rate limited", RetryAfter: retryAfterMs}
}

// HasCode reports whether err is (or wraps) an *Error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
