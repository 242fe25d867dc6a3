// Package domain provides the canonical types shared by the transport
// layer and the typed services: the error taxonomy, the REST response
// envelope, and the streaming chunk shape.
package domain

import (
	"errors"
	"fmt"
)

// AuthErrorKind categorizes authentication failures.
type AuthErrorKind string

const (
	// AuthMissingToken indicates no access token is available at all.
	AuthMissingToken AuthErrorKind = "missing_token"

	// AuthRefreshExpired indicates the refresh token itself is past its
	// expiry, so no exchange can succeed.
	AuthRefreshExpired AuthErrorKind = "refresh_expired"

	// AuthRefreshRejected indicates the refresh exchange was attempted
	// and failed.
	AuthRefreshRejected AuthErrorKind = "refresh_rejected"
)

// AuthError is fatal to the current call; it is only recoverable by
// obtaining new credentials out of band (re-login).
type AuthError struct {
	Kind    AuthErrorKind
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("auth: %s", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an AuthError, optionally of a
// specific kind.
func IsAuthError(err error, kinds ...AuthErrorKind) bool {
	var ae *AuthError
	if !errors.As(err, &ae) {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if ae.Kind == k {
			return true
		}
	}
	return false
}

// Error codes observed on the wire.
const (
	ErrCodeInvalidToken     = "ERR_INVALID_TOKEN"
	ErrCodeTokenExpired     = "ERR_TOKEN_EXPIRED"
	ErrCodeRateLimited      = "ERR_RATE_LIMITED"
	ErrCodeModelUnavailable = "ERR_MODEL_UNAVAILABLE"
	ErrCodeQuotaExceeded    = "ERR_QUOTA_EXCEEDED"
)

// APIError is a terminal, non-2xx REST failure: either a non-retriable
// status, or a retriable one after the retry budget was exhausted. It
// carries enough context to correlate with server-side logs.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code,omitempty"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("trae api: status %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("trae api: status %d: %s", e.StatusCode, e.Message)
}

// Retriable reports whether the status is worth retrying: rate limits
// and server errors, never other client errors.
func (e *APIError) Retriable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TransportError is a network-level failure that happened before any
// HTTP status was received. Always retriable up to the budget.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports that a stream produced no valid events. Single
// malformed events inside an otherwise healthy stream are skipped and
// never surface as errors.
type DecodeError struct {
	Skipped int
	Last    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: stream yielded no valid events (%d malformed)", e.Skipped)
}

func (e *DecodeError) Unwrap() error { return e.Last }
