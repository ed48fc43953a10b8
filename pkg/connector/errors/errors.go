// Package errors defines the failure taxonomy for judge connector operations.
// Every error a connector or middleware produces belongs to one of the
// structured types below, which carry enough context for retry classification
// and diagnostics. Errors always propagate to the caller; nothing in this
// module recovers from a failure locally.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType categorizes judge operation failures for retry classification.
// Types determine whether operations should be retried and with what backoff,
// enabling resilient handling of transient vs. permanent failures.
type ErrorType string

const (
	// ErrorTypeTimeout indicates request timeout or deadline exceeded (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates rate limit exceeded, retry with backoff (retryable).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates network connectivity issues (retryable).
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeUpstream indicates the judge service failed or is unavailable (retryable).
	ErrorTypeUpstream ErrorType = "upstream_unavailable"

	// ErrorTypeStreamRead indicates the response stream broke mid-transfer (retryable).
	ErrorTypeStreamRead ErrorType = "stream_read"

	// ErrorTypeDecode indicates the judge returned a malformed fragment (non-retryable).
	ErrorTypeDecode ErrorType = "decode"

	// ErrorTypeAuth indicates authentication failed (non-retryable).
	ErrorTypeAuth ErrorType = "authentication"

	// ErrorTypePermission indicates insufficient permissions (non-retryable).
	ErrorTypePermission ErrorType = "permission_denied"

	// ErrorTypeValidation indicates the judge rejected the request payload (non-retryable).
	ErrorTypeValidation ErrorType = "validation_failed"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Common judge operation errors for consistent error handling.
var (
	// ErrJudgeUnavailable indicates the judge service is down or unreachable.
	ErrJudgeUnavailable = errors.New("judge service unavailable")

	// ErrRateLimitExceeded indicates a rate limit has been exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrMaxRetriesExceeded indicates maximum retry attempts exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// TransportError captures a non-2xx HTTP exchange with the judge service.
// Includes the status code, a body excerpt, and retry timing so callers can
// classify the failure without re-reading the wire.
type TransportError struct {
	StatusCode int       `json:"status_code"` // HTTP status code
	Message    string    `json:"message"`     // Response body excerpt
	Type       ErrorType `json:"type"`        // Classified error type
	RetryAfter int       `json:"retry_after"` // Retry-After header value in seconds
}

// Error returns the formatted transport error with status code context.
func (e *TransportError) Error() string {
	return fmt.Sprintf("judge request failed (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the transport error warrants a retry attempt.
func (e *TransportError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeUpstream:
		return true
	default:
		return false
	}
}

// GetRetryAfter implements the RetryAfterProvider interface.
func (e *TransportError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// DecodeError indicates a stream fragment that could not be interpreted as a
// judgment. The judge's reply is deterministically malformed, so decode
// failures are never retried.
type DecodeError struct {
	Fragment string `json:"fragment"` // Offending fragment excerpt
	Message  string `json:"message"`  // What was wrong with it
	Err      error  `json:"-"`        // Underlying unmarshal error, if any
}

// Error returns the formatted decode error with fragment context.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode judge fragment: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("decode judge fragment: %s", e.Message)
}

// Unwrap exposes the underlying unmarshal error for errors.Is inspection.
func (e *DecodeError) Unwrap() error { return e.Err }

// ResponseReadError indicates the response body failed mid-stream after a
// successful status exchange. The connection state is unknown, so reads are
// classified retryable.
type ResponseReadError struct {
	Received int   `json:"received"` // Bytes successfully read before the failure
	Err      error `json:"-"`        // Underlying read error
}

// Error returns the formatted read error with progress context.
func (e *ResponseReadError) Error() string {
	return fmt.Sprintf("read judge response after %d bytes: %v", e.Received, e.Err)
}

// Unwrap exposes the underlying read error for errors.Is inspection.
func (e *ResponseReadError) Unwrap() error { return e.Err }

// IsRetryable reports whether the read error warrants a retry attempt.
// Context cancellation is the caller's decision and never retried.
func (e *ResponseReadError) IsRetryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// RateLimitError provides rate limit context for backoff calculation.
// Includes retry timing and the local vs. global limit distinction to enable
// optimal backoff strategies.
type RateLimitError struct {
	Scope      string `json:"scope"`       // "local", "global", or "fallback"
	Limit      int    `json:"limit"`       // Requests per second limit
	RetryAfter int    `json:"retry_after"` // Seconds to wait before retry
}

// Error returns the formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limit exceeded, retry after %d seconds", e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limit exceeded", e.Scope)
}

// GetRetryAfter implements the RetryAfterProvider interface.
func (e *RateLimitError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// ClassifyStatus determines ErrorType from an HTTP status code.
// It groups status codes into retryable and non-retryable categories.
func ClassifyStatus(statusCode int) ErrorType {
	switch statusCode {
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case http.StatusUnauthorized:
		return ErrorTypeAuth
	case http.StatusForbidden:
		return ErrorTypePermission
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case http.StatusBadRequest:
		return ErrorTypeValidation
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return ErrorTypeUpstream
	default:
		if statusCode >= 500 {
			return ErrorTypeUpstream
		}
		return ErrorTypeUnknown
	}
}

// Classify maps any error to its ErrorType for logging and metrics labeling.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return ErrorTypeRateLimit
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Type
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return ErrorTypeDecode
	}

	var readErr *ResponseReadError
	if errors.As(err, &readErr) {
		return ErrorTypeStreamRead
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	if errors.Is(err, ErrRateLimitExceeded) {
		return ErrorTypeRateLimit
	}
	if errors.Is(err, ErrJudgeUnavailable) {
		return ErrorTypeUpstream
	}

	return ErrorTypeUnknown
}

// IsRetryable determines if an error warrants a retry attempt.
// Examines structured error types, sentinel errors, and HTTP status codes to
// provide consistent retry decisions across all judge operations.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.IsRetryable()
	}

	var readErr *ResponseReadError
	if errors.As(err, &readErr) {
		return readErr.IsRetryable()
	}

	// Malformed judge output never improves on retry.
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}

	// Check sentinel errors known to be retryable.
	if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrJudgeUnavailable) {
		return true
	}

	// Examine HTTP status codes for retry classification.
	type statusCoder interface {
		StatusCode() int
	}
	if sc, ok := err.(statusCoder); ok {
		code := sc.StatusCode()
		return code == http.StatusTooManyRequests ||
			code == http.StatusRequestTimeout ||
			code == http.StatusGatewayTimeout ||
			code >= 500
	}

	// Conservative default - avoid retry loops for unknown errors.
	return false
}

// RetryAfter extracts the retry-after duration in seconds from an error.
// Returns 0 when no specific retry guidance is available.
func RetryAfter(err error) int {
	if err == nil {
		return 0
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr.RetryAfter
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.RetryAfter
	}

	return 0
}
