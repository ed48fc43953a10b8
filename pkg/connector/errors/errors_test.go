package errors_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connerrors "github.com/flageval/flagjudge/pkg/connector/errors"
)

// statusError is a minimal error exposing only an HTTP status code.
type statusError struct{ code int }

func (e *statusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) StatusCode() int { return e.code }

// TestTransportError_Error verifies the message format carries the status
// code and body excerpt.
func TestTransportError_Error(t *testing.T) {
	err := &connerrors.TransportError{
		StatusCode: 503,
		Message:    "maintenance window",
		Type:       connerrors.ErrorTypeUpstream,
	}

	assert.Equal(t, "judge request failed (status 503): maintenance window", err.Error())
}

// TestTransportError_IsRetryable verifies retryability follows the
// classified type.
func TestTransportError_IsRetryable(t *testing.T) {
	tests := []struct {
		errType   connerrors.ErrorType
		retryable bool
	}{
		{connerrors.ErrorTypeTimeout, true},
		{connerrors.ErrorTypeRateLimit, true},
		{connerrors.ErrorTypeNetwork, true},
		{connerrors.ErrorTypeUpstream, true},
		{connerrors.ErrorTypeAuth, false},
		{connerrors.ErrorTypePermission, false},
		{connerrors.ErrorTypeValidation, false},
		{connerrors.ErrorTypeDecode, false},
		{connerrors.ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := &connerrors.TransportError{StatusCode: 500, Type: tt.errType}
			assert.Equal(t, tt.retryable, err.IsRetryable())
		})
	}
}

// TestTransportError_GetRetryAfter verifies header guidance converts to a
// duration.
func TestTransportError_GetRetryAfter(t *testing.T) {
	withGuidance := &connerrors.TransportError{RetryAfter: 7}
	assert.Equal(t, 7*time.Second, withGuidance.GetRetryAfter())

	withoutGuidance := &connerrors.TransportError{}
	assert.Equal(t, time.Duration(0), withoutGuidance.GetRetryAfter())
}

// TestDecodeError_Error verifies formatting with and without an underlying
// unmarshal error.
func TestDecodeError_Error(t *testing.T) {
	inner := errors.New("invalid character 'o'")
	withCause := &connerrors.DecodeError{
		Fragment: "not json",
		Message:  "malformed fragment",
		Err:      inner,
	}
	assert.Equal(t, "decode judge fragment: malformed fragment: invalid character 'o'", withCause.Error())
	assert.ErrorIs(t, withCause, inner)

	withoutCause := &connerrors.DecodeError{Message: "missing text field"}
	assert.Equal(t, "decode judge fragment: missing text field", withoutCause.Error())
	assert.Nil(t, withoutCause.Unwrap())
}

// TestResponseReadError verifies formatting, unwrapping, and the
// cancellation exception to retryability.
func TestResponseReadError(t *testing.T) {
	readErr := &connerrors.ResponseReadError{Received: 512, Err: io.ErrUnexpectedEOF}
	assert.Equal(t, "read judge response after 512 bytes: unexpected EOF", readErr.Error())
	assert.ErrorIs(t, readErr, io.ErrUnexpectedEOF)
	assert.True(t, readErr.IsRetryable())

	cancelled := &connerrors.ResponseReadError{Received: 100, Err: context.Canceled}
	assert.False(t, cancelled.IsRetryable(), "caller cancellation must not trigger retries")
}

// TestRateLimitError verifies message formatting and retry guidance.
func TestRateLimitError(t *testing.T) {
	withGuidance := &connerrors.RateLimitError{Scope: "local", Limit: 10, RetryAfter: 3}
	assert.Equal(t, "local rate limit exceeded, retry after 3 seconds", withGuidance.Error())
	assert.Equal(t, 3*time.Second, withGuidance.GetRetryAfter())

	withoutGuidance := &connerrors.RateLimitError{Scope: "global", Limit: 100}
	assert.Equal(t, "global rate limit exceeded", withoutGuidance.Error())
	assert.Equal(t, time.Duration(0), withoutGuidance.GetRetryAfter())
}

// TestClassifyStatus verifies status code to error type mapping.
func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   connerrors.ErrorType
	}{
		{429, connerrors.ErrorTypeRateLimit},
		{401, connerrors.ErrorTypeAuth},
		{403, connerrors.ErrorTypePermission},
		{408, connerrors.ErrorTypeTimeout},
		{504, connerrors.ErrorTypeTimeout},
		{400, connerrors.ErrorTypeValidation},
		{500, connerrors.ErrorTypeUpstream},
		{502, connerrors.ErrorTypeUpstream},
		{503, connerrors.ErrorTypeUpstream},
		{599, connerrors.ErrorTypeUpstream},
		{418, connerrors.ErrorTypeUnknown},
		{404, connerrors.ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, connerrors.ClassifyStatus(tt.status))
		})
	}
}

// TestClassify verifies error type extraction across the taxonomy, including
// wrapped errors.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want connerrors.ErrorType
	}{
		{
			name: "nil error",
			err:  nil,
			want: connerrors.ErrorTypeUnknown,
		},
		{
			name: "rate limit error",
			err:  &connerrors.RateLimitError{Scope: "local"},
			want: connerrors.ErrorTypeRateLimit,
		},
		{
			name: "transport error keeps its classified type",
			err:  &connerrors.TransportError{StatusCode: 401, Type: connerrors.ErrorTypeAuth},
			want: connerrors.ErrorTypeAuth,
		},
		{
			name: "wrapped transport error",
			err:  fmt.Errorf("attempt 2: %w", &connerrors.TransportError{StatusCode: 503, Type: connerrors.ErrorTypeUpstream}),
			want: connerrors.ErrorTypeUpstream,
		},
		{
			name: "decode error",
			err:  &connerrors.DecodeError{Message: "malformed fragment"},
			want: connerrors.ErrorTypeDecode,
		},
		{
			name: "response read error",
			err:  &connerrors.ResponseReadError{Err: io.ErrUnexpectedEOF},
			want: connerrors.ErrorTypeStreamRead,
		},
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("request: %w", context.DeadlineExceeded),
			want: connerrors.ErrorTypeTimeout,
		},
		{
			name: "rate limit sentinel",
			err:  connerrors.ErrRateLimitExceeded,
			want: connerrors.ErrorTypeRateLimit,
		},
		{
			name: "unavailable sentinel",
			err:  connerrors.ErrJudgeUnavailable,
			want: connerrors.ErrorTypeUpstream,
		},
		{
			name: "unclassified error",
			err:  errors.New("something else"),
			want: connerrors.ErrorTypeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, connerrors.Classify(tt.err))
		})
	}
}

// TestIsRetryable verifies retry decisions across the taxonomy.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "rate limit error",
			err:  &connerrors.RateLimitError{Scope: "local"},
			want: true,
		},
		{
			name: "retryable transport error",
			err:  &connerrors.TransportError{StatusCode: 503, Type: connerrors.ErrorTypeUpstream},
			want: true,
		},
		{
			name: "terminal transport error",
			err:  &connerrors.TransportError{StatusCode: 401, Type: connerrors.ErrorTypeAuth},
			want: false,
		},
		{
			name: "read error from broken stream",
			err:  &connerrors.ResponseReadError{Err: io.ErrUnexpectedEOF},
			want: true,
		},
		{
			name: "read error from cancellation",
			err:  &connerrors.ResponseReadError{Err: context.Canceled},
			want: false,
		},
		{
			name: "decode error",
			err:  &connerrors.DecodeError{Message: "malformed fragment"},
			want: false,
		},
		{
			name: "wrapped decode error",
			err:  fmt.Errorf("evaluate: %w", &connerrors.DecodeError{Message: "malformed fragment"}),
			want: false,
		},
		{
			name: "rate limit sentinel",
			err:  connerrors.ErrRateLimitExceeded,
			want: true,
		},
		{
			name: "wrapped unavailable sentinel",
			err:  fmt.Errorf("judge: %w", connerrors.ErrJudgeUnavailable),
			want: true,
		},
		{
			name: "status coder with server error",
			err:  &statusError{code: 503},
			want: true,
		},
		{
			name: "status coder with client error",
			err:  &statusError{code: 404},
			want: false,
		},
		{
			name: "unclassified error",
			err:  errors.New("something else"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, connerrors.IsRetryable(tt.err))
		})
	}
}

// TestRetryAfter verifies retry guidance extraction from wrapped errors.
func TestRetryAfter(t *testing.T) {
	require.Equal(t, 0, connerrors.RetryAfter(nil))

	assert.Equal(t, 5, connerrors.RetryAfter(&connerrors.RateLimitError{RetryAfter: 5}))
	assert.Equal(t, 7, connerrors.RetryAfter(fmt.Errorf("wrapped: %w", &connerrors.TransportError{RetryAfter: 7})))
	assert.Equal(t, 0, connerrors.RetryAfter(errors.New("no guidance")))
}
