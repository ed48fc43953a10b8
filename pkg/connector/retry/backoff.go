package retry

import (
	"errors"
	"math/rand/v2"
	"time"

	connerrors "github.com/flageval/flagjudge/pkg/connector/errors"
)

// calculateBackoff computes the retry delay using exponential backoff with
// jitter. Judge-provided retry-after guidance takes precedence over the
// computed delay. Thread-safe via math/rand/v2.
func (r *Middleware) calculateBackoff(attempt int, err error) time.Duration {
	// Calculate exponential backoff first as fallback.
	// Ensure minimum interval to prevent hot looping.
	baseBackoff := r.config.InitialInterval
	if baseBackoff <= 0 {
		baseBackoff = time.Millisecond
	}

	for i := 1; i < attempt; i++ {
		multiplier := r.config.Multiplier
		if multiplier < 1.0 {
			multiplier = 1.0
		}
		baseBackoff = time.Duration(float64(baseBackoff) * multiplier)
		if baseBackoff > r.config.MaxInterval {
			baseBackoff = r.config.MaxInterval
			break
		}
	}

	exponentialBackoff := baseBackoff
	if r.config.UseJitter {
		// Full jitter: random between 0 and the calculated backoff.
		jitterMs := rand.Int64N(baseBackoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		exponentialBackoff = time.Duration(jitterMs) * time.Millisecond
	}

	// Judge-specified retry delay takes precedence when present.
	if retryAfter := r.extractRetryAfter(err); retryAfter > 0 {
		return retryAfter
	}

	return exponentialBackoff
}

// calculatePureExponentialBackoff computes exponential backoff ignoring
// retry-after guidance. Used as fallback when retry-after values conflict
// with the overall time budget.
func (r *Middleware) calculatePureExponentialBackoff(attempt int) time.Duration {
	baseBackoff := r.config.InitialInterval
	for i := 1; i < attempt; i++ {
		baseBackoff = time.Duration(float64(baseBackoff) * r.config.Multiplier)
		if baseBackoff > r.config.MaxInterval {
			baseBackoff = r.config.MaxInterval
			break
		}
	}

	if r.config.UseJitter {
		jitterMs := rand.Int64N(baseBackoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}

	return baseBackoff
}

// extractRetryAfter determines judge-specified retry delays from error
// responses via the RetryAfterProvider interface and structured error types.
func (r *Middleware) extractRetryAfter(err error) time.Duration {
	var provider RetryAfterProvider
	if errors.As(err, &provider) {
		return provider.GetRetryAfter()
	}

	var rateLimitErr *connerrors.RateLimitError
	if errors.As(err, &rateLimitErr) && rateLimitErr.RetryAfter > 0 {
		return time.Duration(rateLimitErr.RetryAfter) * time.Second
	}

	var transportErr *connerrors.TransportError
	if errors.As(err, &transportErr) && transportErr.RetryAfter > 0 {
		return time.Duration(transportErr.RetryAfter) * time.Second
	}

	return 0
}

// ExponentialBackoff calculates retry delays using exponential backoff with
// optional full jitter. Standalone utility for callers that schedule retries
// themselves. Returns zero for non-positive attempt numbers.
func ExponentialBackoff(attempt int, config Config) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := config.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxInterval {
			return config.MaxInterval
		}
	}

	if config.UseJitter {
		jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}

	return backoff
}
