// Package retry provides retry middleware for judge evaluations.
// It implements exponential backoff with full jitter, respects retry-after
// guidance carried in structured errors, and tracks attempt statistics.
// The middleware never swallows a failure: when attempts are exhausted the
// last error propagates to the caller wrapped with attempt context.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/flageval/flagjudge/pkg/connector"
	connerrors "github.com/flageval/flagjudge/pkg/connector/errors"
)

var (
	// Configuration validation errors.
	errMaxAttemptsInvalid     = errors.New("maxAttempts must be greater than 0")
	errInitialIntervalInvalid = errors.New("initialInterval must be greater than 0")
	errMaxIntervalInvalid     = errors.New("maxInterval must be >= initialInterval")
	errMultiplierInvalid      = errors.New("multiplier must be >= 1.0")
	errMaxElapsedTimeInvalid  = errors.New("maxElapsedTime must be >= 0")

	// Runtime errors.
	errContextCancelledBeforeRetry = errors.New("context cancelled before retry")
	errContextCancelledDuringRetry = errors.New("context cancelled during retry")
	errAllRetriesExhausted         = errors.New("all retries exhausted")
	errUnexpectedRetryExhaustion   = errors.New("unexpected retry exhaustion")
)

// Config controls retry behavior for failed judge evaluations.
// Exponential backoff with jitter spreads retry load; MaxElapsedTime bounds
// the total time spent on one evaluation including backoff sleeps.
type Config struct {
	MaxAttempts     int           `json:"max_attempts"`     // Total attempts including the first (1 = no retry)
	InitialInterval time.Duration `json:"initial_interval"` // Starting backoff duration
	MaxInterval     time.Duration `json:"max_interval"`     // Maximum backoff duration
	Multiplier      float64       `json:"multiplier"`       // Exponential backoff multiplier
	UseJitter       bool          `json:"use_jitter"`       // Enable full jitter randomization
	MaxElapsedTime  time.Duration `json:"max_elapsed_time"` // Total time budget for all attempts (0 = unlimited)
}

// DefaultConfig returns retry settings suitable for judge traffic.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		UseJitter:       true,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// RetryAfterProvider defines an interface for error types that can provide a
// specific duration to wait before retrying. It lets the judge service
// communicate backpressure that the client respects.
type RetryAfterProvider interface {
	// GetRetryAfter returns the recommended duration to wait before the
	// next attempt, or zero when no specific duration is available.
	GetRetryAfter() time.Duration
}

// Middleware wraps evaluators with retry behavior and tracks attempt
// statistics across every evaluation it serves. A single Middleware instance
// is safe for concurrent use.
type Middleware struct {
	config Config
	logger *slog.Logger
	stats  *retryStats
}

// New creates retry middleware with the specified configuration.
// The configuration is validated eagerly so misconfiguration surfaces at
// startup rather than on the first failed evaluation.
func New(cfg Config) (*Middleware, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w, got %d", errMaxAttemptsInvalid, cfg.MaxAttempts)
	}
	if cfg.InitialInterval <= 0 {
		return nil, fmt.Errorf("%w, got %v", errInitialIntervalInvalid, cfg.InitialInterval)
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		return nil, fmt.Errorf("%w, MaxInterval: %v, InitialInterval: %v", errMaxIntervalInvalid, cfg.MaxInterval, cfg.InitialInterval)
	}
	if cfg.Multiplier < 1.0 {
		return nil, fmt.Errorf("%w, got %f", errMultiplierInvalid, cfg.Multiplier)
	}
	if cfg.MaxElapsedTime < 0 {
		return nil, fmt.Errorf("%w, got %v", errMaxElapsedTimeInvalid, cfg.MaxElapsedTime)
	}

	return &Middleware{
		config: cfg,
		logger: slog.Default().With("component", "retry"),
		stats:  &retryStats{},
	}, nil
}

// Middleware returns the composable middleware function.
func (r *Middleware) Middleware() connector.Middleware {
	return func(next connector.Evaluator) connector.Evaluator {
		return connector.EvaluatorFunc(func(ctx context.Context, req *connector.Request) (*connector.Response, error) {
			var lastErr error
			startTime := time.Now()

			// Fail fast if context is already cancelled to avoid wasted attempts.
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", errContextCancelledBeforeRetry, ctx.Err())
			default:
			}

			maxAttempts := r.config.MaxAttempts

			for attempt := 1; attempt <= maxAttempts; attempt++ {
				// Respect the overall time budget to prevent indefinite retry loops.
				if r.config.MaxElapsedTime > 0 && time.Since(startTime) > r.config.MaxElapsedTime {
					r.logger.Warn("max elapsed time exceeded",
						"elapsed", time.Since(startTime),
						"attempts", attempt-1,
						"last_error", lastErr)
					break
				}

				resp, err := next.Evaluate(ctx, req)
				r.stats.totalAttempts.Add(1)

				// Success terminates the loop immediately.
				if err == nil {
					if attempt > 1 {
						r.stats.successfulRetries.Add(1)
						r.logger.Info("evaluation succeeded after retry",
							"attempt", attempt,
							"prompt_index", req.PromptIndex)
					} else {
						r.stats.successfulFirstAttempts.Add(1)
					}
					return resp, nil
				}

				// Avoid retrying errors that will always fail.
				if !r.isRetryable(err) {
					r.logger.Debug("non-retryable error",
						"error", err,
						"attempt", attempt,
						"prompt_index", req.PromptIndex)
					return nil, err
				}

				lastErr = err

				// Prevent unnecessary backoff calculation on the final attempt.
				if attempt == maxAttempts {
					break
				}

				// Calculate backoff duration respecting judge retry guidance.
				backoff := r.calculateBackoff(attempt, err)
				r.recordBackoffMetrics(backoff)

				// Ensure backoff doesn't push us past the overall time budget.
				if r.config.MaxElapsedTime > 0 {
					elapsed := time.Since(startTime)
					if elapsed+backoff > r.config.MaxElapsedTime {
						// Judge retry-after guidance may exceed the time budget;
						// fall back to pure exponential backoff if that still fits.
						if r.extractRetryAfter(err) > 0 {
							exponentialBackoff := r.calculatePureExponentialBackoff(attempt)
							if elapsed+exponentialBackoff <= r.config.MaxElapsedTime {
								backoff = exponentialBackoff
							} else {
								r.logger.Warn("max elapsed time exceeded",
									"elapsed", elapsed,
									"attempts", attempt,
									"last_error", err)
								break
							}
						} else {
							r.logger.Warn("max elapsed time exceeded",
								"elapsed", elapsed,
								"attempts", attempt,
								"last_error", err)
							break
						}
					}
				}

				r.logger.Debug("retrying after backoff",
					"attempt", attempt,
					"backoff", backoff,
					"error", err,
					"prompt_index", req.PromptIndex)

				// Wait with context cancellation to enable graceful shutdown.
				select {
				case <-time.After(backoff):
					// Continue to next attempt.
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %w", errContextCancelledDuringRetry, ctx.Err())
				}
			}

			// All retries exhausted.
			if lastErr != nil {
				r.stats.failedRetries.Add(1)
				return nil, fmt.Errorf("%w after %d attempts: %w",
					errAllRetriesExhausted, maxAttempts, lastErr)
			}

			return nil, errUnexpectedRetryExhaustion
		})
	}
}

// isRetryable evaluates error types to determine retry eligibility.
// Structured error classification takes precedence; network failures and
// deadline expiry are retryable, everything unknown is not.
func (r *Middleware) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *connerrors.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true // Always retry rate limits.
	}

	var transportErr *connerrors.TransportError
	if errors.As(err, &transportErr) {
		return transportErr.IsRetryable()
	}

	var readErr *connerrors.ResponseReadError
	if errors.As(err, &readErr) {
		return readErr.IsRetryable()
	}

	var decodeErr *connerrors.DecodeError
	if errors.As(err, &decodeErr) {
		return false // Malformed judge output never improves on retry.
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if isNetworkError(err) {
		return true
	}

	// Check for RetryAfterProvider interface last to handle custom error types.
	var provider RetryAfterProvider
	if errors.As(err, &provider) {
		return true
	}

	// Default: don't retry unknown errors.
	return false
}

// isNetworkError checks if an error is a network-related error using proper
// type assertions rather than fragile string matching alone.
func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) {
			return netErr.Timeout()
		}
		return isNetworkErrorByString(urlErr.Err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return isNetworkErrorByString(err.Error())
}

// isNetworkErrorByString checks for network errors using string patterns.
func isNetworkErrorByString(errStr string) bool {
	lowered := strings.ToLower(errStr)
	for _, indicator := range networkErrorIndicators {
		if strings.Contains(lowered, indicator) {
			return true
		}
	}
	return false
}

// networkErrorIndicators holds pre-lowercased network error fragments.
var networkErrorIndicators = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"eof",
}
