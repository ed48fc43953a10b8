package connector

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	connerrors "github.com/flageval/flagjudge/pkg/connector/errors"
)

// ContentTruncationLimit specifies the maximum number of characters from a
// judgment to include in logs before truncating.
const ContentTruncationLimit = 200

// Metrics provides an interface for collecting observability data from judge
// operations. It supports counters, histograms, and gauges with tag-based
// dimensionality to enable monitoring and alerting without binding the
// connector to a specific metrics backend.
type Metrics interface {
	// IncrementCounter increases a counter metric by a given value.
	IncrementCounter(name string, tags map[string]string, value float64)
	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, tags map[string]string, value float64)
	// SetGauge sets a gauge metric to a specific value.
	SetGauge(name string, tags map[string]string, value float64)
}

// NoOpMetrics provides a no-op implementation of the Metrics interface.
// It is used in environments like testing or development where metrics
// collection is not needed.
type NoOpMetrics struct{}

// NewNoOpMetrics returns a new no-op metrics collector.
func NewNoOpMetrics() *NoOpMetrics { return &NoOpMetrics{} }

// IncrementCounter is a no-op implementation of the IncrementCounter method.
func (n *NoOpMetrics) IncrementCounter(_ string, _ map[string]string, _ float64) {}

// RecordHistogram is a no-op implementation of the RecordHistogram method.
func (n *NoOpMetrics) RecordHistogram(_ string, _ map[string]string, _ float64) {}

// SetGauge is a no-op implementation of the SetGauge method.
func (n *NoOpMetrics) SetGauge(_ string, _ map[string]string, _ float64) {}

// LoggingMiddleware provides observability for the judge request lifecycle.
// It captures structured logs, latency measurements, and error
// classification for every evaluation that passes through it.
type LoggingMiddleware struct {
	logger  *slog.Logger
	metrics Metrics
}

// NewLoggingMiddleware creates a Middleware that logs request start,
// completion, and failure events and records request metrics. Nil logger and
// metrics arguments fall back to slog.Default and NewNoOpMetrics.
func NewLoggingMiddleware(logger *slog.Logger, metrics Metrics) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewNoOpMetrics()
	}

	lm := &LoggingMiddleware{logger: logger, metrics: metrics}
	return lm.middleware()
}

// middleware returns the logging middleware function.
func (m *LoggingMiddleware) middleware() Middleware {
	return func(next Evaluator) Evaluator {
		return EvaluatorFunc(func(ctx context.Context, req *Request) (*Response, error) {
			requestID := req.TraceID
			if requestID == "" {
				requestID = uuid.New().String()
			}

			m.logger.Info("judge request started",
				"request_id", requestID,
				"prompt_index", req.PromptIndex,
				"prompt_length", len(req.Prompt),
				"prediction_length", len(req.PredictedResults))

			m.metrics.IncrementCounter("judge.requests.total", nil, 1)

			start := time.Now()
			resp, err := next.Evaluate(ctx, req)
			duration := time.Since(start)

			m.metrics.RecordHistogram("judge.request.duration_ms", nil, float64(duration.Milliseconds()))

			if err != nil {
				m.handleError(req, err, requestID, duration)
			} else if resp != nil {
				m.handleSuccess(req, resp, requestID, duration)
			}

			return resp, err
		})
	}
}

// handleError logs evaluation failures with classified error context.
func (m *LoggingMiddleware) handleError(req *Request, err error, requestID string, duration time.Duration) {
	errorType := string(connerrors.Classify(err))

	m.metrics.IncrementCounter("judge.requests.errors", map[string]string{"error_type": errorType}, 1)

	m.logger.Error("judge request failed",
		"request_id", requestID,
		"prompt_index", req.PromptIndex,
		"duration_ms", duration.Milliseconds(),
		"error_type", errorType,
		"error", err.Error())
}

// handleSuccess logs completed evaluations with a truncated judgment preview.
func (m *LoggingMiddleware) handleSuccess(req *Request, resp *Response, requestID string, duration time.Duration) {
	m.metrics.IncrementCounter("judge.requests.success", nil, 1)
	m.metrics.RecordHistogram("judge.judgment.fragments", nil, float64(resp.Fragments))

	judgment := resp.Judgment
	if len(judgment) > ContentTruncationLimit {
		judgment = judgment[:ContentTruncationLimit] + "..."
	}

	m.logger.Info("judge request completed",
		"request_id", requestID,
		"prompt_index", req.PromptIndex,
		"duration_ms", duration.Milliseconds(),
		"fragments", resp.Fragments,
		"judgment_preview", judgment)
}
