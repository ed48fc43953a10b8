// Package metrics exposes judge connector metrics through Prometheus.
// It implements the connector.Metrics interface by mapping the connector's
// metric names onto pre-registered collectors, so the connector stays free
// of any Prometheus dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flageval/flagjudge/pkg/connector"
)

const metricsNamespace = "flagjudge"

var (
	// 1ms -> 60s
	durationBuckets = []float64{
		0.001, 0.005, 0.010, 0.025, 0.050, 0.1, 0.25, 0.5,
		1.0, 2.5, 5, 10, 20, 30, 60,
	}

	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "requests_total",
		Help:      "Number of judge requests started",
	})

	requestsSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "requests_success",
		Help:      "Number of judge requests that returned a judgment",
	})

	requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "request_errors",
		Help:      "Number of failed judge requests by error type",
	}, []string{"error_type"})

	requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "request_duration_seconds",
		Help:      "Histogram of judge request wall time",
		Buckets:   durationBuckets,
	})

	judgmentFragments = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "judgment_fragments",
		Help:      "Histogram of complete stream fragments per judgment",
		Buckets:   prometheus.LinearBuckets(0, 1, 10),
	})

	ratelimitDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "ratelimit_degraded",
		Help:      "Whether rate limiting is running without its Redis window (1 = degraded)",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestsSuccess, requestErrors)
	prometheus.MustRegister(requestDuration, judgmentFragments)
	prometheus.MustRegister(ratelimitDegraded)
}

// Prometheus adapts the connector.Metrics interface to the process-wide
// Prometheus registry. Metric names the adapter does not know are dropped
// silently so connector instrumentation can evolve independently.
type Prometheus struct{}

// Compile-time check that the adapter satisfies the connector contract.
var _ connector.Metrics = (*Prometheus)(nil)

// New returns the Prometheus-backed metrics adapter.
func New() *Prometheus { return &Prometheus{} }

// IncrementCounter maps connector counters onto registered collectors.
func (p *Prometheus) IncrementCounter(name string, tags map[string]string, value float64) {
	switch name {
	case "judge.requests.total":
		requestsTotal.Add(value)
	case "judge.requests.success":
		requestsSuccess.Add(value)
	case "judge.requests.errors":
		requestErrors.WithLabelValues(tags["error_type"]).Add(value)
	}
}

// RecordHistogram maps connector histograms onto registered collectors.
// Durations arrive in milliseconds and are stored in seconds.
func (p *Prometheus) RecordHistogram(name string, _ map[string]string, value float64) {
	switch name {
	case "judge.request.duration_ms":
		requestDuration.Observe(value / 1000)
	case "judge.judgment.fragments":
		judgmentFragments.Observe(value)
	}
}

// SetGauge maps connector gauges onto registered collectors.
func (p *Prometheus) SetGauge(name string, _ map[string]string, value float64) {
	switch name {
	case "judge.ratelimit.degraded":
		ratelimitDegraded.Set(value)
	}
}
