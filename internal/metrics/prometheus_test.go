package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// histogramState returns the sample count and sum of a registered histogram.
func histogramState(t *testing.T, name string) (uint64, float64) {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() == name {
			h := family.GetMetric()[0].GetHistogram()
			return h.GetSampleCount(), h.GetSampleSum()
		}
	}
	return 0, 0
}

// TestIncrementCounter_Mapping verifies connector counter names reach their
// registered collectors.
func TestIncrementCounter_Mapping(t *testing.T) {
	p := New()

	totalBefore := testutil.ToFloat64(requestsTotal)
	successBefore := testutil.ToFloat64(requestsSuccess)
	decodeBefore := testutil.ToFloat64(requestErrors.WithLabelValues("decode"))

	p.IncrementCounter("judge.requests.total", nil, 1)
	p.IncrementCounter("judge.requests.success", nil, 1)
	p.IncrementCounter("judge.requests.errors", map[string]string{"error_type": "decode"}, 1)

	assert.Equal(t, totalBefore+1, testutil.ToFloat64(requestsTotal))
	assert.Equal(t, successBefore+1, testutil.ToFloat64(requestsSuccess))
	assert.Equal(t, decodeBefore+1, testutil.ToFloat64(requestErrors.WithLabelValues("decode")))
}

// TestRecordHistogram_Mapping verifies duration observations convert from
// milliseconds to seconds and fragment counts record as-is.
func TestRecordHistogram_Mapping(t *testing.T) {
	p := New()

	durCountBefore, durSumBefore := histogramState(t, "flagjudge_request_duration_seconds")
	fragCountBefore, fragSumBefore := histogramState(t, "flagjudge_judgment_fragments")

	p.RecordHistogram("judge.request.duration_ms", nil, 2500)
	p.RecordHistogram("judge.judgment.fragments", nil, 3)

	durCount, durSum := histogramState(t, "flagjudge_request_duration_seconds")
	assert.Equal(t, durCountBefore+1, durCount)
	assert.InDelta(t, durSumBefore+2.5, durSum, 1e-9, "milliseconds must be stored as seconds")

	fragCount, fragSum := histogramState(t, "flagjudge_judgment_fragments")
	assert.Equal(t, fragCountBefore+1, fragCount)
	assert.InDelta(t, fragSumBefore+3, fragSum, 1e-9)
}

// TestUnknownNamesDropped verifies unrecognized metric names are ignored
// instead of panicking.
func TestUnknownNamesDropped(t *testing.T) {
	p := New()

	totalBefore := testutil.ToFloat64(requestsTotal)

	p.IncrementCounter("judge.unknown.metric", nil, 1)
	p.RecordHistogram("judge.unknown.metric", nil, 1)
	p.SetGauge("judge.unknown.metric", nil, 1)

	assert.Equal(t, totalBefore, testutil.ToFloat64(requestsTotal))
}

// TestSetGauge_DegradedFlag verifies the degraded mode gauge tracks set
// values.
func TestSetGauge_DegradedFlag(t *testing.T) {
	p := New()

	p.SetGauge("judge.ratelimit.degraded", nil, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(ratelimitDegraded))

	p.SetGauge("judge.ratelimit.degraded", nil, 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(ratelimitDegraded))
}
