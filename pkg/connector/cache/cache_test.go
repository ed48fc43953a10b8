package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flageval/flagjudge/pkg/connector"
)

// countingEvaluator returns a passing evaluator that counts invocations.
func countingEvaluator(calls *atomic.Int32) connector.Evaluator {
	return connector.EvaluatorFunc(func(context.Context, *connector.Request) (*connector.Response, error) {
		calls.Add(1)
		return &connector.Response{Judgment: "ok", Fragments: 1}, nil
	})
}

// TestCacheKey verifies keys derive from the judged content only.
func TestCacheKey(t *testing.T) {
	base := &connector.Request{Prompt: "q", PredictedResults: "a", Target: "g"}

	same := &connector.Request{Prompt: "q", PredictedResults: "a", Target: "g", PromptIndex: 42, TraceID: "x"}
	assert.Equal(t, cacheKey(base), cacheKey(same), "row position and trace id must not affect the key")

	assert.True(t, strings.HasPrefix(cacheKey(base), "judge:cache:"))

	variants := []*connector.Request{
		{Prompt: "q2", PredictedResults: "a", Target: "g"},
		{Prompt: "q", PredictedResults: "a2", Target: "g"},
		{Prompt: "q", PredictedResults: "a", Target: "g2"},
	}
	for _, v := range variants {
		assert.NotEqual(t, cacheKey(base), cacheKey(v))
	}
}

// TestDisabledPassthrough verifies a disabled cache imposes nothing on the
// evaluation path.
func TestDisabledPassthrough(t *testing.T) {
	mw, err := New(Config{Enabled: false})
	require.NoError(t, err)

	var calls atomic.Int32
	wrapped := mw.Middleware()(countingEvaluator(&calls))

	for range 3 {
		resp, err := wrapped.Evaluate(context.Background(), &connector.Request{Prompt: "q"})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Judgment)
	}

	assert.Equal(t, int32(3), calls.Load())

	stats := mw.Stats()
	assert.False(t, stats.Enabled)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

// TestUnreachableRedisDisablesCache verifies a failed connection at
// construction degrades to uncached evaluation.
func TestUnreachableRedisDisablesCache(t *testing.T) {
	mw, err := New(Config{
		Enabled:        true,
		RedisAddr:      "127.0.0.1:1",
		ConnectTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err, "Redis being down must not fail construction")
	assert.False(t, mw.Stats().Enabled)

	var calls atomic.Int32
	wrapped := mw.Middleware()(countingEvaluator(&calls))

	resp, err := wrapped.Evaluate(context.Background(), &connector.Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Judgment)
	assert.Equal(t, int32(1), calls.Load())
}

// TestRuntimeErrorFailsOpen verifies a Redis failure during lookup falls
// back to uncached evaluation instead of failing the request.
func TestRuntimeErrorFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	mw, err := NewWithRedis(Config{Enabled: true}, client)
	require.NoError(t, err)
	assert.True(t, mw.Stats().Enabled, "injected clients are not probed at construction")

	var calls atomic.Int32
	wrapped := mw.Middleware()(countingEvaluator(&calls))

	resp, err := wrapped.Evaluate(context.Background(), &connector.Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Judgment)
	assert.Equal(t, int32(1), calls.Load())

	stats := mw.Stats()
	assert.GreaterOrEqual(t, stats.Errors, int64(1))
	assert.Zero(t, stats.Hits)
}

// TestTTLDefault verifies a zero TTL selects the default.
func TestTTLDefault(t *testing.T) {
	mw, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, defaultTTL, mw.ttl)

	custom, err := New(Config{TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, custom.ttl)
}
