// Package ratelimit provides rate limiting middleware for judge evaluations.
//
// The middleware combines a local token-bucket limiter with an optional
// Redis-based fixed-window limiter shared across service instances. Limit
// violations surface immediately as rate limit errors carrying retry-after
// advice; pairing the middleware with a retry layer converts that advice
// into a wait. When Redis becomes unreachable the middleware degrades to
// local-only limiting instead of failing evaluations.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/flageval/flagjudge/pkg/connector"
	connerrors "github.com/flageval/flagjudge/pkg/connector/errors"
)

// Rate limiting configuration constants.
const (
	// RedisReadTimeoutSeconds defines the read timeout for Redis operations.
	RedisReadTimeoutSeconds = 5

	// RedisWriteTimeoutSeconds defines the write timeout for Redis operations.
	RedisWriteTimeoutSeconds = 5

	// RedisPoolSize sets the maximum number of connections in the Redis pool.
	RedisPoolSize = 10

	// MillisecondsPerSecond defines the number of milliseconds in a second.
	MillisecondsPerSecond = 1000

	// FallbackRateLimit bounds throughput when Redis is unreachable and no
	// local limit is configured. Conservative 10 requests per second.
	FallbackRateLimit = 10

	// MaxRetryAfterSeconds caps retry advice to one hour.
	MaxRetryAfterSeconds = 3600
)

// fixedWindowScript implements atomic fixed-window counting in Redis.
// Counter initialization, incrementing, and TTL management happen in a
// single round-trip, which closes the races a GET/INCR sequence would have.
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])    -- Window duration in milliseconds
	local limit = tonumber(ARGV[2])     -- Request limit per window

	local current = redis.call('GET', key)
	if current == false then
		-- First request in a new window, initialize counter with TTL.
		redis.call('SET', key, 1, 'PX', window)
		return {1, limit - 1}
	end

	local count = tonumber(current)
	if count < limit then
		local newCount = redis.call('INCR', key)
		local ttl = redis.call('PTTL', key)
		if ttl == -1 then
			-- Key exists without TTL (edge case), restore window expiration.
			redis.call('PEXPIRE', key, window)
		end
		return {1, limit - newCount}
	else
		-- Limit exceeded, return milliseconds until the window resets.
		local ttl = redis.call('PTTL', key)
		return {0, ttl}
	end
`)

// Config controls the local and global rate limiting layers.
type Config struct {
	// Local token bucket configuration.
	Local LocalConfig `json:"local"`

	// Global Redis-based configuration.
	Global GlobalConfig `json:"global"`
}

// LocalConfig for the in-process token bucket.
type LocalConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// GlobalConfig for Redis-based fixed-window rate limiting shared across
// service instances.
type GlobalConfig struct {
	Enabled           bool          `json:"enabled"`
	RequestsPerSecond int           `json:"requests_per_second"`
	RedisAddr         string        `json:"redis_addr"`
	RedisPassword     string        `json:"-"` // Sensitive
	RedisDB           int           `json:"redis_db"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
}

// Middleware enforces the configured rate limits for one connector instance.
// The connector id keys the global window in Redis so separate connectors
// never share a budget. All operations are thread-safe.
type Middleware struct {
	localConfig  LocalConfig
	globalConfig GlobalConfig

	// local is the token bucket for this connector, nil when disabled.
	local *rate.Limiter
	// fallback bounds throughput in degraded mode when local limiting is
	// disabled, preventing fail-open behavior.
	fallback *rate.Limiter

	// globalClient is the Redis client for distributed limiting.
	globalClient *redis.Client
	// degraded records whether Redis failed and the middleware fell back
	// to local-only limiting.
	degraded atomic.Bool

	// key namespaces the Redis window for this connector instance.
	key string

	logger *slog.Logger
}

// validateConfig ensures rate limiting parameters are non-negative and
// coherent before any limiter is built from them.
func validateConfig(cfg Config) error {
	if cfg.Local.Enabled {
		if cfg.Local.RequestsPerSecond < 0 {
			return fmt.Errorf("invalid local rate limit: RequestsPerSecond cannot be negative (got %f)", cfg.Local.RequestsPerSecond)
		}
		if cfg.Local.Burst < 0 {
			return fmt.Errorf("invalid local rate limit: Burst cannot be negative (got %d)", cfg.Local.Burst)
		}
		if cfg.Local.RequestsPerSecond == 0 && cfg.Local.Burst > 0 {
			return fmt.Errorf("invalid local rate limit: Burst must be 0 when RequestsPerSecond is 0")
		}
	}

	if cfg.Global.Enabled {
		if cfg.Global.RequestsPerSecond < 0 {
			return fmt.Errorf("invalid global rate limit: RequestsPerSecond cannot be negative (got %d)", cfg.Global.RequestsPerSecond)
		}
	}

	return nil
}

// New creates rate limiting middleware for the given connector instance.
// When global limiting is enabled a Redis client is created from the
// configuration; connection failures enable degraded local-only mode rather
// than failing construction.
func New(cfg Config, connectorID string) (*Middleware, error) {
	return NewWithRedis(cfg, connectorID, nil)
}

// NewWithRedis creates rate limiting middleware using the provided Redis
// client. A nil client with global limiting enabled builds one from the
// configuration. Injecting a client is intended for tests and for callers
// that share a Redis connection pool.
func NewWithRedis(cfg Config, connectorID string, client *redis.Client) (*Middleware, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	m := &Middleware{
		localConfig:  cfg.Local,
		globalConfig: cfg.Global,
		key:          fmt.Sprintf("rl:judge:%s", connectorID),
		logger:       slog.Default().With("component", "ratelimit", "connector_id", connectorID),
	}

	if cfg.Local.Enabled {
		m.local = rate.NewLimiter(rate.Limit(cfg.Local.RequestsPerSecond), cfg.Local.Burst)
	}
	if cfg.Global.Enabled && !cfg.Local.Enabled {
		m.fallback = rate.NewLimiter(rate.Limit(FallbackRateLimit), FallbackRateLimit)
	}

	if cfg.Global.Enabled {
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:         cfg.Global.RedisAddr,
				Password:     cfg.Global.RedisPassword,
				DB:           cfg.Global.RedisDB,
				DialTimeout:  cfg.Global.ConnectTimeout,
				ReadTimeout:  RedisReadTimeoutSeconds * time.Second,
				WriteTimeout: RedisWriteTimeoutSeconds * time.Second,
				PoolSize:     RedisPoolSize,
			})

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.ConnectTimeout)
			defer cancel()

			if err := client.Ping(ctx).Err(); err != nil {
				m.logger.Warn("Redis connection failed, using local-only rate limiting", "error", err)
				m.degraded.Store(true)
			}
		}
		m.globalClient = client
	}

	return m, nil
}

// Middleware returns the composable middleware function.
//
// The local token bucket is checked first as the fast path, then the global
// Redis window. A Redis infrastructure error switches the middleware into
// degraded mode; the evaluation itself proceeds under local or fallback
// limiting instead of failing.
func (m *Middleware) Middleware() connector.Middleware {
	return func(next connector.Evaluator) connector.Evaluator {
		return connector.EvaluatorFunc(func(ctx context.Context, req *connector.Request) (*connector.Response, error) {
			// Phase 1: local token bucket (fast path).
			if m.local != nil {
				if err := m.checkLimiter(m.local, "local", int(math.Ceil(m.localConfig.RequestsPerSecond))); err != nil {
					return nil, err
				}
			}

			// Phase 2: global Redis window with graceful degradation.
			if m.globalConfig.Enabled && !m.degraded.Load() {
				if err := m.checkGlobalLimit(ctx); err != nil {
					if m.isRedisError(err) {
						m.logger.Warn("Redis error, switching to degraded mode", "error", err)
						m.degraded.Store(true)
						if err := m.checkFallbackLimit(); err != nil {
							return nil, err
						}
					} else {
						return nil, err
					}
				}
			} else if m.globalConfig.Enabled && m.degraded.Load() {
				// Phase 3: degraded mode must never fail open.
				if err := m.checkFallbackLimit(); err != nil {
					return nil, err
				}
			}

			return next.Evaluate(ctx, req)
		})
	}
}

// checkLimiter enforces a token-bucket limit, computing retry advice without
// consuming a token when the bucket is empty.
func (m *Middleware) checkLimiter(limiter *rate.Limiter, scope string, limit int) error {
	if limiter.Allow() {
		return nil
	}

	// Calculate retry delay without consuming tokens to avoid capacity leaks.
	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	// Apply minimum 1-second retry to prevent tight client retry loops.
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return &connerrors.RateLimitError{
		Scope:      scope,
		Limit:      limit,
		RetryAfter: retryAfter,
	}
}

// checkFallbackLimit bounds throughput when Redis is unreachable.
// Local limiting covers degraded mode when enabled; otherwise the
// conservative fallback bucket does.
func (m *Middleware) checkFallbackLimit() error {
	if m.local != nil || m.fallback == nil {
		return nil
	}
	return m.checkLimiter(m.fallback, "fallback", FallbackRateLimit)
}

// checkGlobalLimit enforces the distributed limit using a Redis fixed
// 1-second window. On denial the window TTL becomes the retry advice.
func (m *Middleware) checkGlobalLimit(ctx context.Context) error {
	if m.globalClient == nil {
		return nil
	}

	limit := int64(m.globalConfig.RequestsPerSecond)
	if limit == 0 {
		return nil // Global limiting disabled by zero limit.
	}

	result, err := fixedWindowScript.Run(ctx, m.globalClient, []string{m.key},
		int64(MillisecondsPerSecond), limit).Result()
	if err != nil {
		return fmt.Errorf("global rate limit check failed: %w", err)
	}

	// Parse the Redis response: [allowed, remaining_or_ttl].
	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		m.logger.Warn("invalid Redis response format, switching to degraded mode", "response", result)
		m.degraded.Store(true)
		return nil
	}

	allowed, ok := res[0].(int64)
	if !ok {
		m.logger.Warn("invalid Redis allowed value format, switching to degraded mode", "allowed", res[0])
		m.degraded.Store(true)
		return nil
	}

	if allowed == 0 {
		retryAfterMs, ok := res[1].(int64)
		if !ok || retryAfterMs <= 0 {
			retryAfterMs = MillisecondsPerSecond
		}

		retryAfterSecs := int(retryAfterMs / MillisecondsPerSecond)
		if retryAfterSecs < 1 {
			retryAfterSecs = 1
		}
		if retryAfterSecs > MaxRetryAfterSeconds {
			retryAfterSecs = MaxRetryAfterSeconds
		}

		return &connerrors.RateLimitError{
			Scope:      "global",
			Limit:      int(limit),
			RetryAfter: retryAfterSecs,
		}
	}

	return nil
}

// isRedisError determines if an error indicates a Redis infrastructure
// problem rather than an application error.
func (m *Middleware) isRedisError(err error) bool {
	if err == nil {
		return false
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// Stats provides metrics for rate limiting behavior and Redis pool health.
type Stats struct {
	// LocalEnabled indicates whether the local token bucket is active.
	LocalEnabled bool
	// GlobalEnabled indicates whether Redis-based limiting is configured.
	GlobalEnabled bool
	// DegradedMode indicates whether the middleware has fallen back to
	// local-only limiting.
	DegradedMode bool

	// PoolHits is the number of connections reused from the Redis pool.
	PoolHits uint32
	// PoolMisses is the number of new connections created by the Redis pool.
	PoolMisses uint32
	// PoolTimeouts is the number of connection acquisition timeouts.
	PoolTimeouts uint32
	// PoolTotalConns is the total number of connections managed by the pool.
	PoolTotalConns uint32
	// PoolIdleConns is the number of idle connections available for reuse.
	PoolIdleConns uint32
}

// Stats returns a snapshot of rate limiting state for monitoring.
// Degraded mode in particular is worth alerting on: it means evaluations
// are proceeding without the distributed limit.
func (m *Middleware) Stats() *Stats {
	stats := &Stats{
		LocalEnabled:  m.local != nil,
		GlobalEnabled: m.globalConfig.Enabled,
		DegradedMode:  m.degraded.Load(),
	}

	if m.globalClient != nil {
		poolStats := m.globalClient.PoolStats()
		stats.PoolHits = poolStats.Hits
		stats.PoolMisses = poolStats.Misses
		stats.PoolTimeouts = poolStats.Timeouts
		stats.PoolTotalConns = poolStats.TotalConns
		stats.PoolIdleConns = poolStats.IdleConns
	}

	return stats
}
