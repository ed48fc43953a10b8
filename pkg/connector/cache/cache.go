// Package cache provides Redis-based caching middleware for judge verdicts.
// Identical prompt/prediction/ground-truth triples map to the same cache key,
// so re-running a dataset after partial failures skips rows that were already
// judged. An atomic check-and-lease mechanism keeps concurrent evaluations of
// the same triple from hitting the judge twice, and Redis failures degrade to
// uncached evaluation instead of failing requests.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flageval/flagjudge/pkg/connector"
)

const (
	// defaultTTL keeps judgments for a day. Judge verdicts for a fixed
	// triple are stable, so a generous TTL maximizes re-run savings.
	defaultTTL = 24 * time.Hour

	// leaseTimeout bounds how long a crashed evaluator can hold a lease.
	leaseTimeout = 30 * time.Second

	// retryCheckInterval is how long a lease loser waits before re-checking
	// whether the lease holder has populated the cache.
	retryCheckInterval = 100 * time.Millisecond

	// cleanupTimeout bounds lease release after an evaluation finishes.
	cleanupTimeout = 5 * time.Second

	redisPoolSize = 10
)

// hitOrLeaseScript atomically checks for a cached judgment and acquires a
// work lease on miss. A single round-trip closes the window where two
// processes both miss and both call the judge. Status codes: 1 hit, 2 lease
// acquired, 0 lease held elsewhere; the second element is the cached entry
// on a hit and empty otherwise.
var hitOrLeaseScript = redis.NewScript(`
	local cached = redis.call('GET', KEYS[1])
	if cached then
		return {1, cached}
	end
	local leased = redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[1])
	if leased then
		return {2, ''}
	end
	return {0, ''}
`)

// cacheStatus represents the outcome of an atomic check-and-lease operation.
type cacheStatus int

const (
	leaseFailed   cacheStatus = 0
	cacheHit      cacheStatus = 1
	leaseAcquired cacheStatus = 2
)

// Config controls the judgment cache.
type Config struct {
	Enabled bool `json:"enabled"`

	// TTL bounds how long a judgment stays reusable. Zero selects the
	// default of 24 hours.
	TTL time.Duration `json:"ttl"`

	RedisAddr      string        `json:"redis_addr"`
	RedisPassword  string        `json:"-"` // Sensitive
	RedisDB        int           `json:"redis_db"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// Middleware caches judge verdicts in Redis keyed by the content of the
// evaluated triple. All operations are thread-safe; Redis being unavailable
// never fails an evaluation.
type Middleware struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// cacheEntry is the stored form of one judgment.
type cacheEntry struct {
	Judgment   string `json:"judgment"`
	Fragments  int    `json:"fragments"`
	StoredAtMs int64  `json:"stored_at_ms"`
}

// New creates caching middleware, connecting to Redis per the configuration.
// A failed connection disables the cache rather than failing construction.
func New(cfg Config) (*Middleware, error) {
	return NewWithRedis(cfg, nil)
}

// NewWithRedis creates caching middleware using the provided Redis client.
// A nil client with caching enabled builds one from the configuration and
// probes it; injecting a client is intended for tests and for callers that
// share a Redis connection pool.
func NewWithRedis(cfg Config, client *redis.Client) (*Middleware, error) {
	m := &Middleware{
		ttl:     cfg.TTL,
		enabled: cfg.Enabled,
		logger:  slog.Default().With("component", "cache"),
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}

	if cfg.Enabled && client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: cfg.ConnectTimeout,
			PoolSize:    redisPoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			m.logger.Warn("Redis connection failed, cache disabled", "error", err)
			m.enabled = false
		}
	}
	m.client = client

	return m, nil
}

// Middleware returns the composable middleware function.
//
// A hit returns the cached judgment without touching the judge. A miss
// acquires a short lease so concurrent evaluations of the same triple wait
// for one result instead of duplicating work. Failed evaluations are never
// cached.
func (m *Middleware) Middleware() connector.Middleware {
	return func(next connector.Evaluator) connector.Evaluator {
		return connector.EvaluatorFunc(func(ctx context.Context, req *connector.Request) (*connector.Response, error) {
			if !m.enabled || m.client == nil {
				return next.Evaluate(ctx, req)
			}

			key := cacheKey(req)
			leaseKey := key + ":lease"

			status, cached, acquired, err := m.checkAndLease(ctx, key, leaseKey)
			if err != nil {
				m.errors.Add(1)
				m.logger.Warn("cache lookup failed, evaluating uncached", "error", err)
				return next.Evaluate(ctx, req)
			}

			switch status {
			case cacheHit:
				m.hits.Add(1)
				m.logger.Debug("cache hit", "prompt_index", req.PromptIndex)
				return cached, nil

			case leaseAcquired:
				m.misses.Add(1)

			case leaseFailed:
				m.misses.Add(1)
				// Another evaluation of this triple is in flight; give it a
				// moment to publish its judgment before going to the judge.
				select {
				case <-time.After(retryCheckInterval):
					if resp, getErr := m.get(ctx, key); getErr == nil && resp != nil {
						m.hits.Add(1)
						m.logger.Debug("cache hit after lease wait", "prompt_index", req.PromptIndex)
						return resp, nil
					}
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			// Release the lease even when the evaluation is cancelled, so a
			// dead holder never blocks other processes for the full lease TTL.
			defer func() {
				if !acquired {
					return
				}
				cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
				defer cancel()

				if delErr := m.client.Del(cleanupCtx, leaseKey).Err(); delErr != nil {
					m.logger.Warn("lease release failed", "error", delErr)
				}
			}()

			resp, err := next.Evaluate(ctx, req)
			if err != nil {
				return nil, err
			}

			if resp != nil {
				if setErr := m.set(ctx, key, resp); setErr != nil {
					m.errors.Add(1)
					m.logger.Warn("cache store failed", "error", setErr)
				}
			}

			return resp, nil
		})
	}
}

// cacheKey derives the cache key from the judged content. Two requests with
// the same prompt, prediction, and ground truth share a key regardless of
// their position in any dataset.
func cacheKey(req *connector.Request) string {
	payload, _ := json.Marshal(struct {
		Prompt string `json:"prompt"`
		Pred   string `json:"pred"`
		Gold   string `json:"gold"`
	}{req.Prompt, req.PredictedResults, req.Target})

	sum := sha256.Sum256(payload)
	return fmt.Sprintf("judge:cache:%x", sum)
}

// checkAndLease runs the atomic hit-or-lease script and interprets its
// result. It returns the cached response on a hit and whether this caller
// now holds the work lease.
func (m *Middleware) checkAndLease(ctx context.Context, key, leaseKey string) (cacheStatus, *connector.Response, bool, error) {
	result, err := hitOrLeaseScript.Run(ctx, m.client, []string{key, leaseKey},
		int(leaseTimeout.Seconds())).Result()
	if err != nil {
		return leaseFailed, nil, false, fmt.Errorf("cache check-and-lease failed: %w", err)
	}

	res, ok := result.([]any)
	if !ok || len(res) != 2 {
		return leaseFailed, nil, false, fmt.Errorf("unexpected script result format: %T", result)
	}

	statusCode, ok := res[0].(int64)
	if !ok {
		return leaseFailed, nil, false, fmt.Errorf("invalid status code in script result: %T", res[0])
	}

	switch cacheStatus(statusCode) {
	case cacheHit:
		raw, ok := res[1].(string)
		if !ok {
			return leaseFailed, nil, false, fmt.Errorf("invalid cached data type %T", res[1])
		}

		var entry cacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return m.replaceCorruptEntry(ctx, key, leaseKey, err)
		}

		return cacheHit, entryToResponse(&entry), false, nil

	case leaseAcquired:
		return leaseAcquired, nil, true, nil

	default:
		return leaseFailed, nil, false, nil
	}
}

// replaceCorruptEntry drops an undecodable entry and converts the lookup
// into a regular miss by taking the work lease, so the recomputed judgment
// is stored for later callers instead of evaluating uncached.
func (m *Middleware) replaceCorruptEntry(ctx context.Context, key, leaseKey string, cause error) (cacheStatus, *connector.Response, bool, error) {
	if delErr := m.client.Del(ctx, key).Err(); delErr != nil {
		return leaseFailed, nil, false, fmt.Errorf("corrupt cache entry cleanup failed: %w", delErr)
	}
	m.logger.Warn("dropped corrupt cache entry", "error", cause)

	leased, err := m.client.SetNX(ctx, leaseKey, "1", leaseTimeout).Result()
	if err != nil {
		return leaseFailed, nil, false, fmt.Errorf("lease after corrupt cache entry: %w", err)
	}
	if leased {
		return leaseAcquired, nil, true, nil
	}
	return leaseFailed, nil, false, nil
}

// get fetches and decodes a cached judgment, returning nil on a miss.
func (m *Middleware) get(ctx context.Context, key string) (*connector.Response, error) {
	raw, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}

	return entryToResponse(&entry), nil
}

// set stores a successful judgment with the configured TTL.
func (m *Middleware) set(ctx context.Context, key string, resp *connector.Response) error {
	entry := cacheEntry{
		Judgment:   resp.Judgment,
		Fragments:  resp.Fragments,
		StoredAtMs: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	return m.client.Set(ctx, key, data, m.ttl).Err()
}

// entryToResponse rebuilds a connector response from a stored entry.
// Latency is zero for cached judgments: no judge request happened.
func entryToResponse(entry *cacheEntry) *connector.Response {
	return &connector.Response{
		Judgment:  entry.Judgment,
		Fragments: entry.Fragments,
	}
}
