// Package config defines the flagjudge command configuration.
package config

import (
	"runtime"
	"time"

	"github.com/koding/multiconfig"
)

// Config defines the flagjudge batch runner configuration.
type Config struct {
	// judge service
	Endpoint    string `flagUsage:"judge service endpoint URL"`
	Token       string `flagUsage:"judge service auth token"`
	ConnectorID string `flagUsage:"connector instance id (random UUID when empty)"`

	// dataset
	Input  string `flagUsage:"input dataset path (JSONL, - for stdin)" default:"-"`
	Output string `flagUsage:"output path for judgments (JSONL, - for stdout)" default:"-"`

	// execution
	Parallelism int           `flagUsage:"control the # of concurrent evaluations (default equal to number of cpu)"`
	HTTPTimeout time.Duration `flagUsage:"per-request http client timeout" default:"5m"`

	// retry
	RetryMaxAttempts     int           `flagUsage:"attempts per item including the first" default:"3"`
	RetryInitialInterval time.Duration `flagUsage:"initial retry backoff" default:"500ms"`
	RetryMaxInterval     time.Duration `flagUsage:"maximum retry backoff" default:"30s"`
	RetryMaxElapsedTime  time.Duration `flagUsage:"total retry time budget per item" default:"2m"`

	// rate limit
	RateLimit           float64       `flagUsage:"local requests per second (0 disables local limiting)" default:"10"`
	RateBurst           int           `flagUsage:"local token bucket burst" default:"10"`
	GlobalRateLimit     int           `flagUsage:"global requests per second shared via redis (0 disables)"`
	RedisAddr           string        `flagUsage:"redis address for the global rate limit and judgment cache" default:"localhost:6379"`
	RedisPassword       string        `flagUsage:"redis password"`
	RedisDB             int           `flagUsage:"redis database"`
	RedisConnectTimeout time.Duration `flagUsage:"redis connect timeout" default:"2s"`

	// cache
	CacheEnabled bool          `flagUsage:"cache judgments in redis keyed by prompt, prediction and ground truth"`
	CacheTTL     time.Duration `flagUsage:"judgment cache ttl" default:"24h"`

	// monitoring
	EnableMetrics bool   `flagUsage:"enable prometheus metrics endpoint"`
	MonitorAddr   string `flagUsage:"specifies the metrics binding address" default:":5052"`

	// logger config
	Release bool `flagUsage:"release level of logs"`
	Silent  bool `flagUsage:"do not print logs"`
}

// Load loads config from flag & environment variables.
func (c *Config) Load() error {
	cl := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "FLAGJUDGE",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "FLAGJUDGE",
		},
	)
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
	}
	return cl.Load(c)
}
