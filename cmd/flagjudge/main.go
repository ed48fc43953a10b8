// Command flagjudge evaluates model predictions against a FlagEval judge
// service. It reads a JSONL dataset of prompt/prediction/ground-truth rows,
// fans them out to the judge with bounded concurrency, and writes one
// judgment per row as JSONL.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flageval/flagjudge/cmd/flagjudge/config"
	"github.com/flageval/flagjudge/internal/metrics"
	"github.com/flageval/flagjudge/internal/runner"
	"github.com/flageval/flagjudge/pkg/connector"
	"github.com/flageval/flagjudge/pkg/connector/cache"
	"github.com/flageval/flagjudge/pkg/connector/flagjudge"
	"github.com/flageval/flagjudge/pkg/connector/ratelimit"
	"github.com/flageval/flagjudge/pkg/connector/retry"
)

const (
	monitorShutdownTimeout = 3 * time.Second
	degradedPollInterval   = 5 * time.Second
)

func main() {
	conf := &config.Config{}
	if err := conf.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(2)
	}

	logger := newLogger(conf)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the configuration.
// Release mode switches to JSON output at info level for log pipelines;
// silent mode drops everything.
func newLogger(conf *config.Config) *slog.Logger {
	if conf.Silent {
		return slog.New(slog.DiscardHandler)
	}
	if conf.Release {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(ctx context.Context, conf *config.Config, logger *slog.Logger) error {
	judge, err := flagjudge.New(connector.Config{
		Endpoint:   conf.Endpoint,
		Token:      conf.Token,
		ID:         conf.ConnectorID,
		HTTPClient: &http.Client{Timeout: conf.HTTPTimeout},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	retryMW, err := retry.New(retry.Config{
		MaxAttempts:     conf.RetryMaxAttempts,
		InitialInterval: conf.RetryInitialInterval,
		MaxInterval:     conf.RetryMaxInterval,
		Multiplier:      2.0,
		UseJitter:       true,
		MaxElapsedTime:  conf.RetryMaxElapsedTime,
	})
	if err != nil {
		return err
	}

	ratelimitMW, err := ratelimit.New(ratelimit.Config{
		Local: ratelimit.LocalConfig{
			Enabled:           conf.RateLimit > 0,
			RequestsPerSecond: conf.RateLimit,
			Burst:             conf.RateBurst,
		},
		Global: ratelimit.GlobalConfig{
			Enabled:           conf.GlobalRateLimit > 0,
			RequestsPerSecond: conf.GlobalRateLimit,
			RedisAddr:         conf.RedisAddr,
			RedisPassword:     conf.RedisPassword,
			RedisDB:           conf.RedisDB,
			ConnectTimeout:    conf.RedisConnectTimeout,
		},
	}, judge.ID())
	if err != nil {
		return err
	}

	cacheMW, err := cache.New(cache.Config{
		Enabled:        conf.CacheEnabled,
		TTL:            conf.CacheTTL,
		RedisAddr:      conf.RedisAddr,
		RedisPassword:  conf.RedisPassword,
		RedisDB:        conf.RedisDB,
		ConnectTimeout: conf.RedisConnectTimeout,
	})
	if err != nil {
		return err
	}

	var sink connector.Metrics = connector.NewNoOpMetrics()
	if conf.EnableMetrics {
		sink = metrics.New()
		stopMonitor := startMonitorServer(conf, logger)
		defer stopMonitor()
		stopWatch := watchDegradedMode(sink, ratelimitMW)
		defer stopWatch()
	}

	// Logging observes each call once, cache hits return before any retry
	// or rate limit bookkeeping, and retry re-enters the rate limiter on
	// every attempt.
	evaluator := connector.Chain(judge,
		connector.NewLoggingMiddleware(logger, sink),
		cacheMW.Middleware(),
		retryMW.Middleware(),
		ratelimitMW.Middleware(),
	)

	items, err := readItems(conf.Input)
	if err != nil {
		return err
	}
	logger.Info("starting evaluation",
		"items", len(items),
		"parallelism", conf.Parallelism,
		"connector_id", judge.ID())

	outcomes := runner.New(evaluator, conf.Parallelism, logger).Run(ctx, items)

	if err := writeOutcomes(conf.Output, outcomes); err != nil {
		return err
	}

	failed := 0
	for i := range outcomes {
		if outcomes[i].Failed() {
			failed++
		}
	}

	rlStats := ratelimitMW.Stats()
	rStats := retryMW.Stats()
	cStats := cacheMW.Stats()
	logger.Info("evaluation finished",
		"items", len(items),
		"failed", failed,
		"total_attempts", rStats.TotalAttempts,
		"successful_retries", rStats.SuccessfulRetries,
		"cache_hits", cStats.Hits,
		"cache_hit_rate", cStats.HitRate,
		"ratelimit_degraded", rlStats.DegradedMode)

	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d evaluations failed", failed, len(items))
	}
	return nil
}

// startMonitorServer serves /metrics while the batch runs and returns a
// function that shuts the server down.
func startMonitorServer(conf *config.Config, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	msrv := &http.Server{Addr: conf.MonitorAddr, Handler: mux}
	go func() {
		logger.Info("starting monitoring http server", "addr", conf.MonitorAddr)
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitoring http server stopped", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
		defer cancel()
		if err := msrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("monitoring http server shutdown", "error", err)
		}
	}
}

// watchDegradedMode keeps the rate limit degradation gauge current while the
// batch runs, so scrapes observe a Redis fallback as it happens rather than
// after the run. The returned stop function publishes the final state.
func watchDegradedMode(sink connector.Metrics, mw *ratelimit.Middleware) func() {
	report := func() {
		var v float64
		if mw.Stats().DegradedMode {
			v = 1
		}
		sink.SetGauge("judge.ratelimit.degraded", nil, v)
	}
	report()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(degradedPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report()
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		report()
	}
}

// readItems loads the dataset from a file or stdin.
func readItems(path string) ([]runner.Item, error) {
	var in io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open dataset: %w", err)
		}
		defer f.Close()
		in = f
	}
	return runner.ReadItems(in)
}

// writeOutcomes writes judgments to a file or stdout.
func writeOutcomes(path string, outcomes []runner.Outcome) error {
	if path == "" || path == "-" {
		return runner.WriteOutcomes(os.Stdout, outcomes)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := runner.WriteOutcomes(f, outcomes); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
