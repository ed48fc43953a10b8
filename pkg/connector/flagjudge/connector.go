// Package flagjudge implements the connector for the FlagEval judge service.
// It posts prompt/prediction/ground-truth triples to a configured endpoint
// and decodes the NUL-delimited JSON fragment stream the service replies
// with, keeping the trimmed text of the last complete fragment as the
// judgment. Retries, rate limiting, and timeouts are deliberately absent
// here; they belong to the middleware layers wrapped around the connector.
package flagjudge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flageval/flagjudge/pkg/connector"
	connerrors "github.com/flageval/flagjudge/pkg/connector/errors"
)

const (
	// judgeModel is the fixed model identifier the judge service expects.
	// It is part of the wire contract and never varies with input.
	judgeModel = "flageval_judgemodel"

	// readChunkSize is the number of response bytes handed to the stream
	// decoder at a time.
	readChunkSize = 1024
)

// judgePayload is the wire shape of a judge evaluation request.
// The service expects exactly these six keys; echo and stream are always
// false.
type judgePayload struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Pred   string `json:"pred"`
	Gold   string `json:"gold"`
	Echo   bool   `json:"echo"`
	Stream bool   `json:"stream"`
}

// Connector evaluates predictions against a FlagEval judge service.
// All fields are immutable after construction; per-call state lives on the
// stack of each Evaluate invocation, so a single Connector serves concurrent
// callers safely.
type Connector struct {
	endpoint string
	token    string
	id       string
	client   *http.Client
	logger   *slog.Logger
}

// Compile-time check that Connector satisfies the Evaluator contract.
var _ connector.Evaluator = (*Connector)(nil)

// New creates a judge connector from the given configuration.
// The configuration is validated and defaulted before use.
func New(cfg connector.Config) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connector config: %w", err)
	}

	return &Connector{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		id:       cfg.ID,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger.With("component", "flagjudge", "connector_id", cfg.ID),
	}, nil
}

// ID returns the connector instance identifier used in logs and rate limit
// keys.
func (c *Connector) ID() string { return c.id }

// Evaluate posts one prediction to the judge and returns its judgment.
// The judgment is the trimmed text of the last complete fragment in the
// response stream; an empty stream yields an empty judgment. Failures
// propagate as structured errors and never produce a partial result.
func (c *Connector) Evaluate(ctx context.Context, req *connector.Request) (*connector.Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Info("predicting prompt", "prompt_index", req.PromptIndex)

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("judge request failed: %w", err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	resp, err := c.parseResponse(httpResp)
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()

	return resp, nil
}

// buildRequest constructs the judge HTTP request for one evaluation.
// The payload always carries the fixed model identifier with echo and
// streaming disabled.
func (c *Connector) buildRequest(ctx context.Context, req *connector.Request) (*http.Request, error) {
	payload := judgePayload{
		Model:  judgeModel,
		Prompt: req.Prompt,
		Pred:   req.PredictedResults,
		Gold:   req.Target,
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal judge payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("token", c.token)

	return httpReq, nil
}

// parseResponse turns the judge's HTTP response into a judgment.
// Non-2xx statuses become transport errors without any stream parsing.
func (c *Connector) parseResponse(httpResp *http.Response) (*connector.Response, error) {
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, c.transportError(httpResp)
	}

	return c.decodeStream(httpResp.Body)
}

// transportError reads the failed response for diagnostics and classifies it.
// The body text is preserved in the error so callers can see what the judge
// actually said.
func (c *Connector) transportError(httpResp *http.Response) error {
	body, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		c.logger.Error("failed to read error response body", "status", httpResp.StatusCode, "error", readErr)
	}

	terr := &connerrors.TransportError{
		StatusCode: httpResp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		Type:       connerrors.ClassifyStatus(httpResp.StatusCode),
		RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
	}

	c.logger.Error("judge returned error status",
		"status", httpResp.StatusCode,
		"response_text", terr.Message)

	return terr
}

// decodeStream reads the response body in fixed-size chunks and feeds them to
// the fragment decoder. A read failure mid-stream surfaces as a
// ResponseReadError with an excerpt of the bytes received so far logged for
// diagnostics; a malformed fragment fails the whole call.
func (c *Connector) decodeStream(body io.Reader) (*connector.Response, error) {
	dec := &streamDecoder{}
	chunk := make([]byte, readChunkSize)
	received := 0
	var preview []byte

	for {
		n, err := body.Read(chunk)
		if n > 0 {
			received += n
			if len(preview) < fragmentExcerptLimit {
				preview = append(preview, chunk[:n]...)
			}
			if decErr := dec.consume(chunk[:n]); decErr != nil {
				c.logger.Error("judge stream decode failed",
					"error", decErr,
					"received_bytes", received)
				return nil, decErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr := &connerrors.ResponseReadError{Received: received, Err: err}
			c.logger.Error("judge stream read failed",
				"error", readErr,
				"response_text", excerpt(preview))
			return nil, readErr
		}
	}

	if dec.pending() > 0 {
		c.logger.Debug("discarding incomplete trailing fragment", "bytes", dec.pending())
	}

	return &connector.Response{
		Judgment:  dec.judgment,
		Fragments: dec.fragments,
	}, nil
}

// parseRetryAfter interprets a Retry-After header as whole seconds.
// Both delta-seconds and HTTP-date forms are accepted; anything else maps
// to no guidance.
func parseRetryAfter(value string) int {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return seconds
	}
	if t, err := http.ParseTime(value); err == nil {
		if until := time.Until(t); until > 0 {
			return int(math.Ceil(until.Seconds()))
		}
	}
	return 0
}
