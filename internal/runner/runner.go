// Package runner drives batch judge evaluations over a JSONL dataset.
// It fans items out to a bounded worker group, keeps per-item failures
// isolated from the rest of the batch, and reports outcomes in input order.
// Scheduling policy beyond simple bounded concurrency is the caller's
// concern.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/flageval/flagjudge/pkg/connector"
)

// maxLineSize bounds a single dataset line. Prompts and predictions can be
// large, so the scanner buffer is raised well past the bufio default.
const maxLineSize = 16 << 20

// Item is one dataset row: a prompt, the evaluated model's prediction, and
// the ground truth it is judged against.
type Item struct {
	Prompt           string `json:"prompt"`
	PredictedResults string `json:"predicted_results"`
	Target           string `json:"target"`
}

// Outcome records the judgment or failure for one dataset row.
// Index refers to the row's position in the input.
type Outcome struct {
	Index     int    `json:"index"`
	Judgment  string `json:"judgment,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// Failed reports whether the row's evaluation ended in an error.
func (o *Outcome) Failed() bool { return o.Error != "" }

// Runner evaluates dataset items concurrently through a single Evaluator.
type Runner struct {
	evaluator   connector.Evaluator
	parallelism int
	logger      *slog.Logger
}

// New creates a batch runner. Parallelism values below one are raised to
// one so the runner always makes progress.
func New(evaluator connector.Evaluator, parallelism int, logger *slog.Logger) *Runner {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		evaluator:   evaluator,
		parallelism: parallelism,
		logger:      logger.With("component", "runner"),
	}
}

// Run evaluates every item and returns one outcome per item in input order.
// A failing item records its error in the outcome and never aborts the rest
// of the batch; only context cancellation stops the run early, leaving
// unstarted items marked with the cancellation error.
func (r *Runner) Run(ctx context.Context, items []Item) []Outcome {
	outcomes := make([]Outcome, len(items))

	var g errgroup.Group
	g.SetLimit(r.parallelism)

	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome{Index: i, Error: err.Error()}
				return nil
			}

			req := &connector.Request{
				Prompt:           item.Prompt,
				PredictedResults: item.PredictedResults,
				Target:           item.Target,
				PromptIndex:      i,
			}

			resp, err := r.evaluator.Evaluate(ctx, req)
			if err != nil {
				// Record the failure without failing the group so the
				// remaining items still run.
				r.logger.Warn("evaluation failed", "prompt_index", i, "error", err)
				outcomes[i] = Outcome{Index: i, Error: err.Error()}
				return nil
			}

			outcomes[i] = Outcome{
				Index:     i,
				Judgment:  resp.Judgment,
				LatencyMs: resp.LatencyMs,
			}
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

// ReadItems parses a JSONL dataset, one item per line. Blank lines are
// skipped; a malformed line fails the whole read with its line number.
func ReadItems(r io.Reader) ([]Item, error) {
	var items []Item

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("parse dataset line %d: %w", line, err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}

	return items, nil
}

// WriteOutcomes writes outcomes as JSONL, one outcome per line.
func WriteOutcomes(w io.Writer, outcomes []Outcome) error {
	enc := json.NewEncoder(w)
	for i := range outcomes {
		if err := enc.Encode(&outcomes[i]); err != nil {
			return fmt.Errorf("write outcome %d: %w", outcomes[i].Index, err)
		}
	}
	return nil
}
