package connector

// Request carries one prediction to be judged against its ground truth.
// Requests are transient: they exist for the duration of a single Evaluate
// call, hold no connector state, and are never mutated by the connector.
type Request struct {
	// Prompt is the original question or instruction shown to the
	// evaluated model.
	Prompt string `json:"prompt"`

	// PredictedResults is the evaluated model's answer being judged.
	PredictedResults string `json:"predicted_results"`

	// Target is the ground-truth answer the prediction is compared against.
	Target string `json:"target"`

	// PromptIndex identifies the dataset row for logging and correlation.
	// It never influences the judgment.
	PromptIndex int `json:"prompt_index"`

	// TraceID enables cross-system correlation when set by the caller.
	TraceID string `json:"trace_id,omitempty"`
}

// Response represents the outcome of a single judge evaluation.
type Response struct {
	// Judgment is the trimmed text of the final complete fragment the
	// judge produced. Empty when the judge returned a successful but
	// empty stream.
	Judgment string `json:"judgment"`

	// Fragments counts the complete stream fragments that were decoded.
	Fragments int `json:"fragments"`

	// LatencyMs records wall-clock time for the HTTP exchange.
	LatencyMs int64 `json:"latency_ms"`
}
