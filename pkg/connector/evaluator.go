// Package connector defines the contracts shared by judge connectors and the
// layers that wrap them. It provides the Evaluator interface, middleware
// composition, request/response types, and connector configuration so that
// orchestration code can depend on evaluation behavior without knowing which
// concrete connector performs it.
package connector

import "context"

// Evaluator judges a single prediction against its ground truth.
// Core abstraction enabling request preprocessing, response postprocessing,
// and cross-cutting concerns like retries, rate limiting, and observability
// to be layered around any concrete connector.
type Evaluator interface {
	Evaluate(ctx context.Context, req *Request) (*Response, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
// Enables middleware composition with function-based evaluators.
type EvaluatorFunc func(context.Context, *Request) (*Response, error)

// Evaluate implements the Evaluator interface.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware transforms an Evaluator into an enhanced Evaluator for
// composable behavior. Applied in reverse order with the last middleware
// closest to the core evaluator, enabling layered request processing.
type Middleware func(Evaluator) Evaluator

// Chain builds a middleware pipeline around a core evaluator.
// Middleware executes in the order provided with the first middleware
// outermost, so a retry layer listed before a rate limit layer re-enters
// the limiter on every attempt.
func Chain(e Evaluator, middlewares ...Middleware) Evaluator {
	for i := len(middlewares) - 1; i >= 0; i-- {
		e = middlewares[i](e)
	}
	return e
}
