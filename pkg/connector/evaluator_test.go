package connector_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flageval/flagjudge/pkg/connector"
)

// labelMiddleware records entry and exit of a middleware layer so tests can
// observe composition order.
func labelMiddleware(label string, order *[]string) connector.Middleware {
	return func(next connector.Evaluator) connector.Evaluator {
		return connector.EvaluatorFunc(func(ctx context.Context, req *connector.Request) (*connector.Response, error) {
			*order = append(*order, label+":before")
			resp, err := next.Evaluate(ctx, req)
			*order = append(*order, label+":after")
			return resp, err
		})
	}
}

// TestEvaluatorFunc verifies the function adapter satisfies the Evaluator
// interface and passes arguments through unchanged.
func TestEvaluatorFunc(t *testing.T) {
	want := &connector.Response{Judgment: "yes"}
	var gotReq *connector.Request

	fn := connector.EvaluatorFunc(func(_ context.Context, req *connector.Request) (*connector.Response, error) {
		gotReq = req
		return want, nil
	})

	req := &connector.Request{Prompt: "p", PromptIndex: 3}
	resp, err := fn.Evaluate(context.Background(), req)

	require.NoError(t, err)
	assert.Same(t, want, resp)
	assert.Same(t, req, gotReq)
}

// TestChain_Order verifies the first middleware in the chain is outermost
// and the core evaluator runs innermost.
func TestChain_Order(t *testing.T) {
	var order []string

	core := connector.EvaluatorFunc(func(context.Context, *connector.Request) (*connector.Response, error) {
		order = append(order, "core")
		return &connector.Response{Judgment: "ok"}, nil
	})

	chained := connector.Chain(core,
		labelMiddleware("outer", &order),
		labelMiddleware("middle", &order),
		labelMiddleware("inner", &order),
	)

	resp, err := chained.Evaluate(context.Background(), &connector.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Judgment)

	assert.Equal(t, []string{
		"outer:before",
		"middle:before",
		"inner:before",
		"core",
		"inner:after",
		"middle:after",
		"outer:after",
	}, order)
}

// TestChain_NoMiddleware verifies chaining nothing returns the core
// evaluator untouched.
func TestChain_NoMiddleware(t *testing.T) {
	wantErr := errors.New("core failed")

	core := connector.EvaluatorFunc(func(context.Context, *connector.Request) (*connector.Response, error) {
		return nil, wantErr
	})

	chained := connector.Chain(core)

	resp, err := chained.Evaluate(context.Background(), &connector.Request{})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, wantErr)
}

// TestConfig_Validate exercises validation rules and defaulting of optional
// fields.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  connector.Config
		wantErr bool
	}{
		{
			name: "valid minimal config",
			config: connector.Config{
				Endpoint: "http://localhost:8080/judge",
				Token:    "secret",
			},
			wantErr: false,
		},
		{
			name:    "missing endpoint",
			config:  connector.Config{Token: "secret"},
			wantErr: true,
		},
		{
			name: "endpoint not a url",
			config: connector.Config{
				Endpoint: "::not-a-url::",
				Token:    "secret",
			},
			wantErr: true,
		},
		{
			name:    "missing token",
			config:  connector.Config{Endpoint: "http://localhost:8080/judge"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, tt.config.ID, "empty id should be defaulted")
			assert.Equal(t, http.DefaultClient, tt.config.HTTPClient)
			assert.NotNil(t, tt.config.Logger)
		})
	}
}

// TestConfig_ValidateKeepsExplicitValues verifies defaults never overwrite
// caller-provided fields.
func TestConfig_ValidateKeepsExplicitValues(t *testing.T) {
	client := &http.Client{}
	cfg := connector.Config{
		Endpoint:   "http://localhost:8080/judge",
		Token:      "secret",
		ID:         "judge-7",
		HTTPClient: client,
	}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "judge-7", cfg.ID)
	assert.Same(t, client, cfg.HTTPClient)
}
