package ports

import (
	"context"

	"github.com/aretw0/arbor/pkg/domain"
)

// Tool is a named capability that LLM-backed executors invoke mid-turn.
// Arguments have already been validated against Spec().Parameters.
type Tool interface {
	Spec() domain.ToolSpec
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Model is the LLM invocation transport.
type Model interface {
	Generate(ctx context.Context, req domain.ModelRequest) (domain.ModelResponse, error)
}
