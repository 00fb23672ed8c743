package ports

import (
	"context"

	"github.com/aretw0/arbor/pkg/domain"
)

// Executor performs the work of a node.
//
// ctx carries the run's cancellation and deadline; implementations must
// return promptly once it is done. Failures should be *domain.ExecutorError
// so that callers can see the kind and whether a retry may help.
type Executor interface {
	Execute(ctx context.Context, req domain.ExecRequest) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req domain.ExecRequest) (any, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req domain.ExecRequest) (any, error) {
	return f(ctx, req)
}

// InputRequester is implemented by executors whose nodes wait for a human.
// The engine does not call Execute for them: it publishes the request from
// RequestInput and completes the node with ResolveInput once a response
// arrives.
type InputRequester interface {
	RequestInput(ctx context.Context, req domain.ExecRequest) (domain.InputRequest, error)
	ResolveInput(ctx context.Context, req domain.ExecRequest, value any) (any, error)
}

// EventSink observes every event applied to a run, in sequence order.
// OnEvent is called from the run's single writer; it must not block.
type EventSink interface {
	OnEvent(ev domain.Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ev domain.Event)

// OnEvent calls f(ev).
func (f EventSinkFunc) OnEvent(ev domain.Event) {
	f(ev)
}

// ConfigValidator is implemented by executors that can check a node's static
// config ahead of time. Graph compilation calls it so that bad configs fail
// before any run starts.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}
