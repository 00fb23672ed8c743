package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/ports"
	"go.opentelemetry.io/otel/trace"
)

// execute runs one executor call on its own goroutine and reports the
// result to the loop.
func (l *runLoop) execute(ex ports.Executor, req domain.ExecRequest, timeout time.Duration) {
	ctx, cancel := l.ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ctx, span := l.e.tracer.Start(ctx, "node "+req.NodeID, trace.WithAttributes(
		observability.RunIDKey.String(req.RunID),
		observability.GraphIDKey.String(l.plan.Graph().ID),
		observability.NodeIDKey.String(req.NodeID),
		observability.NodeTypeKey.String(req.Type),
		observability.AttemptKey.Int(req.Attempt),
	))
	defer span.End()

	began := time.Now()
	out, err := l.invoke(ctx, ex, req)
	if err == nil {
		out, err = normalizeOutput(out)
	}
	if err != nil {
		err = classify(ctx, err)
		observability.SetError(span, err)
	}

	res := result{nodeID: req.NodeID, attempt: req.Attempt, output: out, err: err, elapsed: time.Since(began)}
	select {
	case l.results <- res:
	case <-l.done:
	}
}

func (l *runLoop) invoke(ctx context.Context, ex ports.Executor, req domain.ExecRequest) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("executor panicked", "node_id", req.NodeID, "type", req.Type, "panic", r, "stack", string(debug.Stack()))
			out, err = nil, &domain.ExecutorError{Kind: domain.KindPanic, Detail: fmt.Sprint(r)}
		}
	}()
	return ex.Execute(ctx, req)
}

// classify turns an executor error into an *domain.ExecutorError. Errors
// caused by the node deadline become retryable timeouts.
func classify(ctx context.Context, err error) error {
	var execErr *domain.ExecutorError
	if errors.As(err, &execErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.ExecutorError{Kind: domain.KindTimeout, Retryable: true, Detail: "deadline exceeded", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &domain.ExecutorError{Kind: domain.KindCancelled, Err: err}
	}
	return &domain.ExecutorError{Kind: domain.KindFailed, Err: err}
}
