package runtime

import (
	"log/slog"
	"time"

	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/ports"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultCancelGrace bounds how long Cancel waits for in-flight executors.
	DefaultCancelGrace = 5 * time.Second

	// DefaultMaxRuns bounds how often a loop edge may re-arm a node that does
	// not set max_runs.
	DefaultMaxRuns = 25

	// DefaultSubscriberBuffer is the event buffer of a subscription. A
	// subscriber that falls this far behind is dropped.
	DefaultSubscriberBuffer = 256
)

// Option configures the Engine.
type Option func(*Engine)

// WithLogger configures the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxConcurrency bounds the executor calls in flight per run.
// Nodes waiting for human input do not count. Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		e.maxConcurrency = n
	}
}

// WithCancelGrace sets how long Cancel waits for executors to return before
// abandoning them.
func WithCancelGrace(d time.Duration) Option {
	return func(e *Engine) {
		e.cancelGrace = d
	}
}

// WithDefaultMaxRuns sets the loop re-entry bound for nodes without
// max_runs. Zero removes the bound.
func WithDefaultMaxRuns(n int) Option {
	return func(e *Engine) {
		e.defaultMaxRuns = n
	}
}

// WithSinks registers observers called for every event of every run.
func WithSinks(sinks ...ports.EventSink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer overrides the tracer used for node spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithAutoResume makes restored runs continue immediately instead of
// starting Paused.
func WithAutoResume(enabled bool) Option {
	return func(e *Engine) {
		e.autoResume = enabled
	}
}

// WithSubscriberBuffer sets the per-subscription event buffer.
func WithSubscriberBuffer(n int) Option {
	return func(e *Engine) {
		e.subscriberBuffer = n
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides how run ids are generated.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newID = gen
	}
}

// RunOption configures a single run at Start.
type RunOption func(*runSettings)

type runSettings struct {
	id      string
	timeout time.Duration
}

// WithRunID uses id instead of a generated one.
func WithRunID(id string) RunOption {
	return func(s *runSettings) {
		s.id = id
	}
}

// WithRunTimeout fails the run if it has not finished after d.
func WithRunTimeout(d time.Duration) RunOption {
	return func(s *runSettings) {
		s.timeout = d
	}
}
