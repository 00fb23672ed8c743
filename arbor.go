package arbor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/internal/runtime"
	loamAdapter "github.com/aretw0/arbor/pkg/adapters/loam"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/executors"
	"github.com/aretw0/arbor/pkg/graph"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/session"
)

// Version is the release of the library and the arbor binary. Release
// builds override it with -ldflags "-X github.com/aretw0/arbor.Version=...".
var Version = "0.1.0-dev"

// Engine is the high-level entry point of the library: a run engine over
// the built-in executors plus a session hub that clients talk to.
type Engine struct {
	*runtime.Engine
	hub *session.Hub
}

type settings struct {
	logger     *slog.Logger
	execOpts   []executors.Option
	custom     map[string]ports.Executor
	engineOpts []runtime.Option
	hubOpts    []session.Option
}

// Option configures New.
type Option func(*settings)

// WithLogger sets the logger of the engine, the hub and the built-ins.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithExecutors configures the built-in executors.
func WithExecutors(opts ...executors.Option) Option {
	return func(s *settings) {
		s.execOpts = append(s.execOpts, opts...)
	}
}

// WithExecutor registers a custom node type next to the built-ins.
func WithExecutor(typeName string, ex ports.Executor) Option {
	return func(s *settings) {
		s.custom[typeName] = ex
	}
}

// WithMaxConcurrency bounds the nodes executing at once in a run.
func WithMaxConcurrency(n int) Option {
	return func(s *settings) {
		s.engineOpts = append(s.engineOpts, runtime.WithMaxConcurrency(n))
	}
}

// WithCancelGrace bounds how long a cancelled run waits for its executors.
func WithCancelGrace(d time.Duration) Option {
	return func(s *settings) {
		s.engineOpts = append(s.engineOpts, runtime.WithCancelGrace(d))
	}
}

// WithDefaultMaxRuns bounds loop iterations for nodes that set no max_runs.
func WithDefaultMaxRuns(n int) Option {
	return func(s *settings) {
		s.engineOpts = append(s.engineOpts, runtime.WithDefaultMaxRuns(n))
	}
}

// WithSinks receives every event of every run, in order per run.
func WithSinks(sinks ...ports.EventSink) Option {
	return func(s *settings) {
		s.engineOpts = append(s.engineOpts, runtime.WithSinks(sinks...))
	}
}

// WithMetrics records engine and session metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) {
		s.engineOpts = append(s.engineOpts, runtime.WithMetrics(m))
		s.hubOpts = append(s.hubOpts, session.WithMetrics(m))
	}
}

// WithAutoResume resumes restored runs instead of leaving them paused.
func WithAutoResume(enabled bool) Option {
	return func(s *settings) {
		s.engineOpts = append(s.engineOpts, runtime.WithAutoResume(enabled))
	}
}

// WithHeartbeat sets how often idle sessions receive a status packet.
func WithHeartbeat(d time.Duration) Option {
	return func(s *settings) {
		s.hubOpts = append(s.hubOpts, session.WithHeartbeat(d))
	}
}

// WithSessionBuffer sets how many outbound packets a session queues for
// its reader.
func WithSessionBuffer(n int) Option {
	return func(s *settings) {
		s.hubOpts = append(s.hubOpts, session.WithBuffer(n))
	}
}

// New builds the registry and starts an engine. Close it to stop every run.
func New(opts ...Option) (*Engine, error) {
	s := &settings{
		logger: logging.NewNop(),
		custom: make(map[string]ports.Executor),
	}
	for _, opt := range opts {
		opt(s)
	}

	b := executors.Builtins(append([]executors.Option{executors.WithLogger(s.logger)}, s.execOpts...)...)
	for typeName, ex := range s.custom {
		b.Register(typeName, ex)
	}
	reg, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	rt := runtime.NewEngine(reg, append([]runtime.Option{runtime.WithLogger(s.logger)}, s.engineOpts...)...)
	hub := session.NewHub(rt, append([]session.Option{session.WithLogger(s.logger)}, s.hubOpts...)...)
	return &Engine{Engine: rt, hub: hub}, nil
}

// Hub returns the session hub bound to the engine.
func (e *Engine) Hub() *session.Hub {
	return e.hub
}

// Validate compiles g against the engine registry without starting a run.
func (e *Engine) Validate(g *domain.Graph) (*graph.Plan, error) {
	return graph.Compile(g, e.Registry())
}

// RunWithID starts g under a caller-chosen run id.
func (e *Engine) RunWithID(ctx context.Context, g *domain.Graph, runID string) (string, error) {
	return e.Start(ctx, g, runtime.WithRunID(runID))
}

// RunWithTimeout starts g and fails the run once d has passed.
func (e *Engine) RunWithTimeout(ctx context.Context, g *domain.Graph, d time.Duration) (string, error) {
	return e.Start(ctx, g, runtime.WithRunTimeout(d))
}

// NewLoader picks the loader for path: a directory is read through Loam, a
// file is decoded as YAML.
func NewLoader(path string) (ports.GraphLoader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("graph source: %w", err)
	}
	if info.IsDir() {
		return loamAdapter.Open(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return graph.FileLoader{Path: path}, nil
	}
	return nil, fmt.Errorf("graph source %s: expected a directory or a .yaml file", path)
}

// LoadGraph loads the graph at path. See NewLoader.
func LoadGraph(ctx context.Context, path string) (*domain.Graph, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx)
}
