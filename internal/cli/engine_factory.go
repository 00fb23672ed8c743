package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/config"
	"github.com/aretw0/arbor/pkg/adapters/file"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	arboropenai "github.com/aretw0/arbor/pkg/adapters/openai"
	"github.com/aretw0/arbor/pkg/adapters/process"
	"github.com/aretw0/arbor/pkg/adapters/redis"
	"github.com/aretw0/arbor/pkg/adapters/watermill"
	"github.com/aretw0/arbor/pkg/executors"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/persistence"
	"github.com/aretw0/arbor/pkg/persistence/middleware"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// StackOptions selects the optional parts of a Stack.
type StackOptions struct {
	// Metrics registers Prometheus collectors on a private registry.
	Metrics bool
	// Bus publishes every event on an in-process Watermill channel.
	Bus bool
	// Ephemeral keeps runs in memory regardless of the configured backend.
	Ephemeral bool
}

// Stack is the engine together with the infrastructure a command wires
// around it.
type Stack struct {
	Engine   *arbor.Engine
	Manager  *persistence.Manager
	Bus      *watermill.Bus
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	closers []func(context.Context) error
}

// NewStack builds the store, the persistence manager and the engine from
// cfg. Close releases them in reverse order.
func NewStack(cfg config.Config, logger *slog.Logger, opts StackOptions) (st *Stack, err error) {
	st = &Stack{}
	defer func() {
		if err != nil {
			_ = st.Close(context.Background())
		}
	}()

	storeCfg := cfg.Store
	if opts.Ephemeral {
		storeCfg.Backend = config.BackendMemory
	}
	store, locker, err := OpenStore(storeCfg)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		st.closers = append(st.closers, func(context.Context) error { return c.Close() })
	}

	engineOpts := []arbor.Option{
		arbor.WithLogger(logger),
		arbor.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		arbor.WithCancelGrace(cfg.Engine.CancelGrace),
		arbor.WithDefaultMaxRuns(cfg.Engine.DefaultMaxRuns),
		arbor.WithAutoResume(cfg.Engine.AutoResume),
		arbor.WithHeartbeat(cfg.Session.Heartbeat),
		arbor.WithSessionBuffer(cfg.Session.Buffer),
	}
	managerOpts := []persistence.Option{
		persistence.WithLogger(logger),
		persistence.WithLocker(locker),
		persistence.WithLockTTL(storeCfg.LockTTL),
		persistence.WithFlushInterval(storeCfg.FlushInterval),
	}

	if opts.Metrics {
		st.Registry = prometheus.NewRegistry()
		st.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if st.Metrics, err = observability.NewMetrics(st.Registry); err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, arbor.WithMetrics(st.Metrics))
		managerOpts = append(managerOpts, persistence.WithMetrics(st.Metrics))
	}

	st.Manager = persistence.NewManager(store, managerOpts...)
	sinks := []ports.EventSink{st.Manager}
	if opts.Bus {
		st.Bus = watermill.NewInMemory(watermill.WithTopic(cfg.Events.Topic), watermill.WithLogger(logger))
		sinks = append(sinks, st.Bus)
		st.closers = append(st.closers, func(context.Context) error { return st.Bus.Close() })
	}
	engineOpts = append(engineOpts, arbor.WithSinks(sinks...))

	execOpts, err := executorOptions(cfg.Tools, logger)
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts, arbor.WithExecutors(execOpts...))

	if st.Engine, err = arbor.New(engineOpts...); err != nil {
		return nil, err
	}
	st.Manager.Attach(st.Engine)
	// Flush after the engine has stopped so the last events are written.
	st.closers = append(st.closers, st.Manager.Close, st.Engine.Close)
	return st, nil
}

// Close stops the engine, flushes dirty runs and closes the store.
func (st *Stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	st.closers = nil
	return errors.Join(errs...)
}

// OpenStore opens the configured run store, wrapped with redaction and
// encryption when configured, and the matching lock.
func OpenStore(cfg config.StoreConfig) (ports.RunStore, ports.DistributedLocker, error) {
	var store ports.RunStore
	var locker ports.DistributedLocker
	switch cfg.Backend {
	case config.BackendRedis:
		rs := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redis.WithPrefix(cfg.Redis.Prefix),
			redis.WithTTL(cfg.Redis.TTL),
		)
		store, locker = rs, redis.NewLocker(rs.Client(), cfg.Redis.Prefix)
	case config.BackendMemory:
		store, locker = memory.NewStore(), memory.NewLocker()
	default:
		store, locker = file.New(cfg.Dir), file.NewLocker(cfg.Dir)
	}

	var mws []middleware.Middleware
	if len(cfg.Redact) > 0 {
		pii, err := middleware.NewPIIMiddleware(cfg.Redact)
		if err != nil {
			return nil, nil, err
		}
		mws = append(mws, pii)
	}
	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, nil, err
	}
	if key != nil {
		enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key})
		if err != nil {
			return nil, nil, err
		}
		mws = append(mws, enc)
	}
	return middleware.Chain(store, mws...), locker, nil
}

// executorOptions wires the allow-listed processes, the tools they expose
// to models and, when OPENAI_API_KEY is set, the OpenAI transport.
func executorOptions(cfg config.ToolsConfig, logger *slog.Logger) ([]executors.Option, error) {
	procs, err := process.LoadTools(cfg.File)
	if err != nil {
		return nil, err
	}
	runnerOpts := []process.RunnerOption{
		process.WithRegistry(procs),
		process.WithInlineExecution(cfg.AllowInline),
	}
	opts := []executors.Option{executors.WithLogger(logger)}
	if cfg.BaseDir != "" {
		runnerOpts = append(runnerOpts, process.WithBaseDir(cfg.BaseDir))
		opts = append(opts, executors.WithBaseDir(cfg.BaseDir))
	}
	runner := process.NewRunner(runnerOpts...)

	tb := registry.NewToolBuilder()
	for _, tool := range runner.Tools() {
		tb.Register(tool)
	}
	tools, err := tb.Build()
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	opts = append(opts, executors.WithRunner(runner), executors.WithTools(tools))

	if os.Getenv("OPENAI_API_KEY") != "" {
		logger.Debug("llm nodes use the OpenAI API")
		opts = append(opts, executors.WithModel(arboropenai.NewModel([]option.RequestOption{})))
	}
	return opts, nil
}
