// Package runtime implements the run engine: it walks a compiled graph,
// dispatches executors concurrently and records every transition as an
// event. Each run is owned by a single goroutine; every public method is
// safe for concurrent use.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/graph"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned by operations on an engine that is shutting down.
var ErrClosed = errors.New("engine closed")

// Engine runs graphs. It holds live runs in memory until they are evicted.
type Engine struct {
	registry *registry.Registry
	logger   *slog.Logger
	sinks    []ports.EventSink
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string

	maxConcurrency   int
	cancelGrace      time.Duration
	defaultMaxRuns   int
	autoResume       bool
	subscriberBuffer int

	mu     sync.RWMutex
	runs   map[string]*runLoop
	closed bool
}

// NewEngine creates an engine resolving node types against reg.
func NewEngine(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:         reg,
		logger:           logging.NewNop(),
		tracer:           observability.Tracer(),
		now:              time.Now,
		newID:            func() string { return ulid.Make().String() },
		cancelGrace:      DefaultCancelGrace,
		defaultMaxRuns:   DefaultMaxRuns,
		subscriberBuffer: DefaultSubscriberBuffer,
		runs:             make(map[string]*runLoop),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.subscriberBuffer <= 0 {
		e.subscriberBuffer = DefaultSubscriberBuffer
	}
	return e
}

// Registry returns the executor registry graphs are compiled against.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Start validates g and starts a new run of it. The run outlives ctx: it
// ends when it finishes, is cancelled, or the engine is closed.
func (e *Engine) Start(ctx context.Context, g *domain.Graph, opts ...RunOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var settings runSettings
	for _, opt := range opts {
		opt(&settings)
	}

	plan, err := graph.Compile(g, e.registry)
	if err != nil {
		return "", err
	}
	if settings.id == "" {
		settings.id = e.newID()
	}

	var due time.Time
	if settings.timeout > 0 {
		due = time.Now().Add(settings.timeout)
	}
	l := newRunLoop(e, plan, domain.NewRun(settings.id, g), due)
	if err := e.register(l); err != nil {
		return "", err
	}
	e.metrics.RunStarted(g.ID)
	l.log.Info("run started", "nodes", len(plan.NodeIDs()))
	go l.loop(l.begin)
	return settings.id, nil
}

// Restore rebuilds a run from its event history. Finished runs are loaded
// read-only. Executors that were running when the history was recorded are
// reset and dispatched again; nodes waiting for input keep waiting. A
// restored run starts Paused unless WithAutoResume is set.
func (e *Engine) Restore(ctx context.Context, g *domain.Graph, runID string, events []domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plan, err := graph.Compile(g, e.registry)
	if err != nil {
		return err
	}
	run, err := domain.Replay(runID, g, events)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCorruptPersistedState, err)
	}

	var due time.Time
	if run.Deadline != nil {
		due = *run.Deadline
	}
	l := newRunLoop(e, plan, run, due)
	l.events = append(l.events, events...)
	if err := e.register(l); err != nil {
		return err
	}
	if run.Status.Terminal() {
		l.freeze()
		l.log.Debug("restored finished run", "status", run.Status)
		return nil
	}
	e.metrics.RunStarted(g.ID)
	l.log.Info("run restored", "seq", run.Seq, "auto_resume", e.autoResume)
	go l.loop(l.restore)
	return nil
}

func (e *Engine) register(l *runLoop) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, exists := e.runs[l.run.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrRunExists, l.run.ID)
	}
	e.runs[l.run.ID] = l
	return nil
}

func (e *Engine) lookup(runID string) (*runLoop, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return l, nil
}

// Cancel cancels every unfinished node and the run, then waits up to the
// cancel grace period for in-flight executors to return. Cancelling a
// cancelled run is a no-op; cancelling a completed or failed run returns
// domain.ErrRunFinished.
func (e *Engine) Cancel(runID string) error {
	l, err := e.lookup(runID)
	if err != nil {
		return err
	}
	l.do(func() { err = l.requestCancel("cancelled by request") })
	if err != nil {
		return err
	}

	// The loop abandons executors still running after the grace period.
	<-l.done
	return nil
}

// Pause stops dispatching new nodes. Executors already running complete and
// are recorded.
func (e *Engine) Pause(runID string) error {
	l, err := e.lookup(runID)
	if err != nil {
		return err
	}
	l.do(func() { err = l.pause() })
	return err
}

// Resume returns a paused run to Running and dispatches its frontier.
func (e *Engine) Resume(runID string) error {
	l, err := e.lookup(runID)
	if err != nil {
		return err
	}
	l.do(func() { err = l.resume() })
	return err
}

// ProvideInput answers the input request of a node. The value is validated
// against the request schema; on error the node keeps waiting.
func (e *Engine) ProvideInput(ctx context.Context, runID, nodeID string, value any) error {
	l, err := e.lookup(runID)
	if err != nil {
		return err
	}
	l.do(func() { err = l.provideInput(ctx, nodeID, value) })
	return err
}

// Snapshot returns a copy of the run state.
func (e *Engine) Snapshot(runID string) (domain.Snapshot, error) {
	l, err := e.lookup(runID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	l.do(func() { snap = l.run.Snapshot() })
	return snap, nil
}

// Subscription is a live view of one run: the state at subscription time
// followed by every later event, in sequence order. Events is closed when
// the run finishes, when the subscriber falls too far behind, or on Close.
type Subscription struct {
	Snapshot domain.Snapshot
	Events   <-chan domain.Event

	close func()
}

// Close stops the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.close()
}

// Subscribe registers a subscriber. The snapshot and the registration are
// taken atomically, so no event is lost or duplicated between them.
func (e *Engine) Subscribe(runID string) (*Subscription, error) {
	l, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}
	sub := &subscriber{ch: make(chan domain.Event, e.subscriberBuffer)}
	var snap domain.Snapshot
	l.do(func() {
		snap = l.run.Snapshot()
		if l.run.Status.Terminal() || l.closing {
			close(sub.ch)
			sub.closed = true
			return
		}
		l.subs[sub] = struct{}{}
	})

	var once sync.Once
	return &Subscription{
		Snapshot: snap,
		Events:   sub.ch,
		close: func() {
			once.Do(func() {
				l.do(func() { l.dropSub(sub) })
			})
		},
	}, nil
}

// Export is everything needed to persist and later restore a run.
type Export struct {
	Graph    *domain.Graph
	Snapshot domain.Snapshot
	Events   []domain.Event
}

// Export copies the run's graph, state and full event history.
func (e *Engine) Export(runID string) (Export, error) {
	l, err := e.lookup(runID)
	if err != nil {
		return Export{}, err
	}
	var out Export
	l.do(func() {
		out = Export{
			Graph:    l.plan.Graph(),
			Snapshot: l.run.Snapshot(),
			Events:   append([]domain.Event(nil), l.events...),
		}
	})
	return out, nil
}

// Wait blocks until the run finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (domain.Snapshot, error) {
	l, err := e.lookup(runID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	select {
	case <-l.finished:
	case <-ctx.Done():
		return domain.Snapshot{}, ctx.Err()
	}
	return e.Snapshot(runID)
}

// Runs returns a snapshot of every run held in memory, oldest first.
func (e *Engine) Runs() []domain.Snapshot {
	e.mu.RLock()
	loops := make([]*runLoop, 0, len(e.runs))
	for _, l := range e.runs {
		loops = append(loops, l)
	}
	e.mu.RUnlock()

	out := make([]domain.Snapshot, 0, len(loops))
	for _, l := range loops {
		l.do(func() { out = append(out, l.run.Snapshot()) })
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Evict drops a finished run from memory. Runs that are still active or
// watched return domain.ErrRunBusy.
func (e *Engine) Evict(runID string) error {
	l, err := e.lookup(runID)
	if err != nil {
		return err
	}
	l.do(func() {
		if !l.run.Status.Terminal() || len(l.subs) > 0 {
			err = fmt.Errorf("%w: %s is %s with %d subscribers", domain.ErrRunBusy, runID, l.run.Status, len(l.subs))
		}
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
	l.log.Debug("run evicted")
	return nil
}

// Close stops every run loop. Unfinished runs keep their recorded state, so
// restoring them from persisted history re-dispatches the interrupted nodes.
// Results that arrive after Close are discarded.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	loops := make([]*runLoop, 0, len(e.runs))
	for _, l := range e.runs {
		loops = append(loops, l)
	}
	e.mu.Unlock()

	for _, l := range loops {
		l.do(l.shutdown)
	}
	for _, l := range loops {
		select {
		case <-l.done:
		case <-ctx.Done():
			return fmt.Errorf("close engine: %w", ctx.Err())
		}
	}
	return nil
}
