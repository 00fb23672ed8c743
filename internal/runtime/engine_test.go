package runtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(_ context.Context, req domain.ExecRequest) (any, error) {
	return req.Config["output"], nil
}

func echoInput(_ context.Context, req domain.ExecRequest) (any, error) {
	return req.Inputs["in"], nil
}

func fail(_ context.Context, _ domain.ExecRequest) (any, error) {
	return nil, errors.New("boom")
}

func blockUntilCancelled(ctx context.Context, _ domain.ExecRequest) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// counter wraps an executor and counts its calls.
type counter struct {
	calls atomic.Int32
	fn    func(context.Context, domain.ExecRequest) (any, error)
}

func (c *counter) Execute(ctx context.Context, req domain.ExecRequest) (any, error) {
	c.calls.Add(1)
	if c.fn == nil {
		return "ok", nil
	}
	return c.fn(ctx, req)
}

// gate blocks executions until released and reports when one has started.
type gate struct {
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) Execute(ctx context.Context, req domain.ExecRequest) (any, error) {
	g.started <- req.NodeID
	select {
	case <-g.release:
		return req.NodeID + " done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) awaitStart(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not start")
		return ""
	}
}

func newEngine(t *testing.T, b *registry.Builder, opts ...runtime.Option) *runtime.Engine {
	t.Helper()
	reg, err := b.Build()
	require.NoError(t, err)
	e := runtime.NewEngine(reg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func wait(t *testing.T, e *runtime.Engine, runID string) domain.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	return snap
}

func node(t *testing.T, snap domain.Snapshot, id string) domain.RuntimeNode {
	t.Helper()
	n, ok := snap.Node(id)
	require.True(t, ok, "node %s missing from snapshot", id)
	return n
}

func eventsOf(t *testing.T, e *runtime.Engine, runID string, typ domain.EventType) []domain.Event {
	t.Helper()
	exp, err := e.Export(runID)
	require.NoError(t, err)
	var out []domain.Event
	for _, ev := range exp.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestEngine_SkippedNodeFallsBackToEarlierSource(t *testing.T) {
	b := &counter{}
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("const", constant).
		Register("count", b).
		RegisterFunc("echo", echoInput))

	g := &domain.Graph{
		ID: "abc",
		Nodes: []domain.Node{
			{ID: "A", Type: "const", Config: map[string]any{"output": "skip"}},
			{ID: "B", Type: "count"},
			{ID: "C", Type: "echo", Inputs: []domain.Binding{{Name: "in", From: "B", Fallback: []string{"A"}}}},
		},
		Edges: []domain.Edge{
			{From: "A", To: "B", Guard: `output != "skip"`},
			{From: "B", To: "C"},
		},
	}

	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Equal(t, domain.NodeSkipped, node(t, snap, "B").Status)
	assert.Zero(t, b.calls.Load(), "skipped node must not be executed")

	c := node(t, snap, "C")
	assert.Equal(t, domain.NodeSucceeded, c.Status)
	assert.Equal(t, map[string]any{"in": "skip"}, c.Inputs)
	assert.Equal(t, "skip", c.Output)
}

func TestEngine_GuardOpenRunsTarget(t *testing.T) {
	b := &counter{}
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("const", constant).
		Register("count", b))

	g := &domain.Graph{
		ID: "open",
		Nodes: []domain.Node{
			{ID: "A", Type: "const", Config: map[string]any{"output": map[string]any{"verdict": "go"}}},
			{ID: "B", Type: "count"},
		},
		Edges: []domain.Edge{{From: "A", To: "B", Guard: "output.verdict=go"}},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestEngine_ContinueOnFailureUsesDefault(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("fail", fail).
		RegisterFunc("echo", echoInput))

	g := &domain.Graph{
		ID: "de",
		Nodes: []domain.Node{
			{ID: "D", Type: "fail", OnFailure: domain.ContinueOnFailure},
			{ID: "E", Type: "echo", Inputs: []domain.Binding{{Name: "in", From: "D", Default: "fallback"}}},
		},
		Edges: []domain.Edge{{From: "D", To: "E"}},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Equal(t, "fallback", node(t, snap, "E").Output)

	d := node(t, snap, "D")
	assert.Equal(t, domain.NodeFailed, d.Status)
	assert.True(t, d.Recovered)
	require.NotNil(t, d.Error)
	assert.Equal(t, domain.KindFailed, d.Error.Kind)

	failed := eventsOf(t, e, id, domain.EventNodeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "D", failed[0].NodeID)
}

func TestEngine_FailureCancelsSiblings(t *testing.T) {
	var sawCancel atomic.Bool
	slow := func(ctx context.Context, _ domain.ExecRequest) (any, error) {
		<-ctx.Done()
		sawCancel.Store(true)
		return nil, ctx.Err()
	}
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("fail", fail).
		RegisterFunc("slow", slow).
		RegisterFunc("const", constant))

	g := &domain.Graph{
		ID: "siblings",
		Nodes: []domain.Node{
			{ID: "bad", Type: "fail"},
			{ID: "slow", Type: "slow"},
			{ID: "after", Type: "const"},
		},
		Edges: []domain.Edge{{From: "bad", To: "after"}},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunFailed, snap.Status)
	assert.Contains(t, snap.Reason, "bad")
	assert.Equal(t, domain.NodeFailed, node(t, snap, "bad").Status)
	assert.Equal(t, domain.NodeCancelled, node(t, snap, "slow").Status)
	assert.Equal(t, domain.NodeCancelled, node(t, snap, "after").Status)
	assert.Eventually(t, sawCancel.Load, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_UnresolvedInputFailsNode(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("const", constant).
		RegisterFunc("echo", echoInput))

	g := &domain.Graph{
		ID: "unresolved",
		Nodes: []domain.Node{
			{ID: "A", Type: "const", Skip: true},
			{ID: "B", Type: "echo", Inputs: []domain.Binding{{Name: "in", From: "A"}}},
		},
		Edges: []domain.Edge{{From: "A", To: "B"}},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunFailed, snap.Status)
	a := node(t, snap, "A")
	assert.Equal(t, domain.NodeSkipped, a.Status)
	assert.Equal(t, "disabled", a.Reason)
	b := node(t, snap, "B")
	require.NotNil(t, b.Error)
	assert.Equal(t, domain.KindUnresolved, b.Error.Kind)
}

func TestEngine_OptionalBindingResolvesToNil(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("const", constant).
		RegisterFunc("echo", echoInput))

	g := &domain.Graph{
		ID: "optional",
		Nodes: []domain.Node{
			{ID: "A", Type: "const", Skip: true},
			{ID: "B", Type: "echo", Inputs: []domain.Binding{{Name: "in", From: "A", Optional: true}}},
		},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Nil(t, node(t, snap, "B").Output)
}

func TestEngine_BindingPath(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("const", constant).
		RegisterFunc("echo", echoInput))

	g := &domain.Graph{
		ID: "path",
		Nodes: []domain.Node{
			{ID: "A", Type: "const", Config: map[string]any{"output": map[string]any{"user": map[string]any{"name": "ada"}}}},
			{ID: "B", Type: "echo", Inputs: []domain.Binding{{Name: "in", From: "A", Path: "user.name"}}},
		},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)
	assert.Equal(t, "ada", node(t, snap, "B").Output)
}

func TestEngine_OutputsAreNormalizedToJSON(t *testing.T) {
	type result struct {
		Count int `json:"count"`
	}
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("struct", func(context.Context, domain.ExecRequest) (any, error) {
			return result{Count: 3}, nil
		}).
		RegisterFunc("chan", func(context.Context, domain.ExecRequest) (any, error) {
			return make(chan int), nil
		}))

	id, err := e.Start(context.Background(), &domain.Graph{ID: "json", Nodes: []domain.Node{{ID: "s", Type: "struct"}}})
	require.NoError(t, err)
	snap := wait(t, e, id)
	assert.Equal(t, map[string]any{"count": float64(3)}, node(t, snap, "s").Output)

	id, err = e.Start(context.Background(), &domain.Graph{ID: "json", Nodes: []domain.Node{{ID: "c", Type: "chan"}}})
	require.NoError(t, err)
	snap = wait(t, e, id)
	assert.Equal(t, domain.RunFailed, snap.Status)
}

func TestEngine_CancelIsIdempotent(t *testing.T) {
	var sawCancel atomic.Bool
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("block", func(ctx context.Context, req domain.ExecRequest) (any, error) {
			<-ctx.Done()
			sawCancel.Store(true)
			return "late", nil
		}).
		RegisterFunc("const", constant))

	g := &domain.Graph{
		ID:    "cancel",
		Nodes: []domain.Node{{ID: "a", Type: "block"}, {ID: "b", Type: "const"}},
		Edges: []domain.Edge{{From: "a", To: "b"}},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := e.Snapshot(id)
		n, _ := s.Node("a")
		return n.Status == domain.NodeRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Cancel(id))
	assert.True(t, sawCancel.Load(), "Cancel waits for executors within the grace period")
	require.NoError(t, e.Cancel(id))

	snap := wait(t, e, id)
	assert.Equal(t, domain.RunCancelled, snap.Status)
	assert.Equal(t, domain.NodeCancelled, node(t, snap, "a").Status)
	assert.Nil(t, node(t, snap, "a").Output, "late results are discarded")
	assert.Equal(t, domain.NodeCancelled, node(t, snap, "b").Status)

	require.NoError(t, e.Cancel(id))
	assert.Len(t, eventsOf(t, e, id, domain.EventRunStatus), 2, "running then cancelled")
}

func TestEngine_CancelAbandonsStuckExecutors(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("stuck", func(context.Context, domain.ExecRequest) (any, error) {
			<-stuck
			return nil, nil
		}), runtime.WithCancelGrace(20*time.Millisecond))

	id, err := e.Start(context.Background(), &domain.Graph{ID: "stuck", Nodes: []domain.Node{{ID: "s", Type: "stuck"}}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := e.Snapshot(id)
		n, _ := s.Node("s")
		return n.Status == domain.NodeRunning
	}, 2*time.Second, 5*time.Millisecond)

	began := time.Now()
	require.NoError(t, e.Cancel(id))
	assert.Less(t, time.Since(began), time.Second)

	snap, err := e.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, snap.Status)
}

func TestEngine_CancelFinishedRun(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().RegisterFunc("const", constant))
	id, err := e.Start(context.Background(), &domain.Graph{ID: "done", Nodes: []domain.Node{{ID: "a", Type: "const"}}})
	require.NoError(t, err)
	wait(t, e, id)

	assert.ErrorIs(t, e.Cancel(id), domain.ErrRunFinished)
	assert.ErrorIs(t, e.Pause(id), domain.ErrRunFinished)
	assert.ErrorIs(t, e.Cancel("nope"), domain.ErrRunNotFound)
}

func TestEngine_PauseResume(t *testing.T) {
	gt := newGate()
	after := &counter{}
	e := newEngine(t, registry.NewBuilder().Register("gate", gt).Register("count", after))

	g := &domain.Graph{
		ID:    "pause",
		Nodes: []domain.Node{{ID: "a", Type: "gate"}, {ID: "b", Type: "count"}},
		Edges: []domain.Edge{{From: "a", To: "b"}},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	gt.awaitStart(t)

	require.NoError(t, e.Pause(id))
	require.NoError(t, e.Pause(id))
	close(gt.release)

	require.Eventually(t, func() bool {
		s, _ := e.Snapshot(id)
		n, _ := s.Node("a")
		return n.Status == domain.NodeSucceeded
	}, 2*time.Second, 5*time.Millisecond, "in-flight work completes while paused")

	snap, err := e.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPaused, snap.Status)
	assert.Equal(t, domain.NodePending, node(t, snap, "b").Status)
	assert.Zero(t, after.calls.Load())

	require.NoError(t, e.Resume(id))
	snap = wait(t, e, id)
	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Equal(t, int32(1), after.calls.Load())
}

type approval struct{}

func (approval) Execute(context.Context, domain.ExecRequest) (any, error) {
	return nil, errors.New("input nodes are not executed")
}

func (approval) RequestInput(_ context.Context, req domain.ExecRequest) (domain.InputRequest, error) {
	return domain.InputRequest{
		Prompt: "approve " + req.NodeID + "?",
		Schema: map[string]any{
			"type":       "object",
			"required":   []any{"approved"},
			"properties": map[string]any{"approved": map[string]any{"type": "boolean"}},
		},
	}, nil
}

func (approval) ResolveInput(_ context.Context, _ domain.ExecRequest, value any) (any, error) {
	return value, nil
}

func TestEngine_HumanInput(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().
		Register("approval", approval{}).
		RegisterFunc("echo", echoInput),
		runtime.WithMaxConcurrency(1))

	g := &domain.Graph{
		ID: "human",
		Nodes: []domain.Node{
			{ID: "ask", Type: "approval"},
			{ID: "ask2", Type: "approval"},
			{ID: "use", Type: "echo", Inputs: []domain.Binding{{Name: "in", From: "ask", Path: "approved"}}},
		},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := e.Snapshot(id)
		a, _ := s.Node("ask")
		b, _ := s.Node("ask2")
		return a.AwaitingInput && b.AwaitingInput
	}, 2*time.Second, 5*time.Millisecond, "awaiting nodes do not hold a dispatch slot")

	snap, err := e.Snapshot(id)
	require.NoError(t, err)
	ask := node(t, snap, "ask")
	assert.Equal(t, domain.NodeRunning, ask.Status)
	require.NotNil(t, ask.Request)
	assert.Equal(t, "approve ask?", ask.Request.Prompt)

	err = e.ProvideInput(context.Background(), id, "ask", map[string]any{"approved": "yes"})
	require.Error(t, err)
	snap, _ = e.Snapshot(id)
	assert.True(t, node(t, snap, "ask").AwaitingInput, "invalid input keeps the node waiting")

	assert.ErrorIs(t, e.ProvideInput(context.Background(), id, "use", true), domain.ErrNodeNotAwaitingInput)

	require.NoError(t, e.ProvideInput(context.Background(), id, "ask", map[string]any{"approved": true}))
	require.NoError(t, e.ProvideInput(context.Background(), id, "ask2", map[string]any{"approved": false}))

	snap = wait(t, e, id)
	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Equal(t, map[string]any{"approved": true}, node(t, snap, "ask").Output)
	assert.Equal(t, true, node(t, snap, "use").Output)
	assert.Len(t, eventsOf(t, e, id, domain.EventNodeInputRequested), 2)
}

func TestEngine_NodeTimeout(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().RegisterFunc("block", blockUntilCancelled))
	g := &domain.Graph{ID: "timeout", Nodes: []domain.Node{{ID: "slow", Type: "block", Timeout: "20ms"}}}

	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunFailed, snap.Status)
	n := node(t, snap, "slow")
	require.NotNil(t, n.Error)
	assert.Equal(t, domain.KindTimeout, n.Error.Kind)
	assert.True(t, n.Error.Retryable)
}

func TestEngine_RunTimeout(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().RegisterFunc("block", blockUntilCancelled))
	g := &domain.Graph{ID: "run-timeout", Nodes: []domain.Node{{ID: "slow", Type: "block"}}}

	id, err := e.Start(context.Background(), g, runtime.WithRunTimeout(20*time.Millisecond), runtime.WithRunID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunFailed, snap.Status)
	n := node(t, snap, "slow")
	assert.Equal(t, domain.NodeFailed, n.Status)
	require.NotNil(t, n.Error)
	assert.Equal(t, domain.KindTimeout, n.Error.Kind)
	assert.True(t, n.Error.Retryable)
}

func TestEngine_RunTimeoutIsExecutorDeadline(t *testing.T) {
	deadlines := make(chan time.Time, 1)
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("probe", func(ctx context.Context, _ domain.ExecRequest) (any, error) {
			d, ok := ctx.Deadline()
			if !ok {
				return nil, errors.New("no deadline")
			}
			deadlines <- d
			return "ok", nil
		}))
	g := &domain.Graph{ID: "deadline", Nodes: []domain.Node{{ID: "a", Type: "probe"}}}

	began := time.Now()
	id, err := e.Start(context.Background(), g, runtime.WithRunTimeout(time.Hour))
	require.NoError(t, err)
	snap := wait(t, e, id)
	require.Equal(t, domain.RunCompleted, snap.Status)

	d := <-deadlines
	assert.WithinDuration(t, began.Add(time.Hour), d, time.Minute)
	require.NotNil(t, snap.Deadline)
	assert.WithinDuration(t, d, *snap.Deadline, time.Millisecond)

	created := eventsOf(t, e, id, domain.EventRunCreated)
	require.Len(t, created, 1)
	require.NotNil(t, created[0].Deadline, "the deadline is recorded so a restored run keeps it")
	assert.True(t, created[0].Deadline.Equal(*snap.Deadline))
}

func TestEngine_RunTimeoutFailsStuckNode(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("stuck", func(context.Context, domain.ExecRequest) (any, error) {
			<-stuck
			return nil, nil
		}), runtime.WithCancelGrace(20*time.Millisecond))
	g := &domain.Graph{ID: "stuck", Nodes: []domain.Node{{ID: "s", Type: "stuck"}}}

	id, err := e.Start(context.Background(), g, runtime.WithRunTimeout(30*time.Millisecond))
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunFailed, snap.Status)
	assert.Equal(t, "run deadline exceeded", snap.Reason)
	n := node(t, snap, "s")
	assert.Equal(t, domain.NodeFailed, n.Status)
	require.NotNil(t, n.Error)
	assert.Equal(t, domain.KindTimeout, n.Error.Kind)
	assert.True(t, n.Error.Retryable)
}

func TestEngine_PanicIsRecovered(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().RegisterFunc("panic", func(context.Context, domain.ExecRequest) (any, error) {
		panic("kaboom")
	}))
	id, err := e.Start(context.Background(), &domain.Graph{ID: "panic", Nodes: []domain.Node{{ID: "p", Type: "panic"}}})
	require.NoError(t, err)
	snap := wait(t, e, id)

	n := node(t, snap, "p")
	require.NotNil(t, n.Error)
	assert.Equal(t, domain.KindPanic, n.Error.Kind)
	assert.Equal(t, "kaboom", n.Error.Message)
}

func TestEngine_LoopBoundedByMaxRuns(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("attempt", func(_ context.Context, req domain.ExecRequest) (any, error) {
			return map[string]any{"attempt": req.Attempt}, nil
		}).
		RegisterFunc("review", func(context.Context, domain.ExecRequest) (any, error) {
			return map[string]any{"again": true}, nil
		}).
		RegisterFunc("const", constant))

	g := &domain.Graph{
		ID: "loop",
		Nodes: []domain.Node{
			{ID: "work", Type: "attempt", MaxRuns: 3},
			{ID: "review", Type: "review"},
			{ID: "done", Type: "const"},
		},
		Edges: []domain.Edge{
			{From: "work", To: "review"},
			{From: "review", To: "work", Guard: "output.again"},
			{From: "review", To: "done", Guard: "!output.again"},
		},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunCompleted, snap.Status)
	work := node(t, snap, "work")
	assert.Equal(t, 3, work.Attempts)
	assert.Equal(t, map[string]any{"attempt": float64(3)}, work.Output)
	assert.Equal(t, 3, node(t, snap, "review").Attempts)
	assert.Equal(t, domain.NodeSkipped, node(t, snap, "done").Status)
	assert.Len(t, eventsOf(t, e, id, domain.EventNodeReset), 4, "two loop iterations reset work and review")
}

func TestEngine_LoopOnlyTargetIsNeverStartedEarly(t *testing.T) {
	detour := &counter{}
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("const", constant).
		Register("detour", detour))

	g := &domain.Graph{
		ID: "detour",
		Nodes: []domain.Node{
			{ID: "a", Type: "const", Config: map[string]any{"output": "x"}},
			{ID: "b", Type: "const", Config: map[string]any{"output": "done"}},
			{ID: "c", Type: "detour"},
		},
		Edges: []domain.Edge{
			{From: "a", To: "b"},
			{From: "b", To: "c", Guard: "output = again"},
			{From: "c", To: "b"},
		},
	}
	_, err := e.Start(context.Background(), g)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, detour.calls.Load())
	assert.Empty(t, e.Runs())
}

func TestEngine_SelfLoopUsesEngineDefault(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().
		RegisterFunc("poll", func(_ context.Context, req domain.ExecRequest) (any, error) {
			return map[string]any{"pending": req.Attempt < 100}, nil
		}), runtime.WithDefaultMaxRuns(4))

	g := &domain.Graph{
		ID:    "poll",
		Nodes: []domain.Node{{ID: "poll", Type: "poll"}},
		Edges: []domain.Edge{{From: "poll", To: "poll", Guard: "output.pending"}},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Equal(t, 4, node(t, snap, "poll").Attempts)
}

func TestEngine_MaxConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	slowish := func(context.Context, domain.ExecRequest) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}
	e := newEngine(t, registry.NewBuilder().RegisterFunc("work", slowish), runtime.WithMaxConcurrency(2))

	g := &domain.Graph{ID: "fan", Nodes: []domain.Node{
		{ID: "a", Type: "work"}, {ID: "b", Type: "work"}, {ID: "c", Type: "work"},
		{ID: "d", Type: "work"}, {ID: "e", Type: "work"},
	}}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, id)

	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngine_StartErrors(t *testing.T) {
	e := newEngine(t, registry.NewBuilder().RegisterFunc("const", constant))

	_, err := e.Start(context.Background(), &domain.Graph{ID: "bad", Nodes: []domain.Node{{ID: "a", Type: "nope"}}})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	g := &domain.Graph{ID: "dup", Nodes: []domain.Node{{ID: "a", Type: "const"}}}
	_, err = e.Start(context.Background(), g, runtime.WithRunID("same"))
	require.NoError(t, err)
	_, err = e.Start(context.Background(), g, runtime.WithRunID("same"))
	assert.ErrorIs(t, err, domain.ErrRunExists)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Start(ctx, g)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_SinksSeeEveryEventInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []domain.Event
	sink := sinkFunc(func(ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
	})
	e := newEngine(t, registry.NewBuilder().RegisterFunc("const", constant), runtime.WithSinks(sink))

	g := &domain.Graph{
		ID:    "sink",
		Nodes: []domain.Node{{ID: "a", Type: "const"}, {ID: "b", Type: "const"}},
		Edges: []domain.Edge{{From: "a", To: "b"}},
	}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	wait(t, e, id)

	exp, err := e.Export(id)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, exp.Events, seen)
	for i, ev := range seen {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, domain.EventRunCreated, seen[0].Type)
}

type sinkFunc func(domain.Event)

func (f sinkFunc) OnEvent(ev domain.Event) { f(ev) }

func TestEngine_RunsAndEvict(t *testing.T) {
	gt := newGate()
	e := newEngine(t, registry.NewBuilder().Register("gate", gt))
	g := &domain.Graph{ID: "evict", Nodes: []domain.Node{{ID: "a", Type: "gate"}}}

	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	gt.awaitStart(t)

	runs := e.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].RunID)
	assert.ErrorIs(t, e.Evict(id), domain.ErrRunBusy)

	close(gt.release)
	wait(t, e, id)
	require.NoError(t, e.Evict(id))
	_, err = e.Snapshot(id)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	assert.Empty(t, e.Runs())
}
