package mcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/executors"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approval() *domain.Graph {
	return &domain.Graph{
		ID: "approval",
		Nodes: []domain.Node{
			{ID: "ask", Type: "input", Config: map[string]any{"prompt": "Ship it?", "options": []any{"yes", "no"}}},
			{ID: "done", Type: "noop", Inputs: []domain.Binding{{Name: "answer", From: "ask"}}},
		},
		Edges: []domain.Edge{{From: "ask", To: "done"}},
	}
}

func newTestServer(t *testing.T, graphs ...*domain.Graph) (*Server, *runtime.Engine) {
	t.Helper()
	reg := registry.NewBuilder().
		Register("input", executors.Input{}).
		Register("noop", executors.Noop{}).
		MustBuild()
	e := runtime.NewEngine(reg)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	if len(graphs) == 0 {
		graphs = []*domain.Graph{approval()}
	}
	return NewServer(e, WithGraphs(graphs...), WithVersion("test\n")), e
}

func awaitInput(t *testing.T, e *runtime.Engine, runID, nodeID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(runID)
		if err != nil {
			return false
		}
		n, _ := snap.Node(nodeID)
		return n.AwaitingInput
	}, 5*time.Second, 10*time.Millisecond)
}

func wait(t *testing.T, e *runtime.Engine, runID string) domain.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	return snap
}

func TestServer_StartAndAnswer(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()

	started, err := s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", started.RunID)
	assert.Equal(t, "approval", started.Snapshot.GraphID)

	awaitInput(t, e, "r1", "ask")

	list, err := s.handleListRuns(ctx, mcp.CallToolRequest{}, struct{}{})
	require.NoError(t, err)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, []string{"ask"}, list.Runs[0].Waiting)

	_, err = s.handleProvideInput(ctx, mcp.CallToolRequest{}, ProvideInputArgs{RunID: "r1", NodeID: "ask", Value: `"yes"`})
	require.NoError(t, err)

	snap := wait(t, e, "r1")
	assert.Equal(t, domain.RunCompleted, snap.Status)

	got, err := s.handleGetRun(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "r1"})
	require.NoError(t, err)
	done, ok := got.Snapshot.Node("done")
	require.True(t, ok)
	assert.Equal(t, "yes", done.Output)
}

func TestServer_RejectedInputKeepsWaiting(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()

	started, err := s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{})
	require.NoError(t, err)
	awaitInput(t, e, started.RunID, "ask")

	_, err = s.handleProvideInput(ctx, mcp.CallToolRequest{}, ProvideInputArgs{RunID: started.RunID, NodeID: "ask", Value: "maybe"})
	require.Error(t, err)

	snap, err := e.Snapshot(started.RunID)
	require.NoError(t, err)
	n, _ := snap.Node("ask")
	assert.True(t, n.AwaitingInput)
}

func TestServer_Cancel(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()

	started, err := s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{})
	require.NoError(t, err)
	awaitInput(t, e, started.RunID, "ask")

	_, err = s.handleCancelRun(ctx, mcp.CallToolRequest{}, RunArgs{RunID: started.RunID})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, wait(t, e, started.RunID).Status)

	again, err := s.handleCancelRun(ctx, mcp.CallToolRequest{}, RunArgs{RunID: started.RunID})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, again.Snapshot.Status)

	_, err = s.handleCancelRun(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestServer_StartErrors(t *testing.T) {
	other := approval()
	other.ID = "other"
	s, _ := newTestServer(t, approval(), other)
	ctx := context.Background()

	tests := []struct {
		name string
		args StartRunArgs
	}{
		{"graph required", StartRunArgs{}},
		{"unknown graph", StartRunArgs{Graph: "ghost"}},
		{"bad timeout", StartRunArgs{Graph: "approval", Timeout: "soon"}},
		{"negative timeout", StartRunArgs{Graph: "approval", Timeout: "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.handleStartRun(ctx, mcp.CallToolRequest{}, tt.args)
			assert.Error(t, err)
		})
	}

	_, err := s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{Graph: "other", RunID: "dup"})
	require.NoError(t, err)
	_, err = s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{Graph: "other", RunID: "dup"})
	assert.ErrorIs(t, err, domain.ErrRunExists)
}

func TestServer_ToolErrorsAreResults(t *testing.T) {
	s, _ := newTestServer(t)

	handler := mcp.NewStructuredToolHandler(s.handleGetRun)
	req := mcp.CallToolRequest{}
	req.Params.Name = "get_run"
	req.Params.Arguments = map[string]any{"run_id": "ghost"}

	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, "yes", parseValue(`"yes"`))
	assert.Equal(t, "plain text", parseValue("plain text"))
	assert.Equal(t, float64(3), parseValue("3"))
	assert.Equal(t, map[string]any{"ok": true}, parseValue(`{"ok":true}`))
}

func TestServer_ServeSSE_StopsWithContext(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serveSSE(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
