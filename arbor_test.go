package arbor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetYAML = `
id: greet
nodes:
  - id: name
    type: noop
    config:
      output: arbor
  - id: shout
    type: upper
    inputs:
      - name: text
        from: name
  - id: done
    type: result
    inputs:
      - name: greeting
        from: shout
edges:
  - name -> shout
  - shout -> done
`

type upper struct{}

func (upper) Execute(_ context.Context, req domain.ExecRequest) (any, error) {
	s, _ := req.Inputs["text"].(string)
	return "HELLO " + s, nil
}

func wait(t *testing.T, e *arbor.Engine, runID string) domain.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	return snap
}

func TestFacade_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "greet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetYAML), 0o644))

	e, err := arbor.New(arbor.WithExecutor("upper", upper{}))
	require.NoError(t, err)
	defer e.Close(context.Background())

	ctx := context.Background()
	g, err := arbor.LoadGraph(ctx, path)
	require.NoError(t, err)
	_, err = e.Validate(g)
	require.NoError(t, err)

	runID, err := e.RunWithID(ctx, g, "greet-1")
	require.NoError(t, err)
	assert.Equal(t, "greet-1", runID)

	snap := wait(t, e, runID)
	assert.Equal(t, domain.RunCompleted, snap.Status)
	done, ok := snap.Node("done")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"greeting": "HELLO arbor"}, done.Output)
}

func TestFacade_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "start.md"), []byte(`---
type: noop
config:
  output: hi
next:
  - end
---`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "end.md"), []byte(`---
type: noop
inputs:
  - name: in
    from: start
---`), 0o644))

	e, err := arbor.New()
	require.NoError(t, err)
	defer e.Close(context.Background())

	g, err := arbor.LoadGraph(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), g.ID)

	runID, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	snap := wait(t, e, runID)
	assert.Equal(t, domain.RunCompleted, snap.Status)
	end, _ := snap.Node("end")
	assert.Equal(t, "hi", end.Output)
}

func TestFacade_UnknownType(t *testing.T) {
	e, err := arbor.New()
	require.NoError(t, err)
	defer e.Close(context.Background())

	g := &domain.Graph{ID: "bad", Nodes: []domain.Node{{ID: "a", Type: "teleport"}}}
	_, err = e.Validate(g)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = e.Start(context.Background(), g)
	assert.Error(t, err)
}

func TestFacade_HubDrivesInput(t *testing.T) {
	e, err := arbor.New(arbor.WithHeartbeat(time.Hour))
	require.NoError(t, err)
	defer e.Close(context.Background())

	g := &domain.Graph{
		ID: "approval",
		Nodes: []domain.Node{
			{ID: "ask", Type: "input", Config: map[string]any{"prompt": "Ship it?", "options": []any{"yes", "no"}}},
		},
	}
	runID, err := e.Start(context.Background(), g)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(runID)
		if err != nil {
			return false
		}
		n, _ := snap.Node("ask")
		return n.AwaitingInput
	}, 5*time.Second, 10*time.Millisecond)

	env, err := protocol.Wrap(runID, protocol.InputResp{NodeID: "ask", Value: "yes"})
	require.NoError(t, err)
	reply := e.Hub().Dispatch(context.Background(), env)
	assert.Equal(t, protocol.KindAck, reply.Kind)

	snap := wait(t, e, runID)
	ask, _ := snap.Node("ask")
	assert.Equal(t, "yes", ask.Output)
}

func TestLoadGraph_Errors(t *testing.T) {
	_, err := arbor.LoadGraph(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	txt := filepath.Join(t.TempDir(), "graph.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	_, err = arbor.LoadGraph(context.Background(), txt)
	assert.ErrorContains(t, err, "expected a directory or a .yaml file")
}
