package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_FailedRunAbandonsStuckExecutors(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	reg, err := registry.NewBuilder().
		RegisterFunc("stuck", func(context.Context, domain.ExecRequest) (any, error) {
			<-stuck
			return nil, nil
		}).
		RegisterFunc("fail", func(context.Context, domain.ExecRequest) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, errors.New("boom")
		}).
		Build()
	require.NoError(t, err)
	e := NewEngine(reg, WithCancelGrace(20*time.Millisecond))

	g := &domain.Graph{ID: "mixed", Nodes: []domain.Node{
		{ID: "bad", Type: "fail"},
		{ID: "slow", Type: "stuck"},
	}}
	id, err := e.Start(context.Background(), g)
	require.NoError(t, err)
	l, err := e.lookup(id)
	require.NoError(t, err)

	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop kept waiting for an executor that ignores cancellation")
	}
	snap, err := e.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, snap.Status)
	assert.Equal(t, domain.NodeCancelled, snap.Statuses()["slow"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}
