package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(status RunStatus, nodes ...RuntimeNode) *Snapshot {
	return &Snapshot{RunID: "run-1", Status: status, Nodes: nodes}
}

func TestDiff(t *testing.T) {
	running := RunRunning

	tests := []struct {
		name string
		old  *Snapshot
		new  *Snapshot
		want *SnapshotDiff
	}{
		{
			name: "initial load reports everything",
			old:  nil,
			new:  snap(RunRunning, RuntimeNode{ID: "a", Status: NodeRunning}),
			want: &SnapshotDiff{
				RunID:  "run-1",
				Status: &running,
				Nodes:  []NodeChange{{NodeID: "a", To: NodeRunning}},
			},
		},
		{
			name: "no changes",
			old:  snap(RunRunning, RuntimeNode{ID: "a", Status: NodeRunning}),
			new:  snap(RunRunning, RuntimeNode{ID: "a", Status: NodeRunning}),
			want: &SnapshotDiff{RunID: "run-1"},
		},
		{
			name: "status transition",
			old:  snap(RunRunning, RuntimeNode{ID: "a", Status: NodeRunning}, RuntimeNode{ID: "b", Status: NodePending}),
			new:  snap(RunRunning, RuntimeNode{ID: "a", Status: NodeSucceeded}, RuntimeNode{ID: "b", Status: NodePending}),
			want: &SnapshotDiff{
				RunID: "run-1",
				Nodes: []NodeChange{{NodeID: "a", From: NodeRunning, To: NodeSucceeded}},
			},
		},
		{
			name: "output changed within same status",
			old:  snap(RunRunning, RuntimeNode{ID: "a", Status: NodeSucceeded, Output: "v1"}),
			new:  snap(RunRunning, RuntimeNode{ID: "a", Status: NodeSucceeded, Output: "v2"}),
			want: &SnapshotDiff{
				RunID: "run-1",
				Nodes: []NodeChange{{NodeID: "a", From: NodeSucceeded, To: NodeSucceeded, OutputChanged: true}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiff_Empty(t *testing.T) {
	s := snap(RunCompleted, RuntimeNode{ID: "a", Status: NodeSucceeded})
	assert.True(t, Diff(s, s).Empty())
	assert.Nil(t, Diff(s, nil))
}
