package domain

import (
	"reflect"
)

// NodeChange describes how a single node differs between two snapshots.
type NodeChange struct {
	NodeID string     `json:"node_id"`
	From   NodeStatus `json:"from,omitempty"`
	To     NodeStatus `json:"to"`

	// OutputChanged is set when the status is unchanged but the output is not
	// (e.g. a loop iteration finished between the two snapshots).
	OutputChanged bool `json:"output_changed,omitempty"`
}

// SnapshotDiff represents the changes between two snapshots of the same run.
// Clients use it after a reconnect to show what happened while they were away.
type SnapshotDiff struct {
	RunID  string       `json:"run_id"`
	Status *RunStatus   `json:"status,omitempty"`
	Nodes  []NodeChange `json:"nodes,omitempty"`
}

// Empty reports whether nothing changed.
func (d *SnapshotDiff) Empty() bool {
	return d == nil || (d.Status == nil && len(d.Nodes) == 0)
}

// Diff calculates the difference between oldSnap and newSnap.
// If oldSnap is nil, every node of newSnap is reported.
func Diff(oldSnap, newSnap *Snapshot) *SnapshotDiff {
	if newSnap == nil {
		return nil
	}

	diff := &SnapshotDiff{RunID: newSnap.RunID}
	if oldSnap == nil || oldSnap.Status != newSnap.Status {
		status := newSnap.Status
		diff.Status = &status
	}

	for _, n := range newSnap.Nodes {
		if oldSnap == nil {
			diff.Nodes = append(diff.Nodes, NodeChange{NodeID: n.ID, To: n.Status})
			continue
		}
		prev, ok := oldSnap.Node(n.ID)
		switch {
		case !ok:
			diff.Nodes = append(diff.Nodes, NodeChange{NodeID: n.ID, To: n.Status})
		case prev.Status != n.Status:
			diff.Nodes = append(diff.Nodes, NodeChange{NodeID: n.ID, From: prev.Status, To: n.Status})
		case !reflect.DeepEqual(prev.Output, n.Output):
			diff.Nodes = append(diff.Nodes, NodeChange{NodeID: n.ID, From: prev.Status, To: n.Status, OutputChanged: true})
		}
	}

	return diff
}
