package domain

import (
	"fmt"
	"sort"
	"time"
)

// NodeStatus is the per-run status of a node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether no further transition is expected (loops aside).
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RuntimeNode is the mutable per-run state of a node. Output is present iff
// the node Succeeded and Error iff it Failed.
type RuntimeNode struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Status        NodeStatus     `json:"status"`
	AwaitingInput bool           `json:"awaiting_input,omitempty"`
	Request       *InputRequest  `json:"request,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Output        any            `json:"output,omitempty"`
	Error         *NodeError     `json:"error,omitempty"`
	Recovered     bool           `json:"recovered,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Attempts      int            `json:"attempts"`
}

// ProducedOutput reports whether downstream bindings may read Output.
func (n *RuntimeNode) ProducedOutput() bool {
	return n.Status == NodeSucceeded
}

// Settled reports whether the node no longer blocks its consumers:
// Succeeded, Skipped, or Failed but recovered.
func (n *RuntimeNode) Settled() bool {
	switch n.Status {
	case NodeSucceeded, NodeSkipped:
		return true
	case NodeFailed:
		return n.Recovered
	}
	return false
}

// Run is one execution of a Graph. It is mutated only through Apply, which
// makes the RuntimeNode map a cache that can always be rebuilt from events.
type Run struct {
	ID        string                  `json:"id"`
	GraphID   string                  `json:"graph_id"`
	Graph     *Graph                  `json:"-"`
	Status    RunStatus               `json:"status"`
	Reason    string                  `json:"reason,omitempty"`
	Seq       uint64                  `json:"seq"`
	Nodes     map[string]*RuntimeNode `json:"nodes"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
	Deadline  *time.Time              `json:"deadline,omitempty"` // wall clock
}

// NewRun creates a run with every node Pending and no events applied.
func NewRun(id string, g *Graph) *Run {
	r := &Run{
		ID:      id,
		GraphID: g.ID,
		Graph:   g,
		Status:  RunPending,
		Nodes:   make(map[string]*RuntimeNode, len(g.Nodes)),
	}
	for _, n := range g.Nodes {
		r.Nodes[n.ID] = &RuntimeNode{ID: n.ID, Type: n.Type, Status: NodePending}
	}
	return r
}

// Apply folds one event into the run. Events must arrive with consecutive
// sequence numbers.
func (r *Run) Apply(ev Event) error {
	if ev.Seq != r.Seq+1 {
		return fmt.Errorf("run %s: event seq %d out of order (last %d)", r.ID, ev.Seq, r.Seq)
	}
	if ev.RunID != "" && ev.RunID != r.ID {
		return fmt.Errorf("run %s: event belongs to run %s", r.ID, ev.RunID)
	}

	var node *RuntimeNode
	if ev.Type != EventRunCreated && ev.Type != EventRunStatus {
		node = r.Nodes[ev.NodeID]
		if node == nil {
			return fmt.Errorf("run %s: event %s references unknown node %q", r.ID, ev.Type, ev.NodeID)
		}
	}

	at := ev.Time
	switch ev.Type {
	case EventRunCreated:
		r.CreatedAt = at
		if ev.GraphID != "" {
			r.GraphID = ev.GraphID
		}
		r.Deadline = ev.Deadline
	case EventRunStatus:
		r.Status = ev.Status
		r.Reason = ev.Reason
	case EventNodeReady:
		node.Status = NodeReady
	case EventNodeStarted:
		node.Status = NodeRunning
		node.Attempts = ev.Attempt
		node.Inputs = ev.Inputs
		node.StartedAt = &at
		node.EndedAt = nil
	case EventNodeInputRequested:
		if node.Status != NodeRunning {
			node.Status = NodeRunning
			node.Attempts = ev.Attempt
			node.Inputs = ev.Inputs
			node.StartedAt = &at
		}
		node.AwaitingInput = true
		node.Request = ev.Request
	case EventNodeSucceeded:
		node.Status = NodeSucceeded
		node.Output = ev.Output
		node.finish(at)
	case EventNodeFailed:
		node.Status = NodeFailed
		node.Error = ev.Error
		node.Recovered = ev.Recovered
		node.finish(at)
	case EventNodeSkipped:
		node.Status = NodeSkipped
		node.Reason = ev.Reason
		node.finish(at)
	case EventNodeCancelled:
		node.Status = NodeCancelled
		node.Reason = ev.Reason
		node.finish(at)
	case EventNodeReset:
		attempts := node.Attempts
		*node = RuntimeNode{ID: node.ID, Type: node.Type, Status: NodePending, Attempts: attempts, Reason: ev.Reason}
	default:
		return fmt.Errorf("run %s: unknown event type %q", r.ID, ev.Type)
	}

	r.Seq = ev.Seq
	r.UpdatedAt = at
	return nil
}

func (n *RuntimeNode) finish(at time.Time) {
	n.EndedAt = &at
	n.AwaitingInput = false
	n.Request = nil
}

// Replay rebuilds a run by folding the full event history over a fresh run.
func Replay(id string, g *Graph, events []Event) (*Run, error) {
	r := NewRun(id, g)
	for _, ev := range events {
		if err := r.Apply(ev); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Snapshot is a detached copy of a run's state.
type Snapshot struct {
	RunID     string        `json:"run_id"`
	GraphID   string        `json:"graph_id"`
	Status    RunStatus     `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Seq       uint64        `json:"seq"`
	Nodes     []RuntimeNode `json:"nodes"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Deadline  *time.Time    `json:"deadline,omitempty"`
}

// Snapshot copies the run. Nodes are sorted by id. Inputs and outputs are
// shared by reference; executors must not mutate values they returned.
func (r *Run) Snapshot() Snapshot {
	s := Snapshot{
		RunID:     r.ID,
		GraphID:   r.GraphID,
		Status:    r.Status,
		Reason:    r.Reason,
		Seq:       r.Seq,
		Nodes:     make([]RuntimeNode, 0, len(r.Nodes)),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Deadline:  r.Deadline,
	}
	for _, n := range r.Nodes {
		s.Nodes = append(s.Nodes, *n)
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })
	return s
}

// Node returns the snapshot entry for id.
func (s Snapshot) Node(id string) (RuntimeNode, bool) {
	i := sort.Search(len(s.Nodes), func(i int) bool { return s.Nodes[i].ID >= id })
	if i < len(s.Nodes) && s.Nodes[i].ID == id {
		return s.Nodes[i], true
	}
	return RuntimeNode{}, false
}

// Statuses maps node ids to their status.
func (s Snapshot) Statuses() map[string]NodeStatus {
	out := make(map[string]NodeStatus, len(s.Nodes))
	for _, n := range s.Nodes {
		out[n.ID] = n.Status
	}
	return out
}

// Outcome derives the terminal run status from node statuses, or "" while
// nodes are still outstanding. A failed node without recovery fails the run.
func (r *Run) Outcome() RunStatus {
	failed := false
	for _, n := range r.Nodes {
		if !n.Status.Terminal() {
			return ""
		}
		if n.Status == NodeFailed && !n.Recovered {
			failed = true
		}
	}
	if failed {
		return RunFailed
	}
	return RunCompleted
}
