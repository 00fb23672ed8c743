package runtime

import (
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/graph"
)

// decision is the scheduling verdict for a Pending node.
type decision struct {
	nodeID string
	skip   bool
	reason string
}

// frontier decides which Pending nodes become Ready and which are Skipped.
// It depends only on the plan and the node states, and returns decisions in
// node id order.
func frontier(p *graph.Plan, r *domain.Run) []decision {
	var out []decision
	for _, id := range p.NodeIDs() {
		if r.Nodes[id].Status != domain.NodePending {
			continue
		}
		if node, _ := p.Node(id); node.Skip {
			out = append(out, decision{nodeID: id, skip: true, reason: "disabled"})
			continue
		}
		if !dependenciesSettled(p, r, id) {
			continue
		}

		inbound := p.Inbound(id)
		if len(inbound) == 0 {
			out = append(out, decision{nodeID: id})
			continue
		}
		open := false
		for _, e := range inbound {
			if edgeOpen(e, r.Nodes[e.From]) {
				open = true
				break
			}
		}
		if open {
			out = append(out, decision{nodeID: id})
		} else {
			out = append(out, decision{nodeID: id, skip: true, reason: "all inbound edges closed"})
		}
	}
	return out
}

func dependenciesSettled(p *graph.Plan, r *domain.Run, id string) bool {
	for _, dep := range p.Dependencies(id) {
		if !r.Nodes[dep].Settled() {
			return false
		}
	}
	return true
}

// edgeOpen evaluates a forward edge whose source is settled. A source that
// produced no output keeps its unguarded edges open and closes guarded ones.
func edgeOpen(e graph.Edge, src *domain.RuntimeNode) bool {
	switch {
	case src.Status == domain.NodeSucceeded:
		return e.Open(src.Output)
	case src.Settled():
		return e.Guard == nil
	}
	return false
}
