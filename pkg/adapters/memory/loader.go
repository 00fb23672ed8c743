package memory

import (
	"context"
	"errors"

	"github.com/aretw0/arbor/pkg/domain"
)

// Loader implements ports.GraphLoader over a graph built in code.
type Loader struct {
	graph *domain.Graph
}

// NewLoader wraps g.
func NewLoader(g *domain.Graph) *Loader {
	return &Loader{graph: g}
}

// NewFromNodes builds a graph from nodes and edges, for tests and examples.
func NewFromNodes(id string, nodes []domain.Node, edges ...domain.Edge) *Loader {
	return NewLoader(&domain.Graph{ID: id, Nodes: nodes, Edges: edges})
}

// Load returns a copy of the graph, so callers may not change the original.
func (l *Loader) Load(_ context.Context) (*domain.Graph, error) {
	if l.graph == nil {
		return nil, errors.New("no graph")
	}
	g := *l.graph
	g.Nodes = append([]domain.Node(nil), l.graph.Nodes...)
	g.Edges = append([]domain.Edge(nil), l.graph.Edges...)
	return &g, nil
}
