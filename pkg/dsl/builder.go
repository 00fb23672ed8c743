package dsl

import (
	"fmt"

	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
)

// Builder manages the graph construction.
type Builder struct {
	id          string
	description string
	order       []string
	nodes       map[string]*NodeBuilder
	edges       []domain.Edge
}

// New creates a new graph builder.
func New(id string) *Builder {
	return &Builder{
		id:    id,
		nodes: make(map[string]*NodeBuilder),
	}
}

// Describe sets the graph description.
func (b *Builder) Describe(text string) *Builder {
	b.description = text
	return b
}

// Add creates a new node of the given executor type. If the node already
// exists, it returns the existing builder and leaves its type unchanged.
func (b *Builder) Add(id, typeName string) *NodeBuilder {
	if nb, ok := b.nodes[id]; ok {
		return nb
	}
	nb := &NodeBuilder{
		node: domain.Node{
			ID:   id,
			Type: typeName,
		},
		builder: b,
	}
	b.nodes[id] = nb
	b.order = append(b.order, id)
	return nb
}

// Edge adds an unconditional edge.
func (b *Builder) Edge(from, to string) *Builder {
	b.edges = append(b.edges, domain.Edge{From: from, To: to})
	return b
}

// Build returns the graph, nodes in declaration order. It only checks what
// the builder itself can get wrong; compile the graph to validate it
// against a registry.
func (b *Builder) Build() (*domain.Graph, error) {
	if b.id == "" {
		return nil, fmt.Errorf("graph id is required")
	}
	g := &domain.Graph{
		ID:          b.id,
		Description: b.description,
		Nodes:       make([]domain.Node, 0, len(b.order)),
		Edges:       append([]domain.Edge(nil), b.edges...),
	}
	for _, id := range b.order {
		nb := b.nodes[id]
		if nb.node.Type == "" {
			return nil, fmt.Errorf("node %q: type is required", id)
		}
		g.Nodes = append(g.Nodes, nb.Build())
	}
	return g, nil
}

// Loader builds the graph into a ports.GraphLoader.
func (b *Builder) Loader() (*memory.Loader, error) {
	g, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}
	return memory.NewLoader(g), nil
}
