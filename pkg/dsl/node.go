package dsl

import "github.com/aretw0/arbor/pkg/domain"

// NodeBuilder provides a fluent API for configuring a node.
type NodeBuilder struct {
	node    domain.Node
	builder *Builder
}

// Describe sets the node description.
func (n *NodeBuilder) Describe(text string) *NodeBuilder {
	n.node.Description = text
	return n
}

// Config sets one key of the executor configuration.
func (n *NodeBuilder) Config(key string, value any) *NodeBuilder {
	if n.node.Config == nil {
		n.node.Config = make(map[string]any)
	}
	n.node.Config[key] = value
	return n
}

// Input binds the output of another node to a named input.
func (n *NodeBuilder) Input(name, from string) *NodeBuilder {
	n.node.Inputs = append(n.node.Inputs, domain.Binding{Name: name, From: from})
	return n
}

// Bind adds a fully specified binding (path, fallbacks, default).
func (n *NodeBuilder) Bind(b domain.Binding) *NodeBuilder {
	n.node.Inputs = append(n.node.Inputs, b)
	return n
}

// Timeout bounds a single execution, e.g. "30s".
func (n *NodeBuilder) Timeout(d string) *NodeBuilder {
	n.node.Timeout = d
	return n
}

// MaxRuns bounds how often a loop edge may re-run the node.
func (n *NodeBuilder) MaxRuns(max int) *NodeBuilder {
	n.node.MaxRuns = max
	return n
}

// ContinueOnFailure lets the run go on when the node fails.
func (n *NodeBuilder) ContinueOnFailure() *NodeBuilder {
	n.node.OnFailure = domain.ContinueOnFailure
	return n
}

// Skip disables the node.
func (n *NodeBuilder) Skip() *NodeBuilder {
	n.node.Skip = true
	return n
}

// Go adds an unconditional edge to the target node.
func (n *NodeBuilder) Go(target string) *NodeBuilder {
	n.builder.edges = append(n.builder.edges, domain.Edge{From: n.node.ID, To: target})
	return n
}

// Branch adds a guarded edge to the target node.
func (n *NodeBuilder) Branch(guard string, target string) *NodeBuilder {
	n.builder.edges = append(n.builder.edges, domain.Edge{From: n.node.ID, To: target, Guard: guard})
	return n
}

// Build returns the underlying domain.Node.
// This is primarily used by the Builder, but exposed for advanced usage.
func (n *NodeBuilder) Build() domain.Node {
	node := n.node
	node.Inputs = append([]domain.Binding(nil), n.node.Inputs...)
	if n.node.Config != nil {
		node.Config = make(map[string]any, len(n.node.Config))
		for k, v := range n.node.Config {
			node.Config[k] = v
		}
	}
	return node
}
