package tests

import (
	"context"
	"testing"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

// GraphLoaderContractTest is a reusable test suite that verifies if an adapter complies with ports.GraphLoader.
// want lists the nodes (by id and type) the loader is expected to produce.
func GraphLoaderContractTest(t *testing.T, loader ports.GraphLoader, want map[string]string) *domain.Graph {
	t.Helper()

	g, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error loading graph: %v", err)
	}

	t.Run("Nodes", func(t *testing.T) {
		if len(g.Nodes) != len(want) {
			t.Errorf("expected %d nodes, got %d", len(want), len(g.Nodes))
		}
		for id, typ := range want {
			n, ok := g.Node(id)
			if !ok {
				t.Errorf("node %s missing from graph", id)
				continue
			}
			if n.Type != typ {
				t.Errorf("node %s: type %q, want %q", id, n.Type, typ)
			}
		}
	})

	t.Run("Edges reference nodes", func(t *testing.T) {
		for _, e := range g.Edges {
			if _, ok := g.Node(e.From); !ok {
				t.Errorf("edge %s: unknown source", e)
			}
			if _, ok := g.Node(e.To); !ok {
				t.Errorf("edge %s: unknown target", e)
			}
		}
	})

	return g
}
