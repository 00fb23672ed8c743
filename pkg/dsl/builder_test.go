package dsl

import (
	"context"
	"testing"

	"github.com/aretw0/arbor/pkg/domain"
)

func TestBuilder_SimpleFlow(t *testing.T) {
	// 1. Build the graph using DSL
	b := New("review").Describe("Review and ship")

	b.Add("diff", "exec").
		Config("command", "git").
		Config("args", []any{"diff"}).
		Timeout("30s").
		Go("ask")

	b.Add("ask", "input").
		Config("prompt", "Ship it?").
		Input("diff", "diff").
		Branch("output = yes", "ship").
		Branch("output = no", "drop")

	b.Add("ship", "noop").Input("answer", "ask")
	b.Add("drop", "noop").Input("answer", "ask").ContinueOnFailure()

	// 2. Compile to Graph
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	// 3. Verify specific nodes
	if g.ID != "review" || g.Description != "Review and ship" {
		t.Errorf("unexpected graph header: %q %q", g.ID, g.Description)
	}
	if len(g.Nodes) != 4 {
		t.Fatalf("Expected 4 nodes, got %d", len(g.Nodes))
	}
	for i, id := range []string{"diff", "ask", "ship", "drop"} {
		if g.Nodes[i].ID != id {
			t.Errorf("node %d: expected %q, got %q", i, id, g.Nodes[i].ID)
		}
	}

	diff := g.Nodes[0]
	if diff.Type != "exec" || diff.Config["command"] != "git" || diff.Timeout != "30s" {
		t.Errorf("unexpected diff node: %+v", diff)
	}
	if g.Nodes[3].Policy() != domain.ContinueOnFailure {
		t.Errorf("Expected drop to continue on failure")
	}

	want := []domain.Edge{
		{From: "diff", To: "ask"},
		{From: "ask", To: "ship", Guard: "output = yes"},
		{From: "ask", To: "drop", Guard: "output = no"},
	}
	if len(g.Edges) != len(want) {
		t.Fatalf("Expected %d edges, got %d", len(want), len(g.Edges))
	}
	for i, e := range want {
		if g.Edges[i] != e {
			t.Errorf("edge %d: expected %v, got %v", i, e, g.Edges[i])
		}
	}
}

func TestBuilder_AddExistingKeepsType(t *testing.T) {
	b := New("g")
	b.Add("a", "noop").Config("output", 1)
	b.Add("a", "exec").MaxRuns(3).Skip()
	b.Edge("a", "a")

	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("Expected 1 node, got %d", len(g.Nodes))
	}
	n := g.Nodes[0]
	if n.Type != "noop" || n.MaxRuns != 3 || !n.Skip || n.Config["output"] != 1 {
		t.Errorf("unexpected node: %+v", n)
	}
}

func TestBuilder_BuildIsolatesGraphs(t *testing.T) {
	b := New("g")
	nb := b.Add("a", "noop").Config("output", "first")
	g1, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	nb.Config("output", "second")

	if g1.Nodes[0].Config["output"] != "first" {
		t.Errorf("built graph changed after further building: %v", g1.Nodes[0].Config)
	}
}

func TestBuilder_Errors(t *testing.T) {
	if _, err := New("").Build(); err == nil {
		t.Error("Expected an error for a missing graph id")
	}
	b := New("g")
	b.Add("a", "")
	if _, err := b.Build(); err == nil {
		t.Error("Expected an error for a missing node type")
	}
}

func TestBuilder_Loader(t *testing.T) {
	b := New("g")
	b.Add("a", "noop").Go("b")
	b.Add("b", "noop")

	loader, err := b.Loader()
	if err != nil {
		t.Fatalf("Loader() failed: %v", err)
	}
	g, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Errorf("unexpected graph: %d nodes, %d edges", len(g.Nodes), len(g.Edges))
	}
}
