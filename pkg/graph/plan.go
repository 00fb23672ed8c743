// Package graph validates graph definitions and compiles them into a Plan:
// an indexed, read-only view with resolved executors, compiled guards and a
// classification of edges into forward and loop edges.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/arbor/pkg/cond"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/go-playground/validator/v10"
)

// Edge is a compiled edge.
//
// Loop edges are guarded edges that close a cycle. They never block
// readiness; when one fires it re-arms its target.
type Edge struct {
	Index int
	From  string
	To    string
	Guard *cond.Expr
	Loop  bool
}

// Open reports whether the edge lets its target run, given the source output.
func (e Edge) Open(output any) bool {
	return e.Guard.Eval(output)
}

// Plan is a validated graph. It is immutable and shared by every run of the graph.
type Plan struct {
	graph      *domain.Graph
	ids        []string
	nodes      map[string]domain.Node
	executors  map[string]ports.Executor
	timeouts   map[string]time.Duration
	inbound    map[string][]Edge
	loops      map[string][]Edge
	deps       map[string][]string
	downstream map[string][]string
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Compile validates g against the executor registry and builds its plan.
// Every problem found is reported in a single *domain.ValidationError.
func Compile(g *domain.Graph, reg *registry.Registry) (*Plan, error) {
	if g == nil {
		return nil, &domain.ValidationError{Problems: []string{"graph is nil"}}
	}
	verr := &domain.ValidationError{}
	structProblems(g, verr)

	p := &Plan{
		graph:      g,
		nodes:      make(map[string]domain.Node, len(g.Nodes)),
		executors:  make(map[string]ports.Executor, len(g.Nodes)),
		timeouts:   make(map[string]time.Duration),
		inbound:    make(map[string][]Edge),
		loops:      make(map[string][]Edge),
		deps:       make(map[string][]string),
		downstream: make(map[string][]string),
	}

	for _, n := range g.Nodes {
		if n.ID == "" {
			continue
		}
		if _, dup := p.nodes[n.ID]; dup {
			verr.Add("duplicate node id %q", n.ID)
			continue
		}
		p.nodes[n.ID] = n
		p.ids = append(p.ids, n.ID)
		p.checkNode(n, reg, verr)
	}
	sort.Strings(p.ids)

	edges := p.checkEdges(g.Edges, verr)
	p.checkBindings(verr)
	if len(verr.Problems) > 0 {
		return nil, verr
	}

	if cycle := p.unconditionalCycle(edges); cycle != nil {
		verr.Add("cycle without a guarded edge: %s", strings.Join(cycle, " -> "))
		return nil, verr
	}
	p.classify(edges)
	p.checkLoopEntries(edges, verr)
	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return p, nil
}

func structProblems(g *domain.Graph, verr *domain.ValidationError) {
	err := structValidator.Struct(g)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.Add("%v", err)
		return
	}
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			verr.Add("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
			continue
		}
		verr.Add("%s: failed %s", fe.Namespace(), fe.Tag())
	}
}

func (p *Plan) checkNode(n domain.Node, reg *registry.Registry, verr *domain.ValidationError) {
	if d, err := n.Deadline(); err != nil {
		verr.Add("%v", err)
	} else if d > 0 {
		p.timeouts[n.ID] = d
	}
	if n.Type == "" {
		return
	}
	ex, ok := reg.Lookup(n.Type)
	if !ok {
		verr.Add("node %q: unknown executor type %q (registered: %s)", n.ID, n.Type, strings.Join(reg.Types(), ", "))
		return
	}
	p.executors[n.ID] = ex
	if cv, ok := ex.(ports.ConfigValidator); ok {
		if err := cv.ValidateConfig(n.Config); err != nil {
			verr.Add("node %q: invalid config: %v", n.ID, err)
		}
	}
}

func (p *Plan) checkEdges(raw []domain.Edge, verr *domain.ValidationError) []Edge {
	edges := make([]Edge, 0, len(raw))
	for i, e := range raw {
		_, okFrom := p.nodes[e.From]
		_, okTo := p.nodes[e.To]
		if !okFrom {
			verr.Add("edge %d (%s): unknown source node %q", i, e, e.From)
		}
		if !okTo {
			verr.Add("edge %d (%s): unknown target node %q", i, e, e.To)
		}
		guard, err := cond.Compile(e.Guard)
		if err != nil {
			verr.Add("edge %d (%s): %v", i, e, err)
		}
		if okFrom && okTo && err == nil {
			edges = append(edges, Edge{Index: i, From: e.From, To: e.To, Guard: guard})
		}
	}
	return edges
}

func (p *Plan) checkBindings(verr *domain.ValidationError) {
	for _, id := range p.ids {
		n := p.nodes[id]
		seen := make(map[string]bool, len(n.Inputs))
		for _, b := range n.Inputs {
			if b.Name != "" && seen[b.Name] {
				verr.Add("node %q: input %q declared twice", id, b.Name)
			}
			seen[b.Name] = true
			for _, src := range b.Sources() {
				if _, ok := p.nodes[src]; !ok {
					verr.Add("node %q: input %q references unknown node %q", id, b.Name, src)
				}
			}
		}
	}
}

// unconditionalCycle looks for a cycle made only of unguarded edges and
// binding dependencies and returns it, or nil.
func (p *Plan) unconditionalCycle(edges []Edge) []string {
	adj := make(map[string][]string)
	for _, e := range edges {
		if e.Guard == nil {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}
	for _, id := range p.ids {
		for _, b := range p.nodes[id].Inputs {
			for _, src := range b.Sources() {
				adj[src] = append(adj[src], id)
			}
		}
	}
	return findCycle(p.ids, adj)
}

// findCycle runs a three-colour depth-first search and returns the first
// cycle found as a path that starts and ends on the same node.
func findCycle(ids []string, adj map[string][]string) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(ids))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)
		next := append([]string(nil), adj[id]...)
		sort.Strings(next)
		for _, to := range next {
			switch state[to] {
			case onStack:
				for i, s := range stack {
					if s == to {
						cycle = append(append([]string(nil), stack[i:]...), to)
						return true
					}
				}
			case unvisited:
				if visit(to) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// classify splits edges into forward and loop edges and derives the
// dependency and reachability indexes used by the scheduler.
func (p *Plan) classify(edges []Edge) {
	full := make(map[string][]string)
	for _, e := range edges {
		full[e.From] = append(full[e.From], e.To)
	}
	for _, id := range p.ids {
		for _, b := range p.nodes[id].Inputs {
			for _, src := range b.Sources() {
				full[src] = append(full[src], id)
			}
		}
	}

	forward := make(map[string][]string)
	deps := make(map[string]map[string]bool)
	addDep := func(to, from string) {
		if deps[to] == nil {
			deps[to] = make(map[string]bool)
		}
		deps[to][from] = true
	}

	for _, e := range edges {
		if e.Guard != nil && reachable(full, e.To, e.From) {
			e.Loop = true
			p.loops[e.From] = append(p.loops[e.From], e)
			continue
		}
		p.inbound[e.To] = append(p.inbound[e.To], e)
		forward[e.From] = append(forward[e.From], e.To)
		addDep(e.To, e.From)
	}
	for _, id := range p.ids {
		for _, b := range p.nodes[id].Inputs {
			for _, src := range b.Sources() {
				forward[src] = append(forward[src], id)
				addDep(id, src)
			}
		}
	}

	for id, set := range deps {
		list := make([]string, 0, len(set))
		for d := range set {
			list = append(list, d)
		}
		sort.Strings(list)
		p.deps[id] = list
	}

	for _, loops := range p.loops {
		for _, e := range loops {
			if _, ok := p.downstream[e.To]; !ok {
				p.downstream[e.To] = reach(forward, e.To)
			}
		}
	}
}

// checkLoopEntries rejects nodes whose every inbound edge is a loop edge
// while the node also lies downstream of an entry node. Such a node would
// start as a root before the guard meant to enter it was ever evaluated.
// A loop-only node nothing else leads to is an entry itself, as in a
// retry loop or a self loop.
func (p *Plan) checkLoopEntries(edges []Edge, verr *domain.ValidationError) {
	full := make(map[string][]string)
	hasInbound := make(map[string]bool)
	for _, e := range edges {
		full[e.From] = append(full[e.From], e.To)
		hasInbound[e.To] = true
	}
	for _, id := range p.ids {
		for _, b := range p.nodes[id].Inputs {
			for _, src := range b.Sources() {
				full[src] = append(full[src], id)
				hasInbound[id] = true
			}
		}
	}

	downstream := make(map[string]bool)
	for _, id := range p.ids {
		if hasInbound[id] {
			continue
		}
		for _, n := range reach(full, id) {
			if n != id {
				downstream[n] = true
			}
		}
	}

	entered := make(map[string][]string)
	for _, loops := range p.loops {
		for _, e := range loops {
			if e.From != e.To {
				entered[e.To] = append(entered[e.To], e.From+" -> "+e.To)
			}
		}
	}
	for _, id := range p.ids {
		via, ok := entered[id]
		if !ok || len(p.inbound[id]) > 0 || !downstream[id] {
			continue
		}
		sort.Strings(via)
		verr.Add("node %q is reached only through loop edge %s, yet other nodes lead to it: it would start before that guard is evaluated", id, strings.Join(via, ", "))
	}
}

func reachable(adj map[string][]string, from, to string) bool {
	for _, id := range reach(adj, from) {
		if id == to {
			return true
		}
	}
	return false
}

// reach returns every node reachable from start, start included, sorted.
func reach(adj map[string][]string, start string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range adj[id] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Graph returns the source graph.
func (p *Plan) Graph() *domain.Graph { return p.graph }

// NodeIDs returns every node id, sorted.
func (p *Plan) NodeIDs() []string { return p.ids }

// Node returns the node definition.
func (p *Plan) Node(id string) (domain.Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Executor returns the executor resolved for the node at compile time.
func (p *Plan) Executor(id string) ports.Executor { return p.executors[id] }

// Timeout returns the node deadline, zero when unset.
func (p *Plan) Timeout(id string) time.Duration { return p.timeouts[id] }

// Inbound returns the forward edges that end at id.
func (p *Plan) Inbound(id string) []Edge { return p.inbound[id] }

// LoopsFrom returns the loop edges that start at id.
func (p *Plan) LoopsFrom(id string) []Edge { return p.loops[id] }

// Dependencies returns the input-producing predecessors of id: sources of
// forward edges and of bindings.
func (p *Plan) Dependencies(id string) []string { return p.deps[id] }

// Downstream returns the nodes a loop edge re-arms when it fires into id:
// id itself and everything forward-reachable from it.
func (p *Plan) Downstream(id string) []string {
	if d, ok := p.downstream[id]; ok {
		return d
	}
	return []string{id}
}

// HasLoops reports whether the graph contains loop edges.
func (p *Plan) HasLoops() bool { return len(p.loops) > 0 }

// String describes the plan for logs.
func (p *Plan) String() string {
	return fmt.Sprintf("graph %q: %d nodes, %d loop sources", p.graph.ID, len(p.ids), len(p.loops))
}
