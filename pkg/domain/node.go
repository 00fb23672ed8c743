package domain

import (
	"fmt"
	"strings"
	"time"
)

// FailurePolicy decides what an executor failure does to the rest of the run.
type FailurePolicy string

const (
	// FailRun fails the whole run when the node fails. This is the default.
	FailRun FailurePolicy = "fail"
	// ContinueOnFailure records the failure and lets the run go on.
	// Consumers of the node treat it as having produced no output.
	ContinueOnFailure FailurePolicy = "continue"
)

// Node is a unit of work in the graph. Type names are resolved against the
// executor registry when the graph is compiled.
type Node struct {
	ID          string         `json:"id" yaml:"id" mapstructure:"id" validate:"required"`
	Type        string         `json:"type" yaml:"type" mapstructure:"type" validate:"required"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty" mapstructure:"config"`
	Inputs      []Binding      `json:"inputs,omitempty" yaml:"inputs,omitempty" mapstructure:"inputs" validate:"dive"`

	OnFailure FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty" mapstructure:"on_failure" validate:"omitempty,oneof=fail continue"`

	// Timeout bounds a single execution (e.g. "30s"). Empty means no node deadline.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`

	// MaxRuns bounds how many times the node may execute when a loop edge
	// re-arms it. Zero falls back to the engine default.
	MaxRuns int `json:"max_runs,omitempty" yaml:"max_runs,omitempty" mapstructure:"max_runs" validate:"gte=0"`

	// Skip disables the node: it is marked Skipped without being dispatched.
	Skip bool `json:"skip,omitempty" yaml:"skip,omitempty" mapstructure:"skip"`
}

// Policy returns the effective failure policy.
func (n Node) Policy() FailurePolicy {
	if n.OnFailure == "" {
		return FailRun
	}
	return n.OnFailure
}

// Deadline parses Timeout. A zero duration means no deadline.
func (n Node) Deadline() (time.Duration, error) {
	if n.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return 0, fmt.Errorf("node %q: invalid timeout %q: %w", n.ID, n.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("node %q: negative timeout %q", n.ID, n.Timeout)
	}
	return d, nil
}

// Binding declares one named input of a node and where its value comes from.
//
// The value is the output of From, optionally narrowed by Path (gjson syntax).
// When From produced no output (Skipped, or Failed under ContinueOnFailure)
// the Fallback sources are tried in order, then Default.
type Binding struct {
	Name     string   `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	From     string   `json:"from" yaml:"from" mapstructure:"from" validate:"required"`
	Path     string   `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty" mapstructure:"fallback"`
	Default  any      `json:"default,omitempty" yaml:"default,omitempty" mapstructure:"default"`

	// Optional resolves to nil instead of failing when nothing is available.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty" mapstructure:"optional"`
}

// Sources returns From followed by the fallbacks.
func (b Binding) Sources() []string {
	out := make([]string, 0, 1+len(b.Fallback))
	if b.From != "" {
		out = append(out, b.From)
	}
	return append(out, b.Fallback...)
}

// HasDefault reports whether the binding can resolve without any source output.
func (b Binding) HasDefault() bool {
	return b.Default != nil || b.Optional
}

// Edge connects two nodes. A non-empty Guard is evaluated against the
// source output and closes the edge when false.
type Edge struct {
	From  string `json:"from" yaml:"from" mapstructure:"from" validate:"required"`
	To    string `json:"to" yaml:"to" mapstructure:"to" validate:"required"`
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty" mapstructure:"guard"`
}

// Guarded reports whether the edge carries a guard.
func (e Edge) Guarded() bool {
	return strings.TrimSpace(e.Guard) != ""
}

func (e Edge) String() string {
	if e.Guarded() {
		return fmt.Sprintf("%s -> %s [%s]", e.From, e.To, e.Guard)
	}
	return fmt.Sprintf("%s -> %s", e.From, e.To)
}

// Graph is the configuration-time description of a workflow.
// It is never mutated once handed to the engine.
type Graph struct {
	ID          string `json:"id" yaml:"id" mapstructure:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Nodes       []Node `json:"nodes" yaml:"nodes" mapstructure:"nodes" validate:"required,min=1,dive"`
	Edges       []Edge `json:"edges,omitempty" yaml:"edges,omitempty" mapstructure:"edges" validate:"dive"`
}

// Node looks a node up by id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
