package loam

import (
	"github.com/aretw0/arbor/pkg/domain"
)

// NodeMetadata is the front matter of a node document.
// It uses "mapstructure" tags to match standard Frontmatter/YAML keys.
type NodeMetadata struct {
	ID          string           `json:"id" mapstructure:"id"`
	Type        string           `json:"type" mapstructure:"type"`
	Description string           `json:"description" mapstructure:"description"`
	Config      map[string]any   `json:"config" mapstructure:"config"`
	Inputs      []domain.Binding `json:"inputs" mapstructure:"inputs"`
	OnFailure   string           `json:"on_failure" mapstructure:"on_failure"`
	Timeout     string           `json:"timeout,omitempty" mapstructure:"timeout"`
	MaxRuns     int              `json:"max_runs" mapstructure:"max_runs"`
	Skip        bool             `json:"skip" mapstructure:"skip"`

	// Next lists outgoing edges, each either "target", "target : guard" or
	// a {to, guard} mapping.
	Next []any `json:"next" mapstructure:"next"`

	// Body names the config key that receives the document body, e.g.
	// "prompt" for an llm node written as Markdown.
	Body string `json:"body" mapstructure:"body"`

	// Graph marks the document as the graph header instead of a node.
	Graph bool `json:"graph" mapstructure:"graph"`
}
