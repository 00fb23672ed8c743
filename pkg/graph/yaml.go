package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"gopkg.in/yaml.v3"
)

// edgeShorthand matches "source -> target" with an optional ": guard" suffix.
var edgeShorthand = regexp.MustCompile(`^\s*([A-Za-z0-9_\-./]+)\s*->\s*([A-Za-z0-9_\-./]+)\s*(?::\s*(.+?))?\s*$`)

type fileGraph struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description"`
	Nodes       []domain.Node `yaml:"nodes"`
	Edges       []fileEdge    `yaml:"edges"`
}

// fileEdge accepts either the mapping form or the "a -> b : guard" shorthand.
type fileEdge struct {
	domain.Edge
}

func (e *fileEdge) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		edge, err := ParseEdge(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		e.Edge = edge
		return nil
	}
	return value.Decode(&e.Edge)
}

// ParseEdge parses the "source -> target" or "source -> target : guard" shorthand.
func ParseEdge(s string) (domain.Edge, error) {
	m := edgeShorthand.FindStringSubmatch(s)
	if m == nil {
		return domain.Edge{}, fmt.Errorf("edge %q: expected '<source> -> <target>[ : <guard>]'", s)
	}
	return domain.Edge{From: m[1], To: m[2], Guard: strings.TrimSpace(m[3])}, nil
}

// Decode reads a YAML graph definition. The result is not validated; pass it
// to Compile.
func Decode(r io.Reader) (*domain.Graph, error) {
	var fg fileGraph
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fg); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("decode graph: empty document")
		}
		return nil, fmt.Errorf("decode graph: %w", err)
	}

	g := &domain.Graph{
		ID:          fg.ID,
		Description: fg.Description,
		Nodes:       fg.Nodes,
		Edges:       make([]domain.Edge, 0, len(fg.Edges)),
	}
	for _, e := range fg.Edges {
		g.Edges = append(g.Edges, e.Edge)
	}
	return g, nil
}

// DecodeBytes is Decode over a byte slice.
func DecodeBytes(b []byte) (*domain.Graph, error) {
	return Decode(bytes.NewReader(b))
}

// FileLoader loads a graph from a YAML file. It implements ports.GraphLoader.
type FileLoader struct {
	Path string
}

// Load reads and decodes the file. A missing graph id defaults to the file name.
func (l FileLoader) Load(_ context.Context) (*domain.Graph, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}
	defer f.Close()

	g, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Path, err)
	}
	if g.ID == "" {
		base := filepath.Base(l.Path)
		g.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return g, nil
}
