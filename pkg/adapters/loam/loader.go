// Package loam loads graphs from a directory of node documents through the
// Loam library. Every Markdown, YAML or JSON file is one node; its front
// matter is a NodeMetadata.
package loam

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/graph"
	"github.com/aretw0/loam"
	"github.com/mitchellh/mapstructure"
)

// Loader adapts a Loam repository to ports.GraphLoader.
type Loader struct {
	Repo *loam.TypedRepository[NodeMetadata]

	graphID string
}

// Option configures the Loader.
type Option func(*Loader)

// WithGraphID sets the graph id used when no header document names one.
func WithGraphID(id string) Option {
	return func(l *Loader) {
		l.graphID = id
	}
}

// New creates a new Loam adapter.
func New(repo *loam.TypedRepository[NodeMetadata], opts ...Option) *Loader {
	l := &Loader{Repo: repo}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open initialises a read-only Loam repository over dir. The graph id
// defaults to the directory name.
func Open(dir string, opts ...Option) (*Loader, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	// Strict mode decodes numbers as json.Number in every format; the engine
	// never writes to the graph directory.
	repo, err := loam.Init(absPath,
		loam.WithStrict(true),
		loam.WithReadOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loam: %w", err)
	}
	opts = append([]Option{WithGraphID(filepath.Base(absPath))}, opts...)
	return New(loam.NewTypedRepository[NodeMetadata](repo), opts...), nil
}

// Load reads every document and assembles the graph. Nodes are sorted by id.
// The result is not validated; pass it to graph.Compile.
func (l *Loader) Load(ctx context.Context) (*domain.Graph, error) {
	docs, err := l.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}

	g := &domain.Graph{ID: l.graphID}
	seen := make(map[string]string)
	for _, doc := range docs {
		meta := doc.Data
		rawID := meta.ID
		if rawID == "" {
			rawID = doc.ID
		}
		id := trimExtension(rawID)

		if meta.Graph {
			if meta.ID != "" {
				g.ID = meta.ID
			}
			g.Description = meta.Description
			continue
		}

		if existingPath, ok := seen[id]; ok {
			return nil, fmt.Errorf("collision detected: ID '%s' is defined in both '%s' and '%s'", id, existingPath, doc.ID)
		}
		seen[id] = doc.ID

		node, edges, err := buildNode(id, meta, doc.Content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.ID, err)
		}
		g.Nodes = append(g.Nodes, node)
		g.Edges = append(g.Edges, edges...)
	}

	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
	sort.SliceStable(g.Edges, func(i, j int) bool { return g.Edges[i].From < g.Edges[j].From })
	return g, nil
}

func buildNode(id string, meta NodeMetadata, content string) (domain.Node, []domain.Edge, error) {
	node := domain.Node{
		ID:          id,
		Type:        meta.Type,
		Description: meta.Description,
		Config:      normalizeMap(meta.Config),
		Inputs:      meta.Inputs,
		OnFailure:   domain.FailurePolicy(meta.OnFailure),
		Timeout:     meta.Timeout,
		MaxRuns:     meta.MaxRuns,
		Skip:        meta.Skip,
	}
	for i := range node.Inputs {
		node.Inputs[i].Default = normalize(node.Inputs[i].Default)
	}

	if meta.Body != "" {
		if _, ok := node.Config[meta.Body]; ok {
			return domain.Node{}, nil, fmt.Errorf("config key %q is set both in config and as the body", meta.Body)
		}
		if node.Config == nil {
			node.Config = make(map[string]any)
		}
		node.Config[meta.Body] = strings.TrimSpace(content)
	}

	edges := make([]domain.Edge, 0, len(meta.Next))
	for _, item := range meta.Next {
		edge, err := parseNext(id, item)
		if err != nil {
			return domain.Node{}, nil, err
		}
		edges = append(edges, edge)
	}
	return node, edges, nil
}

// parseNext reads one entry of a node's next list.
func parseNext(from string, item any) (domain.Edge, error) {
	switch v := item.(type) {
	case string:
		return graph.ParseEdge(from + " -> " + v)
	case map[string]any, map[any]any:
		var edge domain.Edge
		if err := mapstructure.Decode(v, &edge); err != nil {
			return domain.Edge{}, fmt.Errorf("failed to decode edge: %w", err)
		}
		if edge.To == "" {
			return domain.Edge{}, fmt.Errorf("edge from %s: missing target", from)
		}
		edge.From = from
		return edge, nil
	default:
		return domain.Edge{}, fmt.Errorf("invalid edge definition type: %T", v)
	}
}

// normalize turns the json.Number values of strict mode into int64 or
// float64 so that configs compare and serialise like YAML-loaded ones.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		return normalizeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

func normalizeMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalize(v)
	}
	return out
}

func trimExtension(id string) string {
	ext := filepath.Ext(id)
	if ext != "" {
		return filepath.ToSlash(strings.TrimSuffix(id, ext))
	}
	return filepath.ToSlash(id)
}

// Watch reports the ids of changed documents until ctx is done.
func (l *Loader) Watch(ctx context.Context) (<-chan string, error) {
	events, err := l.Repo.Watch(ctx, "**/*.{md,json,yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("failed to start loam watcher: %w", err)
	}

	ch := make(chan string, 1)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				select {
				case ch <- evt.ID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
