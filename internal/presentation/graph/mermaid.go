package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
)

// Overlay carries run state to paint on top of the graph.
type Overlay struct {
	Statuses map[string]domain.NodeStatus
	Waiting  []string
}

// OverlayFromSnapshot paints a run snapshot.
func OverlayFromSnapshot(snap domain.Snapshot) *Overlay {
	o := &Overlay{Statuses: snap.Statuses()}
	for _, n := range snap.Nodes {
		if n.AwaitingInput {
			o.Waiting = append(o.Waiting, n.ID)
		}
	}
	return o
}

// GenerateMermaid produces a Mermaid flowchart for g.
// Shapes follow the node role:
// - Root (no inbound edge): ((Circle))
// - exec: [[Subroutine]]
// - input: [/Parallelogram/]
// - llm: {{Hexagon}}
// - Default: [Rectangle]
// Guards label their edge; edges into an earlier node (loops) are dotted.
func GenerateMermaid(g *domain.Graph, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	inbound := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		inbound[e.To] = true
	}
	order := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		order[n.ID] = i
	}

	for _, node := range g.Nodes {
		safeID := sanitizeMermaidID(node.ID)

		opener, closer := "[", "]"
		switch {
		case !inbound[node.ID]:
			opener, closer = "((", "))"
		case node.Type == "exec":
			opener, closer = "[[", "]]"
		case node.Type == "input":
			opener, closer = "[/", "/]"
		case node.Type == "llm":
			opener, closer = "{{", "}}"
		}

		label := escapeLabel(node.ID)
		if node.Timeout != "" {
			label = fmt.Sprintf("%s <br/> ⏱️ %s", label, node.Timeout)
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, label, closer)
	}

	for _, e := range g.Edges {
		loop := order[e.To] <= order[e.From]
		arrow := "-->"
		if loop {
			arrow = "-.->"
		}
		if e.Guarded() {
			guard := escapeLabel(e.Guard)
			arrow = fmt.Sprintf("-- \"%s\" -->", guard)
			if loop {
				arrow = fmt.Sprintf("-. \"%s\" .->", guard)
			}
		}
		fmt.Fprintf(&sb, "    %s %s %s\n", sanitizeMermaidID(e.From), arrow, sanitizeMermaidID(e.To))
	}

	var skipped []string
	for _, node := range g.Nodes {
		if node.Skip {
			skipped = append(skipped, sanitizeMermaidID(node.ID))
		}
	}
	if len(skipped) > 0 {
		sb.WriteString("    classDef disabled stroke-dasharray: 5 5,color:#888;\n")
		fmt.Fprintf(&sb, "    class %s disabled;\n", strings.Join(skipped, ","))
	}

	if overlay != nil {
		writeOverlay(&sb, g, overlay)
	}
	return sb.String()
}

var statusClasses = []struct {
	status domain.NodeStatus
	def    string
}{
	{domain.NodeSucceeded, "fill:#c8e6c9,stroke:#2e7d32,color:#000"},
	{domain.NodeFailed, "fill:#ffcdd2,stroke:#c62828,color:#000"},
	{domain.NodeRunning, "fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000"},
	{domain.NodeSkipped, "fill:#eeeeee,stroke:#9e9e9e,color:#000"},
	{domain.NodeCancelled, "fill:#ffe0b2,stroke:#ef6c00,color:#000"},
}

func writeOverlay(sb *strings.Builder, g *domain.Graph, overlay *Overlay) {
	sb.WriteString("\n    %% Run state\n")
	// Force black text for contrast on light fills regardless of theme.
	for _, c := range statusClasses {
		fmt.Fprintf(sb, "    classDef %s %s;\n", c.status, c.def)
	}
	sb.WriteString("    classDef waiting fill:#e1f5fe,stroke:#01579b,stroke-width:4px,color:#000;\n")

	for _, c := range statusClasses {
		var ids []string
		for _, node := range g.Nodes {
			if overlay.Statuses[node.ID] == c.status {
				ids = append(ids, sanitizeMermaidID(node.ID))
			}
		}
		if len(ids) > 0 {
			fmt.Fprintf(sb, "    class %s %s;\n", strings.Join(ids, ","), c.status)
		}
	}

	if len(overlay.Waiting) > 0 {
		ids := make([]string, 0, len(overlay.Waiting))
		for _, id := range overlay.Waiting {
			ids = append(ids, sanitizeMermaidID(id))
		}
		sort.Strings(ids)
		fmt.Fprintf(sb, "    class %s waiting;\n", strings.Join(ids, ","))
	}
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_").Replace(id)
}
