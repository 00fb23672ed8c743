package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/schema"
)

// ToolFunction defines the signature for a tool implementation.
// It receives a context and a map of arguments, and returns a result or error.
type ToolFunction func(ctx context.Context, args map[string]any) (any, error)

type funcTool struct {
	spec domain.ToolSpec
	fn   ToolFunction
}

// NewTool adapts a function into a ports.Tool.
func NewTool(spec domain.ToolSpec, fn ToolFunction) ports.Tool {
	return &funcTool{spec: spec, fn: fn}
}

func (t *funcTool) Spec() domain.ToolSpec { return t.spec }

func (t *funcTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

type toolEntry struct {
	tool   ports.Tool
	schema *schema.Schema
}

// Tools maps tool names to tools. Read-only once built.
type Tools struct {
	tools map[string]toolEntry
}

// ToolBuilder collects tool registrations.
type ToolBuilder struct {
	tools []ports.Tool
}

// NewToolBuilder creates an empty builder.
func NewToolBuilder() *ToolBuilder {
	return &ToolBuilder{}
}

// Register adds a tool.
func (b *ToolBuilder) Register(tool ports.Tool) *ToolBuilder {
	b.tools = append(b.tools, tool)
	return b
}

// RegisterFunc adds a function tool.
func (b *ToolBuilder) RegisterFunc(spec domain.ToolSpec, fn ToolFunction) *ToolBuilder {
	return b.Register(NewTool(spec, fn))
}

// Build compiles every argument schema and freezes the registrations.
func (b *ToolBuilder) Build() (*Tools, error) {
	out := &Tools{tools: make(map[string]toolEntry, len(b.tools))}
	var errs []error
	for _, tool := range b.tools {
		spec := tool.Spec()
		if spec.Name == "" {
			errs = append(errs, fmt.Errorf("tool with empty name"))
			continue
		}
		if _, dup := out.tools[spec.Name]; dup {
			errs = append(errs, fmt.Errorf("tool %q registered twice", spec.Name))
			continue
		}
		s, err := schema.Compile(spec.Parameters)
		if err != nil {
			errs = append(errs, fmt.Errorf("tool %q: %w", spec.Name, err))
			continue
		}
		out.tools[spec.Name] = toolEntry{tool: tool, schema: s}
	}
	if len(errs) > 0 {
		return nil, joinErrors("tool registry", errs)
	}
	return out, nil
}

// EmptyTools returns a registry without tools.
func EmptyTools() *Tools {
	return &Tools{tools: map[string]toolEntry{}}
}

// Lookup returns the tool registered under name.
func (t *Tools) Lookup(name string) (ports.Tool, bool) {
	e, ok := t.tools[name]
	return e.tool, ok
}

// Names returns the registered tool names, sorted.
func (t *Tools) Names() []string {
	out := make([]string, 0, len(t.tools))
	for k := range t.tools {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Specs returns the specs of the registered tools, sorted by name.
func (t *Tools) Specs() []domain.ToolSpec {
	names := t.Names()
	out := make([]domain.ToolSpec, 0, len(names))
	for _, n := range names {
		out = append(out, t.tools[n].tool.Spec())
	}
	return out
}

// Subset returns a registry restricted to names. Unknown names fail with
// *domain.ToolNotFoundError. An empty list selects every tool.
func (t *Tools) Subset(names []string) (*Tools, error) {
	if len(names) == 0 {
		return t, nil
	}
	out := &Tools{tools: make(map[string]toolEntry, len(names))}
	for _, n := range names {
		e, ok := t.tools[n]
		if !ok {
			return nil, &domain.ToolNotFoundError{Name: n}
		}
		out.tools[n] = e
	}
	return out, nil
}

// Call validates args and invokes the named tool.
// An unknown name fails with *domain.ToolNotFoundError.
func (t *Tools) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	e, ok := t.tools[name]
	if !ok {
		return nil, &domain.ToolNotFoundError{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := e.schema.Validate(args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return e.tool.Call(ctx, args)
}

// Invoke executes a model tool call and always produces a result for the
// model. Failures, unknown tools included, become error results. The
// returned error is non-nil only when ctx is done, so callers can stop the turn.
func (t *Tools) Invoke(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	res := domain.ToolResult{ID: call.ID, Name: call.Name}

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			res.IsError = true
			res.Content = fmt.Sprintf("invalid JSON arguments: %v", err)
			return res, nil
		}
	}

	out, err := t.Call(ctx, call.Name, args)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if err != nil {
		res.IsError = true
		res.Content = err.Error()
		var notFound *domain.ToolNotFoundError
		if errors.As(err, &notFound) {
			res.Content = fmt.Sprintf("%s (available: %s)", err.Error(), strings.Join(t.Names(), ", "))
		}
		return res, nil
	}
	res.Content = Stringify(out)
	return res, nil
}

// Stringify renders a tool result for the model.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
