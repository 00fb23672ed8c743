package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(_ context.Context, req domain.ExecRequest) (any, error) {
	return req.Inputs, nil
}

func TestBuilder(t *testing.T) {
	reg, err := NewBuilder().
		RegisterFunc("echo", echo).
		RegisterFunc("noop", func(context.Context, domain.ExecRequest) (any, error) { return nil, nil }).
		Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"echo", "noop"}, reg.Types())

	ex, ok := reg.Lookup("echo")
	require.True(t, ok)
	out, err := ex.Execute(context.Background(), domain.ExecRequest{Inputs: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestBuilder_Errors(t *testing.T) {
	_, err := NewBuilder().RegisterFunc("echo", echo).RegisterFunc("echo", echo).Build()
	assert.ErrorContains(t, err, "registered twice")

	_, err = NewBuilder().Register("", nil).Build()
	assert.Error(t, err)

	_, err = NewBuilder().Register("x", nil).Build()
	assert.ErrorContains(t, err, "nil")
}

func TestBuilder_RegistryIsFrozen(t *testing.T) {
	b := NewBuilder().RegisterFunc("echo", echo)
	reg := b.MustBuild()
	b.RegisterFunc("late", echo)

	_, ok := reg.Lookup("late")
	assert.False(t, ok)
}

func readFileTool() (domain.ToolSpec, ToolFunction) {
	spec := domain.ToolSpec{
		Name:        "read_file",
		Description: "reads a file",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}
	return spec, func(_ context.Context, args map[string]any) (any, error) {
		if args["path"] == "boom" {
			return nil, errors.New("disk on fire")
		}
		return "content of " + args["path"].(string), nil
	}
}

func TestTools_Call(t *testing.T) {
	tools, err := NewToolBuilder().RegisterFunc(readFileTool()).Build()
	require.NoError(t, err)

	out, err := tools.Call(context.Background(), "read_file", map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "content of a.txt", out)

	_, err = tools.Call(context.Background(), "read_file", map[string]any{})
	assert.ErrorContains(t, err, "invalid arguments")

	_, err = tools.Call(context.Background(), "write_file", nil)
	var notFound *domain.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "write_file", notFound.Name)
}

func TestTools_Invoke(t *testing.T) {
	tools, err := NewToolBuilder().RegisterFunc(readFileTool()).Build()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name      string
		call      domain.ToolCall
		wantError bool
		contains  string
	}{
		{"ok", domain.ToolCall{ID: "1", Name: "read_file", Arguments: `{"path":"x"}`}, false, "content of x"},
		{"unknown tool", domain.ToolCall{ID: "2", Name: "nope", Arguments: `{}`}, true, "tool not found: nope (available: read_file)"},
		{"bad json", domain.ToolCall{ID: "3", Name: "read_file", Arguments: `{`}, true, "invalid JSON"},
		{"tool failure", domain.ToolCall{ID: "4", Name: "read_file", Arguments: `{"path":"boom"}`}, true, "disk on fire"},
		{"schema violation", domain.ToolCall{ID: "5", Name: "read_file", Arguments: ``}, true, "invalid arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tools.Invoke(ctx, tt.call)
			require.NoError(t, err)
			assert.Equal(t, tt.call.ID, res.ID)
			assert.Equal(t, tt.wantError, res.IsError)
			assert.Contains(t, res.Content, tt.contains)
		})
	}
}

func TestTools_InvokeCancelled(t *testing.T) {
	tools, err := NewToolBuilder().RegisterFunc(readFileTool()).Build()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tools.Invoke(ctx, domain.ToolCall{ID: "1", Name: "read_file", Arguments: `{"path":"x"}`})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTools_Subset(t *testing.T) {
	spec, fn := readFileTool()
	other := domain.ToolSpec{Name: "list_dir"}
	tools, err := NewToolBuilder().RegisterFunc(spec, fn).RegisterFunc(other, fn).Build()
	require.NoError(t, err)

	sub, err := tools.Subset([]string{"list_dir"})
	require.NoError(t, err)
	assert.Equal(t, []string{"list_dir"}, sub.Names())

	all, err := tools.Subset(nil)
	require.NoError(t, err)
	assert.Len(t, all.Specs(), 2)

	_, err = tools.Subset([]string{"nope"})
	var notFound *domain.ToolNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestToolBuilder_Duplicate(t *testing.T) {
	spec, fn := readFileTool()
	_, err := NewToolBuilder().RegisterFunc(spec, fn).RegisterFunc(spec, fn).Build()
	assert.ErrorContains(t, err, "registered twice")
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "x", Stringify("x"))
	assert.Equal(t, "{\n  \"a\": 1\n}", Stringify(map[string]int{"a": 1}))
}
