// Package registry holds the explicit, immutable-after-build maps from node
// type names to executors and from tool names to tools.
package registry

import (
	"fmt"
	"sort"

	"github.com/aretw0/arbor/pkg/ports"
)

// Registry maps node type names to executors.
// It is read-only once built and safe to share across runs.
type Registry struct {
	executors map[string]ports.Executor
}

// Builder collects executor registrations.
type Builder struct {
	executors map[string]ports.Executor
	errs      []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{executors: make(map[string]ports.Executor)}
}

// Register adds an executor for a type name. Registering the same name twice
// is an error reported by Build.
func (b *Builder) Register(typeName string, ex ports.Executor) *Builder {
	switch {
	case typeName == "":
		b.errs = append(b.errs, fmt.Errorf("executor type name must not be empty"))
	case ex == nil:
		b.errs = append(b.errs, fmt.Errorf("executor %q is nil", typeName))
	default:
		if _, dup := b.executors[typeName]; dup {
			b.errs = append(b.errs, fmt.Errorf("executor %q registered twice", typeName))
			return b
		}
		b.executors[typeName] = ex
	}
	return b
}

// RegisterFunc adds a function executor.
func (b *Builder) RegisterFunc(typeName string, fn ports.ExecutorFunc) *Builder {
	if fn == nil {
		return b.Register(typeName, nil)
	}
	return b.Register(typeName, fn)
}

// Build freezes the registrations.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, joinErrors("executor registry", b.errs)
	}
	frozen := make(map[string]ports.Executor, len(b.executors))
	for k, v := range b.executors {
		frozen[k] = v
	}
	return &Registry{executors: frozen}, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the executor registered for typeName.
func (r *Registry) Lookup(typeName string) (ports.Executor, bool) {
	ex, ok := r.executors[typeName]
	return ex, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func joinErrors(what string, errs []error) error {
	if len(errs) == 1 {
		return fmt.Errorf("%s: %w", what, errs[0])
	}
	msg := fmt.Sprintf("%s: %d errors", what, len(errs))
	for _, err := range errs {
		msg += "; " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}
