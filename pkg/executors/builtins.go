// Package executors provides the built-in node types: noop, input, exec,
// file_read, llm, apply_patch and result.
package executors

import (
	"log/slog"
	"os"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/adapters/process"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
)

// Built-in type names.
const (
	TypeNoop       = "noop"
	TypeInput      = "input"
	TypeExec       = "exec"
	TypeFileRead   = "file_read"
	TypeLLM        = "llm"
	TypeApplyPatch = "apply_patch"
	TypeResult     = "result"
)

type options struct {
	runner  *process.Runner
	baseDir string
	model   ports.Model
	tools   *registry.Tools
	logger  *slog.Logger
}

// Option configures the built-ins.
type Option func(*options)

// WithRunner sets the process runner used by exec nodes.
// The default allows inline commands in the base directory.
func WithRunner(r *process.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithBaseDir roots file_read, apply_patch, llm preprocessors and the
// default exec runner.
func WithBaseDir(dir string) Option {
	return func(o *options) { o.baseDir = dir }
}

// WithModel sets the transport used by llm nodes. Without it llm nodes fail
// validation.
func WithModel(m ports.Model) Option {
	return func(o *options) { o.model = m }
}

// WithTools sets the tools offered to llm nodes.
func WithTools(t *registry.Tools) Option {
	return func(o *options) { o.tools = t }
}

// WithLogger sets the logger of exec and llm nodes.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Register adds every built-in to b.
func Register(b *registry.Builder, opts ...Option) *registry.Builder {
	o := options{baseDir: ".", logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runner == nil {
		o.runner = process.NewRunner(process.WithInlineExecution(true), process.WithBaseDir(o.baseDir))
	}

	return b.
		Register(TypeNoop, Noop{}).
		Register(TypeInput, Input{}).
		Register(TypeExec, NewExec(o.runner, o.logger)).
		Register(TypeFileRead, NewFileRead(o.baseDir)).
		Register(TypeLLM, NewLLM(o.model, o.tools, o.logger).WithFiles(os.DirFS(o.baseDir))).
		Register(TypeApplyPatch, NewApplyPatch(o.baseDir)).
		Register(TypeResult, Result{})
}

// Builtins returns a builder holding the built-ins, ready for more
// registrations.
func Builtins(opts ...Option) *registry.Builder {
	return Register(registry.NewBuilder(), opts...)
}
