package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

// EnvPrefix prefixes the environment variables that carry call arguments.
const EnvPrefix = "ARBOR_ARG_"

// DefaultMaxOutput caps the captured stdout and stderr of one process.
const DefaultMaxOutput = 1 << 20

// Runner executes local processes.
// Named processes come from an allow-list; ad-hoc commands are refused unless
// inline execution is enabled.
type Runner struct {
	registry    map[string]ProcessConfig
	allowInline bool
	baseDir     string
	maxOutput   int
	waitDelay   time.Duration
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithRegistry populates the allow-list from a loaded config.
func WithRegistry(tools map[string]ProcessConfig) RunnerOption {
	return func(r *Runner) {
		for name, tool := range tools {
			tool.Name = name
			r.registry[name] = tool
		}
	}
}

// WithInlineExecution enables ad-hoc commands such as the ones written in
// exec node configs.
func WithInlineExecution(allow bool) RunnerOption {
	return func(r *Runner) {
		r.allowInline = allow
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithMaxOutput caps captured output per stream. Zero disables the cap.
func WithMaxOutput(n int) RunnerOption {
	return func(r *Runner) {
		r.maxOutput = n
	}
}

// NewRunner creates a new process runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:  make(map[string]ProcessConfig),
		maxOutput: DefaultMaxOutput,
		waitDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted command to the allow-list.
func (r *Runner) Register(name string, command string, args ...string) {
	r.registry[name] = ProcessConfig{Name: name, Command: command, Args: args}
}

// AllowsInline reports whether ad-hoc commands may run.
func (r *Runner) AllowsInline() bool {
	return r.allowInline
}

// Command describes one process invocation.
// Exactly one of Name, Command or Shell selects what runs.
type Command struct {
	// Name selects a registered process.
	Name string
	// Command and Args run an executable directly.
	Command string
	Args    []string
	// Shell runs a command line through the platform shell.
	Shell string
	// Env adds variables to the environment.
	Env map[string]string
	// Values are passed as ARBOR_ARG_<KEY> variables, never as flags.
	Values map[string]any
	Stdin  string
}

// Result is the outcome of a process that ran to completion.
type Result struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
	// Data holds stdout decoded as JSON when it is a JSON object or array.
	Data any `json:"data,omitempty"`
}

// Run starts the command and waits for it. A non-zero exit is not an error:
// it is reported in Result.ExitCode. Errors mean the process could not run
// or ctx ended first.
func (r *Runner) Run(ctx context.Context, c Command) (Result, error) {
	proc, err := r.resolve(c)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, proc.Command, proc.Args...)
	cmd.Dir = r.baseDir
	cmd.WaitDelay = r.waitDelay
	cmd.Env = append(cmd.Environ(), environment(proc.Environment, c.Env, c.Values)...)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	stdout := &limitedBuffer{max: r.maxOutput}
	stderr := &limitedBuffer{max: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{}, fmt.Errorf("run %s: %w", proc.Command, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Data = decodeJSON(res.Stdout)
	return res, nil
}

func (r *Runner) resolve(c Command) (ProcessConfig, error) {
	switch {
	case c.Name != "":
		proc, ok := r.registry[c.Name]
		if !ok {
			return ProcessConfig{}, fmt.Errorf("process not registered: %s", c.Name)
		}
		return proc, nil
	case !r.allowInline:
		return ProcessConfig{}, errors.New("inline execution is disabled")
	case c.Shell != "":
		if runtime.GOOS == "windows" {
			return ProcessConfig{Command: "cmd", Args: []string{"/C", c.Shell}}, nil
		}
		return ProcessConfig{Command: "sh", Args: []string{"-c", c.Shell}}, nil
	case c.Command != "":
		return ProcessConfig{Command: c.Command, Args: c.Args}, nil
	}
	return ProcessConfig{}, errors.New("no command given")
}

// environment renders static variables and call values. Values are JSON
// encoded unless they are scalars.
func environment(static, extra map[string]string, values map[string]any) []string {
	var env []string
	for _, m := range []map[string]string{static, extra} {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+m[k])
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var val string
		switch v := values[k].(type) {
		case nil:
		case string, int, int64, float64, bool:
			val = fmt.Sprint(v)
		default:
			if b, err := json.Marshal(v); err == nil {
				val = string(b)
			} else {
				val = fmt.Sprint(v)
			}
		}
		env = append(env, EnvPrefix+strings.ToUpper(k)+"="+val)
	}
	return env
}

func decodeJSON(out string) any {
	trimmed := strings.TrimSpace(out)
	if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		return b.buf.Write(p)
	}
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

// Tools exposes every registered process as a tool. Call arguments become
// ARBOR_ARG_* variables; a non-zero exit is a tool error.
func (r *Runner) Tools() []ports.Tool {
	names := make([]string, 0, len(r.registry))
	for name := range r.registry {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ports.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, processTool{runner: r, proc: r.registry[name]})
	}
	return out
}

type processTool struct {
	runner *Runner
	proc   ProcessConfig
}

func (t processTool) Spec() domain.ToolSpec {
	desc := t.proc.Description
	if desc == "" {
		desc = "Runs " + t.proc.Command
	}
	params := t.proc.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return domain.ToolSpec{Name: t.proc.Name, Description: desc, Parameters: params}
}

func (t processTool) Call(ctx context.Context, args map[string]any) (any, error) {
	res, err := t.runner.Run(ctx, Command{Name: t.proc.Name, Values: args})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if res.Data != nil {
		return res.Data, nil
	}
	return strings.TrimSpace(res.Stdout), nil
}
