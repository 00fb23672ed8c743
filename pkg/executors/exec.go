package executors

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/adapters/process"
	"github.com/aretw0/arbor/pkg/domain"
)

type execConfig struct {
	// Command is a shell command line.
	Command string `mapstructure:"command" validate:"required_without=Process,excluded_with=Process"`
	// Process names an allow-listed process instead.
	Process            string            `mapstructure:"process"`
	Env                map[string]string `mapstructure:"env"`
	Stdin              string            `mapstructure:"stdin"`
	ExpectedReturnCode int               `mapstructure:"expected_return_code"`
}

// Exec runs a process. The node inputs are passed as ARBOR_ARG_<NAME>
// variables and the output holds stdout, stderr, the exit code and, when
// stdout is JSON, the decoded data. An unexpected exit code fails the node.
type Exec struct {
	runner *process.Runner
	logger *slog.Logger
}

// NewExec creates an exec executor on top of runner.
func NewExec(runner *process.Runner, logger *slog.Logger) *Exec {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Exec{runner: runner, logger: logger}
}

func (e *Exec) ValidateConfig(cfg map[string]any) error {
	var c execConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return err
	}
	if c.Command != "" && !e.runner.AllowsInline() {
		return domain.NewExecutorError(domain.KindInvalidConfig, "inline commands are disabled; use an allow-listed process")
	}
	return nil
}

func (e *Exec) Execute(ctx context.Context, req domain.ExecRequest) (any, error) {
	var cfg execConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, invalidConfig(err)
	}

	log := e.logger.With("run_id", req.RunID, "node_id", req.NodeID)
	log.Debug("exec starting", "command", cfg.Command, "process", cfg.Process)

	res, err := e.runner.Run(ctx, process.Command{
		Name:   cfg.Process,
		Shell:  cfg.Command,
		Env:    cfg.Env,
		Values: req.Inputs,
		Stdin:  cfg.Stdin,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &domain.ExecutorError{Kind: domain.KindFailed, Detail: "exec", Err: err}
	}

	log.Debug("exec finished", "exit_code", res.ExitCode, "truncated", res.Truncated)
	if res.ExitCode != cfg.ExpectedReturnCode {
		return nil, domain.NewExecutorError(domain.KindFailed, "exit code %d (expected %d): %s",
			res.ExitCode, cfg.ExpectedReturnCode, tail(res.Stderr, 512))
	}
	return res, nil
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
