package executors

import (
	"context"
	"fmt"
	"slices"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/schema"
)

type inputConfig struct {
	Prompt  string         `mapstructure:"prompt"`
	Schema  map[string]any `mapstructure:"schema"`
	Options []string       `mapstructure:"options" validate:"omitempty,unique,dive,required"`
	Default any            `mapstructure:"default"`
}

// Input waits for a human. The engine publishes the request built by
// RequestInput and completes the node with the value given to ResolveInput.
type Input struct{}

func (Input) ValidateConfig(cfg map[string]any) error {
	var c inputConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return err
	}
	if _, err := schema.Compile(c.Schema); err != nil {
		return err
	}
	if s, ok := c.Default.(string); ok && len(c.Options) > 0 && !slices.Contains(c.Options, s) {
		return fmt.Errorf("default %q is not one of the options", s)
	}
	return nil
}

// Execute is never reached for input nodes: the engine resolves them through
// the human input path.
func (Input) Execute(context.Context, domain.ExecRequest) (any, error) {
	return nil, domain.NewExecutorError(domain.KindInvalidConfig, "input nodes wait for a human response")
}

func (Input) RequestInput(_ context.Context, req domain.ExecRequest) (domain.InputRequest, error) {
	var cfg inputConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return domain.InputRequest{}, invalidConfig(err)
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Input for %s", req.NodeID)
	}
	return domain.InputRequest{
		Prompt:  prompt,
		Schema:  cfg.Schema,
		Options: cfg.Options,
		Default: cfg.Default,
	}, nil
}

// ResolveInput applies the default to an empty response and enforces the
// options. The schema has already been checked by the engine.
func (Input) ResolveInput(_ context.Context, req domain.ExecRequest, value any) (any, error) {
	var cfg inputConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, invalidConfig(err)
	}
	if value == nil || value == "" {
		if cfg.Default == nil {
			return nil, domain.NewExecutorError(domain.KindInvalidInput, "a value is required")
		}
		value = cfg.Default
	}
	if len(cfg.Options) > 0 {
		s, ok := value.(string)
		if !ok || !slices.Contains(cfg.Options, s) {
			return nil, domain.NewExecutorError(domain.KindInvalidInput, "%v is not one of %v", value, cfg.Options)
		}
	}
	return value, nil
}
