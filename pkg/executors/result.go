package executors

import (
	"context"
	"sort"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/registry"
)

type resultConfig struct {
	// Inputs selects and orders the inputs; empty keeps all of them.
	Inputs []string `mapstructure:"inputs" validate:"omitempty,unique,dive,required"`
	// Join renders the selected inputs as text, one per line.
	Join bool `mapstructure:"join"`
}

// Result assembles the final value of a run from its inputs.
type Result struct{}

func (Result) ValidateConfig(cfg map[string]any) error {
	return decodeConfig(cfg, &resultConfig{})
}

func (Result) Execute(_ context.Context, req domain.ExecRequest) (any, error) {
	var cfg resultConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, invalidConfig(err)
	}

	names := cfg.Inputs
	if len(names) == 0 {
		names = make([]string, 0, len(req.Inputs))
		for k := range req.Inputs {
			names = append(names, k)
		}
		sort.Strings(names)
	}

	if cfg.Join {
		lines := make([]string, 0, len(names))
		for _, n := range names {
			if v, ok := req.Inputs[n]; ok && v != nil {
				lines = append(lines, registry.Stringify(v))
			}
		}
		return strings.Join(lines, "\n"), nil
	}

	out := make(map[string]any, len(names))
	for _, n := range names {
		v, ok := req.Inputs[n]
		if !ok {
			return nil, domain.NewExecutorError(domain.KindInvalidInput, "input %q is not bound", n)
		}
		out[n] = v
	}
	return out, nil
}
