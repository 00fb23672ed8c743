package executors

import (
	"context"
	"sort"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
)

type noopConfig struct {
	Output       any           `mapstructure:"output"`
	Sleep        time.Duration `mapstructure:"sleep" validate:"gte=0"`
	SleepSeconds float64       `mapstructure:"sleep_seconds" validate:"gte=0"`
}

// Noop passes data through. It returns config.output when set, otherwise
// its first input by name, optionally after sleeping.
type Noop struct{}

func (Noop) ValidateConfig(cfg map[string]any) error {
	return decodeConfig(cfg, &noopConfig{})
}

func (Noop) Execute(ctx context.Context, req domain.ExecRequest) (any, error) {
	var cfg noopConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, invalidConfig(err)
	}

	wait := cfg.Sleep + time.Duration(cfg.SleepSeconds*float64(time.Second))
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if _, ok := req.Config["output"]; ok {
		return cfg.Output, nil
	}
	return firstInput(req.Inputs), nil
}

func firstInput(inputs map[string]any) any {
	if len(inputs) == 0 {
		return nil
	}
	names := make([]string, 0, len(inputs))
	for k := range inputs {
		names = append(names, k)
	}
	sort.Strings(names)
	return inputs[names[0]]
}
