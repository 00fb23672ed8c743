package executors

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/patch"
	"github.com/aretw0/arbor/pkg/registry"
)

type applyPatchConfig struct {
	Format string `mapstructure:"format" validate:"omitempty,oneof=patch"`
	// Input names the input carrying the patch text. Empty takes the only
	// bound input.
	Input string `mapstructure:"input"`
}

// ApplyPatch writes SEARCH/REPLACE blocks produced upstream, usually by an
// llm node, to files below the base directory. A patch that fails to apply is
// not an executor error: output.outcome is "fail" and output.summary explains
// what to regenerate, so a guarded edge can route back to the author.
type ApplyPatch struct {
	baseDir string
}

// NewApplyPatch creates an apply_patch executor rooted at baseDir.
func NewApplyPatch(baseDir string) *ApplyPatch {
	return &ApplyPatch{baseDir: baseDir}
}

func (ApplyPatch) ValidateConfig(cfg map[string]any) error {
	return decodeConfig(cfg, &applyPatchConfig{})
}

func (a *ApplyPatch) Execute(ctx context.Context, req domain.ExecRequest) (any, error) {
	var cfg applyPatchConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, invalidConfig(err)
	}
	text, err := patchText(cfg.Input, req.Inputs)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return patchOutcome("No patch was provided. The patch application has failed.", false, nil), nil
	}

	res, err := patch.Apply(a.baseDir, text)
	if errors.Is(err, patch.ErrEmpty) {
		return patchOutcome("No patch blocks were found. The patch application has failed.", false, nil), nil
	}
	if err != nil {
		return nil, &domain.ExecutorError{Kind: domain.KindFailed, Detail: "apply patch", Err: err}
	}
	return patchOutcome(res.Summary(), res.OK(), res.Changed()), nil
}

func patchOutcome(summary string, ok bool, changes map[string]string) map[string]any {
	outcome := "success"
	if !ok {
		outcome = "fail"
	}
	if changes == nil {
		changes = map[string]string{}
	}
	return map[string]any{"outcome": outcome, "summary": summary, "changes": changes}
}

// patchText picks the patch from the inputs. An llm output contributes its
// content field.
func patchText(name string, inputs map[string]any) (string, error) {
	if name == "" {
		if len(inputs) != 1 {
			keys := make([]string, 0, len(inputs))
			for k := range inputs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return "", domain.NewExecutorError(domain.KindInvalidInput, "config.input must name one of %v", keys)
		}
		for k := range inputs {
			name = k
		}
	}
	v, ok := inputs[name]
	if !ok {
		return "", domain.NewExecutorError(domain.KindInvalidInput, "input %q is not bound", name)
	}
	if m, ok := v.(map[string]any); ok {
		if c, ok := m["content"].(string); ok {
			return c, nil
		}
	}
	return registry.Stringify(v), nil
}
