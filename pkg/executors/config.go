package executors

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var configValidator = newValidator()

// newValidator reports fields by their config key rather than the Go name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// decodeConfig decodes a node config into out and validates it.
// Unknown keys are rejected so that typos surface at validation time.
func decodeConfig(cfg map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			preprocessorShorthand,
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return validateStruct(out)
}

func validateStruct(v any) error {
	err := configValidator.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := configKey(fe.Namespace())
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: failed %s=%s", name, fe.Tag(), fe.Param()))
			continue
		}
		problems = append(problems, fmt.Sprintf("%s: failed %s", name, fe.Tag()))
	}
	return errors.New(strings.Join(problems, "; "))
}

// configKey drops the struct name from a validator namespace.
func configKey(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// invalidConfig wraps a decode failure for Execute.
func invalidConfig(err error) error {
	return &domain.ExecutorError{Kind: domain.KindInvalidConfig, Detail: "config", Err: err}
}
