package executors

import (
	"fmt"
	"io/fs"
	"path"
	"reflect"
	"slices"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/patch"
	"github.com/bmatcuk/doublestar/v4"
)

// Preprocessor names accepted in llm config.
const (
	PreStringInject = "string_inject"
	PreFileRead     = "file_read"
	PreDiff         = "diff"
)

// preprocessorSpec rewrites the prompt before the first model call. In YAML
// a bare name is shorthand for {name: <name>}.
type preprocessorSpec struct {
	Name string `mapstructure:"name" validate:"required,oneof=string_inject file_read diff"`
	// Mode picks the target: the system message or the last user message.
	Mode    string         `mapstructure:"mode" validate:"omitempty,oneof=system user"`
	Prepend bool           `mapstructure:"prepend"`
	Options map[string]any `mapstructure:"options"`
}

type stringInjectOptions struct {
	Text      string  `mapstructure:"text" validate:"required"`
	Separator *string `mapstructure:"separator"`
}

type fileReadOptions struct {
	Paths           []string `mapstructure:"paths" validate:"dive,required"`
	Files           []string `mapstructure:"files" validate:"dive,required"`
	PrependTemplate *string  `mapstructure:"prepend_template"`
	Separator       *string  `mapstructure:"separator"`
}

type diffOptions struct {
	Format string `mapstructure:"format" validate:"omitempty,oneof=patch"`
	Suffix *string `mapstructure:"suffix"`
}

var preprocessorType = reflect.TypeOf(preprocessorSpec{})

// preprocessorShorthand expands a bare preprocessor name.
func preprocessorShorthand(from, to reflect.Type, data any) (any, error) {
	if to != preprocessorType || from.Kind() != reflect.String {
		return data, nil
	}
	return map[string]any{"name": data}, nil
}

// options decodes and validates the options of one preprocessor.
func (p preprocessorSpec) options() (any, error) {
	var out any
	switch p.Name {
	case PreStringInject:
		out = &stringInjectOptions{}
	case PreFileRead:
		out = &fileReadOptions{}
	case PreDiff:
		out = &diffOptions{}
	default:
		return nil, fmt.Errorf("unknown preprocessor %q", p.Name)
	}
	if err := decodeConfig(p.Options, out); err != nil {
		return nil, fmt.Errorf("preprocessor %s: %w", p.Name, err)
	}
	if fr, ok := out.(*fileReadOptions); ok {
		for _, entry := range slices.Concat(fr.Paths, fr.Files) {
			if _, err := cleanPattern(entry); err != nil {
				return nil, fmt.Errorf("preprocessor %s: %w", p.Name, err)
			}
		}
	}
	return out, nil
}

func validatePreprocessors(specs []preprocessorSpec) error {
	for _, p := range specs {
		if _, err := p.options(); err != nil {
			return err
		}
	}
	return nil
}

// preprocess applies specs in order. Each one injects text into its target
// message unless that text is already there.
func (l *LLM) preprocess(specs []preprocessorSpec, msgs []domain.ChatMessage) ([]domain.ChatMessage, error) {
	for _, p := range specs {
		opts, err := p.options()
		if err != nil {
			return nil, err
		}
		var inject, sep string
		switch o := opts.(type) {
		case *stringInjectOptions:
			inject, sep = strings.TrimSpace(o.Text), orDefault(o.Separator, "\n\n")
		case *fileReadOptions:
			inject, sep = l.readFiles(o), orDefault(o.Separator, "\n\n")
		case *diffOptions:
			inject, sep = patch.Instruction, orDefault(o.Suffix, "\n\n")
		}
		if inject == "" {
			continue
		}
		msgs = injectText(msgs, p.Mode, p.Prepend, inject, sep)
	}
	return msgs, nil
}

// readFiles concatenates the named files, each headed by the template.
// Entries that match nothing are skipped.
func (l *LLM) readFiles(o *fileReadOptions) string {
	tmpl := DefaultPrependTemplate
	if o.PrependTemplate != nil {
		tmpl = *o.PrependTemplate
	}
	seen := make(map[string]bool)
	var b strings.Builder
	for _, entry := range slices.Concat(o.Paths, o.Files) {
		pattern, _ := cleanPattern(entry)
		matches, err := doublestar.Glob(l.files, pattern, doublestar.WithFilesOnly())
		if err != nil || len(matches) == 0 {
			l.logger.Debug("preprocessor file skipped", "entry", entry, "err", err)
			continue
		}
		for _, name := range matches {
			if seen[name] {
				continue
			}
			seen[name] = true
			data, err := fs.ReadFile(l.files, name)
			if err != nil {
				l.logger.Debug("preprocessor file skipped", "entry", name, "err", err)
				continue
			}
			b.WriteString(strings.NewReplacer("{filename}", path.Base(name), "{path}", name).Replace(tmpl))
			b.WriteString(string(data))
		}
	}
	return b.String()
}

// injectText adds inject to the system message, creating one when missing,
// or to the last user message.
func injectText(msgs []domain.ChatMessage, mode string, prepend bool, inject, sep string) []domain.ChatMessage {
	role := domain.RoleSystem
	if mode == "user" {
		role = domain.RoleUser
	}
	target := -1
	if role == domain.RoleSystem {
		for i := range msgs {
			if msgs[i].Role == domain.RoleSystem {
				target = i
				break
			}
		}
	} else {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == domain.RoleUser {
				target = i
				break
			}
		}
	}
	if target < 0 {
		msgs = append([]domain.ChatMessage{{Role: role}}, msgs...)
		target = 0
	}

	text := msgs[target].Content
	switch {
	case strings.Contains(text, inject):
	case text == "":
		msgs[target].Content = inject
	case prepend:
		msgs[target].Content = inject + sep + text
	default:
		msgs[target].Content = text + sep + inject
	}
	return msgs
}

func orDefault(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
