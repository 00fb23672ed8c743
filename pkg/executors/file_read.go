package executors

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPrependTemplate heads every file in the concatenated content.
const DefaultPrependTemplate = "User provided {filename}:\n"

type fileReadConfig struct {
	Files           []string `mapstructure:"files" validate:"required,min=1,dive,required"`
	PrependTemplate *string  `mapstructure:"prepend_template"`
	Separator       *string  `mapstructure:"separator"`
}

// FileRead reads files below a base directory. Entries in config.files are
// relative paths or doublestar patterns ("docs/**/*.md"). The output holds the
// concatenated content and the list of files read.
type FileRead struct {
	fsys fs.FS
}

// NewFileRead creates a file_read executor rooted at baseDir.
func NewFileRead(baseDir string) *FileRead {
	return &FileRead{fsys: os.DirFS(baseDir)}
}

func (FileRead) ValidateConfig(cfg map[string]any) error {
	var c fileReadConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return err
	}
	for _, p := range c.Files {
		if _, err := cleanPattern(p); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileRead) Execute(ctx context.Context, req domain.ExecRequest) (any, error) {
	var cfg fileReadConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, invalidConfig(err)
	}
	tmpl := DefaultPrependTemplate
	if cfg.PrependTemplate != nil {
		tmpl = *cfg.PrependTemplate
	}
	sep := "\n"
	if cfg.Separator != nil {
		sep = *cfg.Separator
	}

	files, err := f.expand(cfg.Files)
	if err != nil {
		return nil, err
	}

	parts := make([]string, 0, len(files))
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(f.fsys, name)
		if err != nil {
			return nil, &domain.ExecutorError{Kind: domain.KindFailed, Detail: "read " + name, Err: err}
		}
		parts = append(parts, strings.ReplaceAll(tmpl, "{filename}", name)+string(data))
	}

	return map[string]any{
		"content": strings.Join(parts, sep),
		"files":   files,
	}, nil
}

// expand resolves every entry to the files it names, keeping config order
// and dropping duplicates. An entry that matches nothing fails.
func (f *FileRead) expand(entries []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range entries {
		pattern, err := cleanPattern(entry)
		if err != nil {
			return nil, &domain.ExecutorError{Kind: domain.KindInvalidConfig, Detail: "files", Err: err}
		}
		matches, err := doublestar.Glob(f.fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, &domain.ExecutorError{Kind: domain.KindFailed, Detail: "glob " + entry, Err: err}
		}
		if len(matches) == 0 {
			return nil, domain.NewExecutorError(domain.KindFailed, "no files match %q", entry)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// cleanPattern converts an entry to a slash-separated pattern that cannot
// leave the base directory.
func cleanPattern(entry string) (string, error) {
	if filepath.IsAbs(entry) || strings.HasPrefix(entry, "/") {
		return "", fmt.Errorf("absolute path not allowed: %s", entry)
	}
	p := path.Clean(filepath.ToSlash(entry))
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("path escapes the base directory: %s", entry)
	}
	if !doublestar.ValidatePattern(p) {
		return "", fmt.Errorf("invalid pattern: %s", entry)
	}
	return p, nil
}
