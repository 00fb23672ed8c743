package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// NewRenderer returns a function that renders prompt markdown with glamour,
// wrapped to the terminal width of fd. It falls back to the raw text when
// the renderer cannot be built.
func NewRenderer(fd int) func(string) (string, error) {
	width := 80
	if term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			width = w
		}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return func(markdown string) (string, error) { return markdown, nil }
	}
	return func(markdown string) (string, error) {
		out, err := r.Render(markdown)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(out), nil
	}
}

// IsInteractive reports whether fd is a terminal, so prompts can be shown.
func IsInteractive(fd int) bool {
	return term.IsTerminal(fd)
}
