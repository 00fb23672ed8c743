package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

var bannerLines = []struct {
	text  string
	color string
}{
	{`     _         _              `, "#34d399"},
	{`    / \   _ __| |__   ___  _ __ `, "#10b981"},
	{`   / _ \ | '__| '_ \ / _ \| '__|`, "#059669"},
	{`  / ___ \| |  | |_) | (_) | |   `, "#0d9488"},
	{` /_/   \_\_|  |_.__/ \___/|_|   `, "#0f766e"},
}

// PrintBanner writes the Arbor banner, tinted with a green gradient when out
// supports color.
func PrintBanner(out *termenv.Output) {
	p := out.Profile
	fmt.Fprintln(out)
	for _, l := range bannerLines {
		fmt.Fprintln(out, out.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(out)
}

// NewOutput wraps w for styled terminal output.
func NewOutput(w io.Writer, opts ...termenv.OutputOption) *termenv.Output {
	return termenv.NewOutput(w, opts...)
}
