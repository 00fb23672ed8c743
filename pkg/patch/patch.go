// Package patch applies SEARCH/REPLACE edit blocks to files below a base
// directory.
//
// A block is a fenced section whose first line names the file:
//
//	```go
//	path/to/file.go
//	<<<<<<< SEARCH
//	lines that match the current content
//	=======
//	replacement lines
//	>>>>>>> REPLACE
//	```
//
// An empty SEARCH creates the file, an empty REPLACE deletes it.
package patch

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Format is the only patch format understood by Apply.
const Format = "patch"

// Instruction tells a model how to write blocks Apply understands.
const Instruction = "# Patch format: SEARCH/REPLACE blocks\n\n" +
	"Output only patch blocks, no prose. Emit one fenced block per change:\n\n" +
	"```<lang>\n<relative/path/to/file>\n<<<<<<< SEARCH\n<lines that exactly match the current content>\n=======\n<replacement lines>\n>>>>>>> REPLACE\n```\n\n" +
	"New files: leave SEARCH empty and put the whole file in REPLACE.\n" +
	"Deleted files: put the whole file in SEARCH and leave REPLACE empty.\n" +
	"SEARCH must match character for character and only its first occurrence is replaced.\n" +
	"Blocks for the same file must not overlap.\n"

const (
	searchMark  = "<<<<<<< SEARCH"
	splitMark   = "======="
	replaceMark = ">>>>>>> REPLACE"
)

// ErrEmpty is returned when the text holds no blocks.
var ErrEmpty = errors.New("no patch blocks found")

type action int

const (
	actionAdd action = iota
	actionUpdate
	actionDelete
)

// Block is one parsed edit.
type Block struct {
	File    string
	Line    int
	Search  []string
	Replace []string
}

func (b Block) action() action {
	switch {
	case len(b.Search) == 0:
		return actionAdd
	case len(b.Replace) == 0:
		return actionDelete
	}
	return actionUpdate
}

// Problem is a parse or apply failure tied to a file and line when known.
type Problem struct {
	File string
	Line int
	Msg  string
	Hint string
}

func (p Problem) String() string {
	loc := ""
	switch {
	case p.File != "" && p.Line > 0:
		loc = fmt.Sprintf("%s:%d: ", p.File, p.Line)
	case p.File != "":
		loc = p.File + ": "
	}
	return loc + p.Msg
}

// Parse reads every block in text, keeping their order.
func Parse(text string) ([]Block, []Problem) {
	var (
		blocks   []Block
		problems []Problem
	)
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	isFence := func(i int) bool { return strings.HasPrefix(strings.TrimSpace(lines[i]), "```") }
	// skip moves past the closing fence of a broken block.
	skip := func(i int) int {
		for i < len(lines) && !isFence(i) {
			i++
		}
		return i + 1
	}

	for i := 0; i < len(lines); {
		if !isFence(i) {
			i++
			continue
		}
		i++
		if i >= len(lines) {
			problems = append(problems, Problem{Line: i, Msg: "unterminated code fence"})
			break
		}
		b := Block{File: strings.TrimSpace(lines[i]), Line: i + 1}
		i++
		if err := checkPath(b.File); err != nil {
			problems = append(problems, Problem{File: b.File, Line: b.Line, Msg: err.Error(), Hint: "use a relative path"})
			i = skip(i)
			continue
		}
		if i >= len(lines) || strings.TrimSpace(lines[i]) != searchMark {
			problems = append(problems, Problem{File: b.File, Line: i + 1, Msg: "missing " + searchMark + " marker"})
			i = skip(i)
			continue
		}
		i++

		var ok bool
		b.Search, i, ok = collect(lines, i, splitMark)
		if !ok {
			problems = append(problems, Problem{File: b.File, Line: i + 1, Msg: "missing " + splitMark + " marker"})
			i = skip(i)
			continue
		}
		b.Replace, i, ok = collect(lines, i+1, replaceMark)
		if !ok {
			problems = append(problems, Problem{File: b.File, Line: i + 1, Msg: "missing " + replaceMark + " marker"})
			i = skip(i)
			continue
		}
		i++
		if i >= len(lines) || !isFence(i) {
			problems = append(problems, Problem{File: b.File, Line: i + 1, Msg: "missing closing code fence"})
			i = skip(i)
		} else {
			i++
		}

		b.Search, b.Replace = blank(b.Search), blank(b.Replace)
		if len(b.Search) == 0 && len(b.Replace) == 0 {
			problems = append(problems, Problem{File: b.File, Line: b.Line, Msg: "empty patch block"})
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, problems
}

// collect gathers lines up to the marker. It stops early at a fence.
func collect(lines []string, i int, mark string) ([]string, int, bool) {
	var out []string
	for ; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == mark {
			return out, i, true
		}
		if strings.HasPrefix(t, "```") {
			return out, i, false
		}
		out = append(out, lines[i])
	}
	return out, i, false
}

// blank treats a single empty line as no content.
func blank(lines []string) []string {
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func checkPath(p string) error {
	if p == "" {
		return errors.New("missing file path")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") || strings.HasPrefix(p, "~") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return fmt.Errorf("path must be relative: %q", p)
	}
	c := path.Clean(filepath.ToSlash(p))
	if c == ".." || strings.HasPrefix(c, "../") {
		return fmt.Errorf("path escapes the base directory: %q", p)
	}
	return nil
}

// Result reports what Apply changed.
type Result struct {
	Created  []string
	Updated  []string
	Partial  []string // some blocks failed
	Deleted  []string
	Problems []Problem
}

// OK reports whether every block applied.
func (r Result) OK() bool { return len(r.Problems) == 0 }

// Changed lists the files written or removed.
func (r Result) Changed() map[string]string {
	out := make(map[string]string)
	for kind, files := range map[string][]string{"created": r.Created, "updated": r.Updated, "partial": r.Partial, "deleted": r.Deleted} {
		for _, f := range files {
			out[f] = kind
		}
	}
	return out
}

// Summary renders the result for a model or a person.
func (r Result) Summary() string {
	var b strings.Builder
	list := func(title string, files []string) {
		if len(files) == 0 {
			return
		}
		b.WriteString(title + "\n")
		for _, f := range files {
			b.WriteString("* " + f + "\n")
		}
	}
	switch {
	case r.OK():
		b.WriteString("Applied patch successfully.\n")
	case len(r.Changed()) == 0:
		b.WriteString("Patch application failed. No changes were applied.\n")
	default:
		b.WriteString("Patch application completed with errors.\n")
	}
	list("Added files:", r.Created)
	list("Updated files:", r.Updated)
	list("Partially updated files:", r.Partial)
	list("Deleted files:", r.Deleted)
	if !r.OK() {
		b.WriteString("Errors:\n")
		for _, p := range r.Problems {
			b.WriteString("* " + p.String() + "\n")
			if p.Hint != "" {
				b.WriteString("  Hint: " + p.Hint + "\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Apply parses text and applies its blocks to files below dir. Blocks that
// fail are reported in the result while the rest still apply. Parse errors
// stop before anything is written.
func Apply(dir, text string) (Result, error) {
	blocks, problems := Parse(text)
	if len(problems) > 0 {
		return Result{Problems: problems}, nil
	}
	if len(blocks) == 0 {
		return Result{}, ErrEmpty
	}

	var (
		res   Result
		order []string
	)
	byFile := make(map[string][]Block)
	for _, b := range blocks {
		if _, ok := byFile[b.File]; !ok {
			order = append(order, b.File)
		}
		byFile[b.File] = append(byFile[b.File], b)
	}

	for _, file := range order {
		full := filepath.Join(dir, filepath.FromSlash(path.Clean(filepath.ToSlash(file))))
		kind, probs := applyFile(full, file, byFile[file])
		res.Problems = append(res.Problems, probs...)
		switch kind {
		case "created":
			res.Created = append(res.Created, file)
		case "updated":
			res.Updated = append(res.Updated, file)
		case "partial":
			res.Partial = append(res.Partial, file)
		case "deleted":
			res.Deleted = append(res.Deleted, file)
		}
	}
	for _, s := range [][]string{res.Created, res.Updated, res.Partial, res.Deleted} {
		slices.Sort(s)
	}
	return res, nil
}

// applyFile runs the blocks of one file and returns the kind of change
// written, or "" when nothing was.
func applyFile(full, file string, blocks []Block) (string, []Problem) {
	var problems []Problem
	first := blocks[0]

	if first.action() == actionDelete {
		if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", []Problem{{File: file, Line: first.Line, Msg: "delete failed", Hint: err.Error()}}
		}
		return "deleted", nil
	}

	var (
		lines   []string
		eol     bool
		created = first.action() == actionAdd
		rest    = blocks
	)
	if created {
		lines = slices.Clone(first.Replace)
		rest = blocks[1:]
	} else {
		data, err := os.ReadFile(full)
		if err != nil {
			return "", []Problem{{File: file, Line: first.Line, Msg: "failed to read file", Hint: err.Error()}}
		}
		text := string(data)
		eol = strings.HasSuffix(text, "\n")
		lines = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}

	applied := created
	for _, b := range rest {
		switch b.action() {
		case actionAdd:
			problems = append(problems, Problem{File: file, Line: b.Line, Msg: "add block must come first for a file"})
			continue
		case actionDelete:
			if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
				return "", append(problems, Problem{File: file, Line: b.Line, Msg: "delete failed", Hint: err.Error()})
			}
			return "deleted", problems
		}
		at := find(lines, b.Search)
		if at < 0 {
			problems = append(problems, Problem{
				File: file, Line: b.Line,
				Msg:  "failed to locate exact SEARCH block",
				Hint: "SEARCH must match the current file exactly:\n---\n" + strings.Join(b.Search, "\n") + "\n---",
			})
			continue
		}
		lines = slices.Concat(lines[:at], b.Replace, lines[at+len(b.Search):])
		applied = true
	}
	if !applied {
		return "", problems
	}

	content := strings.Join(lines, "\n")
	if eol {
		content += "\n"
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", append(problems, Problem{File: file, Msg: "write failed", Hint: err.Error()})
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", append(problems, Problem{File: file, Msg: "write failed", Hint: err.Error()})
	}

	switch {
	case len(problems) > 0:
		return "partial", problems
	case created:
		return "created", nil
	}
	return "updated", nil
}

// find returns the first index where needle occurs in hay, or -1.
func find(hay, needle []string) int {
	for i := 0; i+len(needle) <= len(hay); i++ {
		if slices.Equal(hay[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}
