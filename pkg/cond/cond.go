// Package cond implements the guard language used on graph edges.
//
// Grammar:
//
//	Expr    ::= And ( '||' And )*
//	And     ::= Clause ( '&&' Clause )*
//	Clause  ::= Key Op Literal | Key | '!' Key
//	Key     ::= 'output' | 'output.' Path
//	Op      ::= '=' | '==' | '!=' | '~='
//
// Guards are evaluated against the output of the edge's source node. The key
// "output" is the whole output rendered as text; "output.<path>" selects a
// field with gjson path syntax. Missing keys resolve to the empty string.
// Comparisons are exact string comparisons, '~=' tests containment and a bare
// key is truthy unless empty, "false", "0", "no" or "null".
package cond

import (
	"fmt"
	"strings"
)

type op int

const (
	opTruthy op = iota
	opFalsy
	opEq
	opNe
	opContains
)

type clause struct {
	key  string
	op   op
	want string
}

// Expr is a compiled guard. The nil Expr always evaluates to true.
type Expr struct {
	src string
	any [][]clause
}

// Compile parses a guard expression. An empty expression compiles to nil.
func Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}

	e := &Expr{src: src}
	for _, alt := range splitOutsideQuotes(src, "||") {
		var all []clause
		for _, raw := range splitOutsideQuotes(alt, "&&") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				return nil, fmt.Errorf("guard %q: empty clause", src)
			}
			c, err := parseClause(raw)
			if err != nil {
				return nil, fmt.Errorf("guard %q: %w", src, err)
			}
			all = append(all, c)
		}
		e.any = append(e.any, all)
	}
	return e, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and constants.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate compiles and evaluates src in one step.
func Evaluate(src string, output any) (bool, error) {
	e, err := Compile(src)
	if err != nil {
		return false, err
	}
	return e.Eval(output), nil
}

func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	return e.src
}

// Eval evaluates the guard against a node output.
func (e *Expr) Eval(output any) bool {
	if e == nil {
		return true
	}
	for _, all := range e.any {
		if evalAll(all, output) {
			return true
		}
	}
	return false
}

func evalAll(all []clause, output any) bool {
	for _, c := range all {
		if !c.eval(output) {
			return false
		}
	}
	return true
}

func (c clause) eval(output any) bool {
	got := resolve(c.key, output)
	switch c.op {
	case opEq:
		return got == c.want
	case opNe:
		return got != c.want
	case opContains:
		return strings.Contains(got, c.want)
	case opFalsy:
		return !truthy(got)
	default:
		return truthy(got)
	}
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no", "null":
		return false
	}
	return true
}

func parseClause(raw string) (clause, error) {
	idx, width, o := findOperator(raw)
	if idx < 0 {
		c := clause{key: raw, op: opTruthy}
		if strings.HasPrefix(raw, "!") {
			c.key = strings.TrimSpace(raw[1:])
			c.op = opFalsy
		}
		return c, validateKey(c.key)
	}

	key := strings.TrimSpace(raw[:idx])
	if err := validateKey(key); err != nil {
		return clause{}, err
	}
	want, err := unquote(strings.TrimSpace(raw[idx+width:]))
	if err != nil {
		return clause{}, err
	}
	return clause{key: key, op: o, want: want}, nil
}

func validateKey(key string) error {
	if key == "output" {
		return nil
	}
	if path, ok := strings.CutPrefix(key, "output."); ok && path != "" {
		return nil
	}
	return fmt.Errorf("unknown key %q (expected output or output.<path>)", key)
}

// findOperator returns the position of the first comparison operator outside quotes.
func findOperator(s string) (int, int, op) {
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '!':
			if i+1 < len(s) && s[i+1] == '=' {
				return i, 2, opNe
			}
		case '~':
			if i+1 < len(s) && s[i+1] == '=' {
				return i, 2, opContains
			}
		case '=':
			if i+1 < len(s) && s[i+1] == '=' {
				return i, 2, opEq
			}
			return i, 1, opEq
		}
	}
	return -1, 0, opTruthy
}

func splitOutsideQuotes(s, sep string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			quote = ch
			continue
		}
		if strings.HasPrefix(s[i:], sep) {
			parts = append(parts, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func unquote(lit string) (string, error) {
	if len(lit) < 2 {
		return lit, nil
	}
	q := lit[0]
	if q != '\'' && q != '"' {
		return lit, nil
	}
	if lit[len(lit)-1] != q {
		return "", fmt.Errorf("unterminated literal %s", lit)
	}
	body := lit[1 : len(lit)-1]
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			i++
		}
		b.WriteByte(body[i])
	}
	return b.String(), nil
}
