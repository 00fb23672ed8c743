package cond

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract selects a value inside v using gjson path syntax. v is converted to
// JSON first; a string output that already holds a JSON document is used as is.
// An empty path returns v unchanged.
func Extract(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	doc, ok := document(v)
	if !ok {
		return nil, false
	}
	r := gjson.GetBytes(doc, path)
	if !r.Exists() {
		return nil, false
	}
	return r.Value(), true
}

func resolve(key string, output any) string {
	if key == "output" {
		return render(output)
	}
	path := strings.TrimPrefix(key, "output.")
	doc, ok := document(output)
	if !ok {
		return ""
	}
	r := gjson.GetBytes(doc, path)
	switch {
	case !r.Exists():
		return ""
	case r.Type == gjson.String:
		return r.Str
	default:
		return r.Raw
	}
}

func document(v any) ([]byte, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.(string); ok {
		if gjson.Valid(s) {
			return []byte(s), true
		}
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

func render(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
