package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceName = "schema.json"

// Schema is a compiled JSON schema.
type Schema struct {
	raw      map[string]any
	compiled *jsonschema.Schema
}

// Compile compiles a schema document. A nil document accepts any object.
func Compile(doc map[string]any) (*Schema, error) {
	if doc == nil {
		doc = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: doc, compiled: compiled}, nil
}

// Document returns the schema as written.
func (s *Schema) Document() map[string]any {
	return s.raw
}

// Validate checks v against the schema. Go values are normalized through
// JSON first, so structs and typed numbers are accepted.
func (s *Schema) Validate(v any) error {
	doc, err := normalize(v)
	if err != nil {
		return &AggregateError{Errors: []error{&ValidationError{Reason: err.Error()}}}
	}
	err = s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &AggregateError{Errors: []error{&ValidationError{Reason: err.Error()}}}
	}
	return &AggregateError{Errors: flatten(verr)}
}

// flatten collects the leaf causes, which carry the precise messages.
func flatten(root *jsonschema.ValidationError) []error {
	var out []error
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out = append(out, &ValidationError{Key: v.InstanceLocation, Reason: v.Message})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(root)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].(*ValidationError).Key < out[j].(*ValidationError).Key
	})
	return out
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON encodable: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
