// Package schema validates JSON-like values against JSON Schema documents.
//
// It is used for tool arguments and human-input responses. Schemas are
// written as plain maps (as they appear in graph configs and tool specs) and
// compiled once:
//
//	s, err := schema.Compile(map[string]any{
//	    "type":     "object",
//	    "required": []any{"path"},
//	    "properties": map[string]any{
//	        "path": map[string]any{"type": "string"},
//	    },
//	})
//
//	if err := s.Validate(args); err != nil {
//	    // err is an *AggregateError listing every failing location
//	}
package schema
