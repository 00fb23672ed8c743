package domain

// ExecRequest is what an executor receives for one dispatch of a node.
type ExecRequest struct {
	RunID   string         `json:"run_id"`
	NodeID  string         `json:"node_id"`
	Type    string         `json:"type"`
	Config  map[string]any `json:"config,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Attempt int            `json:"attempt"`
}

// ToolSpec describes a tool to the model: its name, purpose and the JSON
// schema of its arguments.
type ToolSpec struct {
	Name        string         `json:"name" yaml:"name" mapstructure:"name"`
	Description string         `json:"description" yaml:"description" mapstructure:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty" mapstructure:"parameters"`
}

// ToolCall is a tool invocation requested by the model during a turn.
// Arguments holds the raw JSON text produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the response handed back to the model for a ToolCall.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
