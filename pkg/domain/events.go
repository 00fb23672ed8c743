package domain

import (
	"time"
)

// EventType defines the category of the event.
// Values are persisted and sent to clients; never rename one.
type EventType string

const (
	EventRunCreated         EventType = "run_created"
	EventRunStatus          EventType = "run_status"
	EventNodeReady          EventType = "node_ready"
	EventNodeStarted        EventType = "node_started"
	EventNodeInputRequested EventType = "node_input_requested"
	EventNodeSucceeded      EventType = "node_succeeded"
	EventNodeFailed         EventType = "node_failed"
	EventNodeSkipped        EventType = "node_skipped"
	EventNodeCancelled      EventType = "node_cancelled"
	EventNodeReset          EventType = "node_reset"
)

// Known reports whether the type is part of the event vocabulary.
func (t EventType) Known() bool {
	switch t {
	case EventRunCreated, EventRunStatus, EventNodeReady, EventNodeStarted,
		EventNodeInputRequested, EventNodeSucceeded, EventNodeFailed,
		EventNodeSkipped, EventNodeCancelled, EventNodeReset:
		return true
	}
	return false
}

// Event is an immutable record of a state transition within a run.
// Only the fields relevant to Type are populated.
type Event struct {
	Seq    uint64    `json:"seq"`
	RunID  string    `json:"run_id"`
	Type   EventType `json:"type"`
	NodeID string    `json:"node_id,omitempty"`
	Time   time.Time `json:"time"`

	// run_created
	GraphID  string     `json:"graph_id,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`

	// run_status
	Status RunStatus `json:"status,omitempty"`

	// run_status, node_skipped, node_reset, node_cancelled
	Reason string `json:"reason,omitempty"`

	// node_started, node_input_requested
	Attempt int            `json:"attempt,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`

	// node_input_requested
	Request *InputRequest `json:"request,omitempty"`

	// node_succeeded
	Output any `json:"output,omitempty"`

	// node_failed
	Error     *NodeError `json:"error,omitempty"`
	Recovered bool       `json:"recovered,omitempty"`
}

// Terminal reports whether the event moves a node into a terminal status.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventNodeSucceeded, EventNodeFailed, EventNodeSkipped, EventNodeCancelled:
		return true
	}
	return false
}

// InputRequest is the typed request surfaced to clients by a human-input node.
// Schema, when present, is a JSON schema the response must satisfy.
type InputRequest struct {
	Prompt  string         `json:"prompt"`
	Schema  map[string]any `json:"schema,omitempty"`
	Options []string       `json:"options,omitempty"`
	Default any            `json:"default,omitempty"`
}
