package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunNotFound is returned when a run id is unknown to the engine or the store.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when starting a run with an id that is already live.
	ErrRunExists = errors.New("run already exists")

	// ErrRunFinished is returned for control requests sent to a terminal run.
	ErrRunFinished = errors.New("run already finished")

	// ErrRunBusy is returned when a run cannot be evicted because it is active or watched.
	ErrRunBusy = errors.New("run busy")

	// ErrNodeNotAwaitingInput is returned when input is provided for a node that is not waiting for it.
	ErrNodeNotAwaitingInput = errors.New("node is not awaiting input")

	// ErrRunLocked is returned when another writer holds the persistence slot of a run.
	ErrRunLocked = errors.New("run locked")

	// ErrCorruptPersistedState is returned when a persisted payload is truncated or malformed.
	ErrCorruptPersistedState = errors.New("corrupt persisted state")

	// ErrUnsupportedFormatVersion is returned when a payload was written by an incompatible format version.
	ErrUnsupportedFormatVersion = errors.New("unsupported format version")
)

// ValidationError aggregates every problem found in a graph or configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "validation failed: " + e.Problems[0]
	}
	return fmt.Sprintf("validation failed with %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Add records a problem.
func (e *ValidationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns the error only when problems were recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// UnresolvedInputError reports a binding that none of its sources could satisfy.
type UnresolvedInputError struct {
	NodeID  string
	Input   string
	Sources []string
}

func (e *UnresolvedInputError) Error() string {
	return fmt.Sprintf("node %q: input %q unresolved (no output from %s and no default)",
		e.NodeID, e.Input, strings.Join(e.Sources, ", "))
}

// Executor error kinds.
const (
	KindFailed        = "failed"
	KindTimeout       = "timeout"
	KindCancelled     = "cancelled"
	KindPanic         = "panic"
	KindInvalidConfig = "invalid_config"
	KindInvalidInput  = "invalid_input"
	KindUnresolved    = "unresolved_input"
)

// ExecutorError is the failure contract between executors and the engine.
// Retryable tells callers whether repeating the call may succeed; the engine
// itself never retries.
type ExecutorError struct {
	Kind      string
	Retryable bool
	Detail    string
	Err       error
}

// NewExecutorError builds a fatal executor error of the given kind.
func NewExecutorError(kind, format string, args ...any) *ExecutorError {
	return &ExecutorError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *ExecutorError) Error() string {
	msg := e.Kind
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// ToolNotFoundError is reported to the model turn when it requests a tool
// that the registry does not know.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// NodeError is the serializable error detail stored on a failed node.
type NodeError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *NodeError) Error() string {
	return e.Kind + ": " + e.Message
}

// ToNodeError classifies any error into the detail recorded on a failed node.
func ToNodeError(err error) *NodeError {
	if err == nil {
		return nil
	}
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		msg := execErr.Detail
		if execErr.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += execErr.Err.Error()
		}
		return &NodeError{Kind: execErr.Kind, Message: msg, Retryable: execErr.Retryable}
	}
	var unresolved *UnresolvedInputError
	if errors.As(err, &unresolved) {
		return &NodeError{Kind: KindUnresolved, Message: unresolved.Error()}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &NodeError{Kind: KindTimeout, Message: err.Error(), Retryable: true}
	case errors.Is(err, context.Canceled):
		return &NodeError{Kind: KindCancelled, Message: err.Error()}
	}
	return &NodeError{Kind: KindFailed, Message: err.Error()}
}
