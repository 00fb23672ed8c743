package ports

import (
	"context"
)

// RunStore persists encoded runs. It deals in opaque bytes produced by the
// persistence codec; it never interprets them.
type RunStore interface {
	// Put replaces the stored payload of a run. Implementations must never
	// leave a partially written payload visible to Get.
	Put(ctx context.Context, runID string, data []byte) error

	// Get returns the stored payload.
	// Returns domain.ErrRunNotFound if the run does not exist.
	Get(ctx context.Context, runID string) ([]byte, error)

	// Delete removes the payload. Deleting a missing run is not an error.
	Delete(ctx context.Context, runID string) error

	// List returns the ids of all stored runs.
	List(ctx context.Context) ([]string, error)
}
