package ports

import (
	"context"

	"github.com/aretw0/arbor/pkg/domain"
)

// GraphLoader defines how graph definitions are obtained.
// This allows the source (YAML file, Loam repository, memory) to be decoupled.
type GraphLoader interface {
	// Load returns the raw, not yet validated graph.
	Load(ctx context.Context) (*domain.Graph, error)
}
