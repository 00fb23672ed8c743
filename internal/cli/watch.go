package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aretw0/arbor"
	loamAdapter "github.com/aretw0/arbor/pkg/adapters/loam"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/graph"
	"github.com/aretw0/arbor/pkg/registry"
)

// Validate loads the graph at path and compiles it against reg. Every
// problem is printed; the returned error summarizes them.
func Validate(ctx context.Context, path string, reg *registry.Registry, out io.Writer) error {
	g, err := arbor.LoadGraph(ctx, path)
	if err != nil {
		return err
	}
	plan, err := graph.Compile(g, reg)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(out, "✗ %s: %d problem(s)\n", g.ID, len(verr.Problems))
			for _, p := range verr.Problems {
				fmt.Fprintf(out, "  - %s\n", p)
			}
		}
		return err
	}
	loops := ""
	if plan.HasLoops() {
		loops = ", with loops"
	}
	fmt.Fprintf(out, "✓ %s: %d nodes, %d edges%s\n", g.ID, len(g.Nodes), len(g.Edges), loops)
	return nil
}

// debounce lets editors finish writing before the graph is reloaded.
const debounce = 100 * time.Millisecond

// ValidateWatch validates the graph directory at path, then again after
// every change, until ctx is done.
func ValidateWatch(ctx context.Context, path string, reg *registry.Registry, out io.Writer, logger *slog.Logger) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("--watch needs a graph directory, %s is a file", path)
	}
	loader, err := loamAdapter.Open(path)
	if err != nil {
		return err
	}
	changes, err := loader.Watch(ctx)
	if err != nil {
		return err
	}

	printSystemMessage(out, "Watching '%s'.", path)
	_ = Validate(ctx, path, reg, out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-changes:
			if !ok {
				return nil
			}
			logger.Debug("change detected", "document", id)
			time.Sleep(debounce)
			drain(changes)
			printSystemMessage(out, "Change detected in '%s'.", id)
			_ = Validate(ctx, path, reg, out)
		}
	}
}

// drain discards changes already queued, so a burst validates once.
func drain(ch <-chan string) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
