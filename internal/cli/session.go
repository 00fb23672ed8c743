package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	mermaid "github.com/aretw0/arbor/internal/presentation/graph"
	"github.com/aretw0/arbor/pkg/persistence"
)

// ListRuns prints every persisted run, one per line.
func ListRuns(ctx context.Context, m *persistence.Manager, out io.Writer) error {
	ids, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "No persisted runs.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tGRAPH\tSTATUS\tUPDATED")
	var errs []error
	for _, id := range ids {
		doc, err := m.Load(ctx, id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t?\tunreadable\t\n", id)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, doc.GraphID, doc.Status, doc.UpdatedAt.Local().Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// InspectFormat selects what InspectRun prints.
type InspectFormat string

const (
	InspectJSON    InspectFormat = "json"
	InspectMermaid InspectFormat = "mermaid"
	InspectEvents  InspectFormat = "events"
)

// InspectRun prints a persisted run as its snapshot, its graph painted with
// the run state, or its event history.
func InspectRun(ctx context.Context, m *persistence.Manager, runID string, format InspectFormat, out io.Writer) error {
	doc, err := m.Load(ctx, runID)
	if err != nil {
		return err
	}
	run, err := doc.Run()
	if err != nil {
		return err
	}
	snap := run.Snapshot()

	switch format {
	case InspectMermaid:
		_, err = io.WriteString(out, mermaid.GenerateMermaid(doc.Graph, mermaid.OverlayFromSnapshot(snap)))
		return err
	case InspectEvents:
		enc := json.NewEncoder(out)
		for _, ev := range doc.Events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	case InspectJSON, "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return fmt.Errorf("unknown format %q (json, mermaid, events)", format)
}

// RemoveRuns deletes persisted runs. A run held by another writer is
// reported and skipped.
func RemoveRuns(ctx context.Context, m *persistence.Manager, runIDs []string, out io.Writer) error {
	var errs []error
	for _, id := range runIDs {
		if err := m.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
			continue
		}
		fmt.Fprintf(out, "Removed %s\n", id)
	}
	return errors.Join(errs...)
}
