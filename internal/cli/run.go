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
	"github.com/aretw0/arbor/internal/config"
	"github.com/aretw0/arbor/internal/presentation/tui"
	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/runner"
	"github.com/muesli/termenv"
)

// ErrRunNotCompleted is returned when a local run ends failed or cancelled.
var ErrRunNotCompleted = errors.New("run did not complete")

// RunOptions contains all the configuration for the run command.
type RunOptions struct {
	GraphPath string
	JSON      bool
	RunID     string
	Timeout   time.Duration
	// Persist writes the run through the configured store so that it can
	// be resumed or inspected later.
	Persist bool
	// Resume continues a persisted run instead of starting GraphPath.
	Resume  string
	Verbose bool
	// ColorProfile forces the text output profile; nil detects it.
	ColorProfile *termenv.Profile
}

// IO is where a run reads answers and writes progress.
type IO struct {
	In  io.Reader
	Out io.Writer
}

// Run executes one graph in this process and drives it from the terminal.
// It returns once the run has finished or ctx is done, in which case the
// run is cancelled first.
func Run(ctx context.Context, cfg config.Config, opts RunOptions, stdio IO, logger *slog.Logger) error {
	st, err := NewStack(cfg, logger, StackOptions{Ephemeral: !opts.Persist && opts.Resume == ""})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.CancelGrace+5*time.Second)
		defer cancel()
		if cerr := st.Close(closeCtx); cerr != nil {
			logger.Warn("shutdown", "err", cerr)
		}
	}()

	runID, err := startOrResume(ctx, st, opts)
	if err != nil {
		return err
	}
	log := logger.With("run_id", runID)
	log.Info("run started", "graph", opts.GraphPath, "resumed", opts.Resume != "")

	var h runner.Handler
	if opts.JSON {
		h = runner.NewJSONHandler(stdio.In, stdio.Out, runID)
	} else {
		h = newTextHandler(stdio, opts)
	}

	runErr := runner.Run(ctx, st.Engine.Hub(), runID, h)
	if ctx.Err() != nil {
		log.Info("interrupted, cancelling run")
		if err := st.Engine.Cancel(runID); err != nil && !errors.Is(err, domain.ErrRunFinished) {
			log.Warn("cancel run", "err", err)
		}
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.CancelGrace+time.Second)
		defer cancel()
		_, _ = st.Engine.Wait(waitCtx, runID)
		if !opts.JSON {
			printSystemMessage(stdio.Out, "Interrupted run '%s'.", runID)
		}
		return handleExecutionError(runErr)
	}
	if runErr != nil {
		return runErr
	}

	snap, err := finalSnapshot(ctx, st, runID)
	if err != nil {
		return err
	}
	log.Info("run finished", "status", snap.Status)
	if snap.Status != domain.RunCompleted {
		return fmt.Errorf("%w: %s is %s: %s", ErrRunNotCompleted, runID, snap.Status, snap.Reason)
	}
	return nil
}

func startOrResume(ctx context.Context, st *Stack, opts RunOptions) (string, error) {
	if opts.Resume != "" {
		doc, err := st.Manager.Load(ctx, opts.Resume)
		if err != nil {
			return "", err
		}
		if doc.Status.Terminal() {
			return "", fmt.Errorf("%w: %s is %s", domain.ErrRunFinished, doc.RunID, doc.Status)
		}
		if err := st.Engine.Restore(ctx, doc.Graph, doc.RunID, doc.Events); err != nil {
			return "", err
		}
		if err := st.Engine.Resume(doc.RunID); err != nil {
			return "", err
		}
		return doc.RunID, nil
	}

	g, err := arbor.LoadGraph(ctx, opts.GraphPath)
	if err != nil {
		return "", err
	}
	var runOpts []runtime.RunOption
	if opts.RunID != "" {
		runOpts = append(runOpts, runtime.WithRunID(opts.RunID))
	}
	if opts.Timeout > 0 {
		runOpts = append(runOpts, runtime.WithRunTimeout(opts.Timeout))
	}
	return st.Engine.Start(ctx, g, runOpts...)
}

// finalSnapshot reads the run from the engine, or from the store when a
// flush already released it.
func finalSnapshot(ctx context.Context, st *Stack, runID string) (domain.Snapshot, error) {
	snap, err := st.Engine.Snapshot(runID)
	if !errors.Is(err, domain.ErrRunNotFound) {
		return snap, err
	}
	doc, err := st.Manager.Load(ctx, runID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	run, err := doc.Run()
	if err != nil {
		return domain.Snapshot{}, err
	}
	return run.Snapshot(), nil
}

func newTextHandler(stdio IO, opts RunOptions) *runner.TextHandler {
	hopts := []runner.TextHandlerOption{runner.WithVerbose(opts.Verbose)}
	if opts.ColorProfile != nil {
		hopts = append(hopts, runner.WithColorProfile(*opts.ColorProfile))
	}
	if f, ok := stdio.Out.(*os.File); ok && tui.IsInteractive(int(f.Fd())) {
		tui.PrintBanner(tui.NewOutput(f))
		hopts = append(hopts, runner.WithTextHandlerRenderer(tui.NewRenderer(int(f.Fd()))))
	}
	return runner.NewTextHandler(stdio.In, stdio.Out, hopts...)
}
