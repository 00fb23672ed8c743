package main

import (
	"errors"
	"os"

	"github.com/aretw0/arbor/internal/cli"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [graph]",
	Short: "Execute a graph in this terminal",
	Long: `Starts the graph (a .yaml file or a directory of Markdown nodes) and
drives it from the terminal. Input nodes prompt on stdin; with --json the
run speaks the packet protocol as JSON lines instead.

Ctrl+C cancels the run. Use --persist to keep the run in the configured
store and --resume to continue a persisted run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cli.RunOptions{}
		opts.JSON, _ = cmd.Flags().GetBool("json")
		opts.RunID, _ = cmd.Flags().GetString("run-id")
		opts.Timeout, _ = cmd.Flags().GetDuration("timeout")
		opts.Persist, _ = cmd.Flags().GetBool("persist")
		opts.Resume, _ = cmd.Flags().GetString("resume")
		opts.Verbose, _ = cmd.Flags().GetBool("verbose")

		switch {
		case opts.Resume != "" && len(args) > 0:
			return errors.New("--resume continues a stored run; do not pass a graph")
		case opts.Resume == "" && len(args) == 0:
			return errors.New("a graph path is required")
		case len(args) > 0:
			opts.GraphPath = args[0]
		}

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()
		err := cli.Run(ctx, cfg, opts, cli.IO{In: os.Stdin, Out: os.Stdout}, logger)
		if sig := ctx.Signal(); sig != nil {
			logger.Debug("stopped by signal", "signal", sig)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("json", false, "Speak the packet protocol as JSON lines on stdin/stdout")
	runCmd.Flags().String("run-id", "", "Run id to use instead of a generated one")
	runCmd.Flags().Duration("timeout", 0, "Fail the run after this long (0 disables)")
	runCmd.Flags().Bool("persist", false, "Write the run to the configured store")
	runCmd.Flags().String("resume", "", "Continue the stored run with this id")
	runCmd.Flags().BoolP("verbose", "v", false, "Show every event, not only prompts and results")
}
