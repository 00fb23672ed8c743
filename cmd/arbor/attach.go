package main

import (
	"os"

	"github.com/aretw0/arbor/internal/cli"
	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach <server-url> <run-id>",
	Short: "Follow and answer a run hosted by arbor serve",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cli.AttachOptions{BaseURL: args[0], RunID: args[1]}
		opts.JSON, _ = cmd.Flags().GetBool("json")
		opts.Verbose, _ = cmd.Flags().GetBool("verbose")

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()
		return cli.Attach(ctx, opts, cli.IO{In: os.Stdin, Out: os.Stdout}, logger)
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
	attachCmd.Flags().Bool("json", false, "Speak the packet protocol as JSON lines on stdin/stdout")
	attachCmd.Flags().BoolP("verbose", "v", false, "Show every event, not only prompts and results")
}
