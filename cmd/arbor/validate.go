package main

import (
	"context"
	"os"

	"github.com/aretw0/arbor/internal/cli"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <graph>",
	Short: "Check a graph without running it",
	Long: `Compiles the graph against the configured node types and reports every
problem: unknown types, dangling edges, bad bindings, guard syntax and
cycles that no guard can break.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		st, err := cli.NewStack(cfg, logger, cli.StackOptions{Ephemeral: true})
		if err != nil {
			return err
		}
		defer st.Close(context.WithoutCancel(cmd.Context()))
		reg := st.Engine.Registry()

		if watch {
			ctx := cli.NewSignalContext(cmd.Context())
			defer ctx.Cancel()
			return cli.ValidateWatch(ctx, args[0], reg, os.Stdout, logger)
		}
		return cli.Validate(cmd.Context(), args[0], reg, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolP("watch", "w", false, "Validate again whenever the graph directory changes")
}
