package main

import (
	"context"
	"io"
	"os"

	"github.com/aretw0/arbor/internal/cli"
	"github.com/aretw0/arbor/pkg/persistence"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage persisted runs",
	Long:  `List, inspect and remove the runs kept in the configured store.`,
}

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List persisted runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(m *persistence.Manager) error {
			return cli.ListRuns(cmd.Context(), m, os.Stdout)
		})
	},
}

var runsInspectCmd = &cobra.Command{
	Use:   "inspect <run-id>",
	Short: "Print the state of a persisted run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withManager(cmd, func(m *persistence.Manager) error {
			return cli.InspectRun(cmd.Context(), m, args[0], cli.InspectFormat(format), os.Stdout)
		})
	},
}

var runsRmCmd = &cobra.Command{
	Use:   "rm <run-id>...",
	Short: "Remove one or more persisted runs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(m *persistence.Manager) error {
			return cli.RemoveRuns(cmd.Context(), m, args, os.Stdout)
		})
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsLsCmd)
	runsCmd.AddCommand(runsInspectCmd)
	runsCmd.AddCommand(runsRmCmd)

	runsInspectCmd.Flags().StringP("format", "f", string(cli.InspectJSON), "Output: json (snapshot), mermaid (graph with run state) or events")
}

// withManager opens the configured store without starting an engine.
func withManager(cmd *cobra.Command, fn func(*persistence.Manager) error) error {
	store, locker, err := cli.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	m := persistence.NewManager(store,
		persistence.WithLocker(locker),
		persistence.WithLockTTL(cfg.Store.LockTTL),
		persistence.WithLogger(logger),
	)
	defer m.Close(context.WithoutCancel(cmd.Context()))
	return fn(m)
}
