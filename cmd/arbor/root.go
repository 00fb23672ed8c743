package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/arbor/internal/cli"
	"github.com/aretw0/arbor/internal/config"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/spf13/cobra"
)

var (
	cfg    config.Config
	logger *slog.Logger

	stopTracing func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Arbor runs DAG workflows of typed nodes",
	Long: `Arbor executes workflow graphs: nodes run as soon as their dependencies
have produced output, guarded edges choose between branches, and input
nodes pause the run until a person answers.

Graphs are a single YAML file or a directory of Markdown documents.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if stopTracing == nil {
			return nil
		}
		return stopTracing(context.WithoutCancel(cmd.Context()))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file (default ./"+config.DefaultFile+" when present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().Bool("otlp", false, "Export traces over OTLP/HTTP (configured by OTEL_EXPORTER_OTLP_* variables)")
}

// setup loads the configuration, applies flag overrides and builds the
// logger shared by every command.
func setup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	var err error
	if cfg, err = config.Load(path); err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format, _ = cmd.Flags().GetString("log-format")
	}
	if cmd.Flags().Changed("otlp") {
		cfg.Tracing.OTLP, _ = cmd.Flags().GetBool("otlp")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if logger, err = cli.NewLogger(cfg.Log); err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.Tracing.OTLP {
		if stopTracing, err = observability.SetupTracing(cmd.Context(), cfg.Tracing.ServiceName); err != nil {
			return err
		}
		logger.Debug("tracing enabled", "service", cfg.Tracing.ServiceName)
	}
	return nil
}
