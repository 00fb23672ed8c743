package main

import (
	"github.com/aretw0/arbor/internal/cli"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve [graph...]",
	Short: "Host runs over HTTP",
	Long: `Starts the HTTP server. Clients start runs of the given graphs with
POST /runs, follow them as Server-Sent Events on GET /runs/{id}/events and
answer input nodes with POST /runs/{id}/packets.

Unfinished runs in the configured store are restored on startup. Metrics
are served on /metrics. With --mcp-addr the same engine is also exposed
as MCP tools over SSE.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cli.ServeOptions{GraphPaths: args}
		opts.Addr, _ = cmd.Flags().GetString("addr")
		opts.MCPAddr, _ = cmd.Flags().GetString("mcp-addr")

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()
		return cli.Serve(ctx, cfg, opts, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (default from config, :8080)")
	serveCmd.Flags().String("mcp-addr", "", "Also serve MCP over SSE on this address")
}
