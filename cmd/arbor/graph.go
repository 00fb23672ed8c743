package main

import (
	"fmt"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/presentation/graph"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph <graph>",
	Short: "Export the graph as a Mermaid diagram",
	Long: `Loads the graph and prints a Mermaid flowchart (graph TD). Use
"arbor runs inspect --format mermaid" to see a stored run painted on it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := arbor.LoadGraph(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Print(graph.GenerateMermaid(g, nil))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
}
