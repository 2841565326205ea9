package main

import (
	"fmt"
	"os"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/demo"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Export the graph visualization",
	Long: `Outputs a Mermaid diagram (graph TD) of the selected graph.
With --thread, visited, skipped and current nodes of that thread are highlighted.`,
	Run: func(cmd *cobra.Command, args []string) {
		stack := openStack(cmd.Context(), cmd)
		defer stack.Close()

		threadID, _ := cmd.Flags().GetString("thread")
		if err := cli.PrintGraph(cmd.Context(), stack, threadID, os.Stdout); err != nil {
			fail("Error rendering graph: %v", err)
		}
	},
}

var graphsCmd = &cobra.Command{
	Use:   "graphs",
	Short: "List the available graphs",
	Run: func(cmd *cobra.Command, args []string) {
		reg := demo.NewRegistry()
		for _, name := range reg.Names() {
			fmt.Printf("%-10s %s\n", name, reg.Describe(name))
		}
	},
}

func init() {
	rootCmd.AddCommand(graphCmd, graphsCmd)
	graphCmd.Flags().StringP("thread", "t", "", "Overlay the progress of this thread")
}
