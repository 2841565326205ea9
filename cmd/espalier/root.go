package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/demo"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "espalier",
	Short: "Espalier runs checkpointed graph workflows with human review gates",
	Long: `Espalier executes graphs of steps over a shared state, checkpointing every step.
Gated steps pause the thread until a reviewer approves, rejects or edits the state.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./"+config.DefaultPath+" when present)")
	rootCmd.PersistentFlags().StringP("graph", "g", demo.Approval, "Graph to run")
	rootCmd.PersistentFlags().Bool("debug", false, "Log every node, interrupt and decision")
}

// openStack loads configuration and builds the engine for the selected graph.
func openStack(ctx context.Context, cmd *cobra.Command) *cli.Stack {
	path, _ := cmd.Flags().GetString("config")
	graphName, _ := cmd.Flags().GetString("graph")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(path)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	stack, err := cli.Build(ctx, cfg, demo.NewRegistry(), graphName, cli.WithDebug(debug))
	if err != nil {
		fail("Error initializing espalier: %v", err)
	}
	return stack
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
