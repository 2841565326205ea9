package main

import (
	"os"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/runner"
	"github.com/spf13/cobra"
)

var threadCmd = &cobra.Command{
	Use:     "thread",
	Aliases: []string{"threads"},
	Short:   "Manage persisted threads",
	Long:    `List, inspect, time travel through and remove threads in the configured store.`,
}

var threadLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List all threads",
	Run: func(cmd *cobra.Command, args []string) {
		stack := openStack(cmd.Context(), cmd)
		defer stack.Close()

		if err := cli.ListThreads(cmd.Context(), stack, os.Stdout); err != nil {
			fail("Error listing threads: %v", err)
		}
	},
}

var threadInspectCmd = &cobra.Command{
	Use:   "inspect <thread-id>",
	Short: "Show the latest checkpoint of a thread, or the one at --step",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		stack := openStack(cmd.Context(), cmd)
		defer stack.Close()

		step, _ := cmd.Flags().GetInt("step")
		asJSON, _ := cmd.Flags().GetBool("json")
		if err := cli.InspectThread(cmd.Context(), stack, args[0], step, asJSON, os.Stdout, renderer()); err != nil {
			fail("Error loading thread '%s': %v", args[0], err)
		}
	},
}

var threadHistoryCmd = &cobra.Command{
	Use:   "history <thread-id>",
	Short: "Show every checkpoint of a thread",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		stack := openStack(cmd.Context(), cmd)
		defer stack.Close()

		asJSON, _ := cmd.Flags().GetBool("json")
		if err := cli.PrintHistory(cmd.Context(), stack, args[0], asJSON, os.Stdout, renderer()); err != nil {
			fail("Error loading thread '%s': %v", args[0], err)
		}
	},
}

var threadRmCmd = &cobra.Command{
	Use:   "rm <thread-id>...",
	Short: "Remove threads and their history",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		stack := openStack(cmd.Context(), cmd)
		defer stack.Close()

		for _, id := range args {
			if err := cli.DeleteThread(cmd.Context(), stack, id, os.Stdout); err != nil {
				fail("Error removing thread '%s': %v", id, err)
			}
		}
	},
}

var threadPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete threads idle for longer than --max-age",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		stack := openStack(ctx, cmd)
		defer stack.Close()

		opts := cli.PruneOptions{}
		opts.MaxAge, _ = cmd.Flags().GetDuration("max-age")
		opts.Workers, _ = cmd.Flags().GetInt("workers")
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		statuses, _ := cmd.Flags().GetStringSlice("status")
		for _, s := range statuses {
			opts.Statuses = append(opts.Statuses, domain.RunStatus(s))
		}

		if _, err := cli.Prune(ctx, stack, opts, os.Stdout); err != nil {
			fail("Error pruning threads: %v", err)
		}
	},
}

func renderer() runner.ContentRenderer {
	return runner.ContentRenderer(tui.ForFile(os.Stdout))
}

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadLsCmd, threadInspectCmd, threadHistoryCmd, threadRmCmd, threadPruneCmd)

	threadInspectCmd.Flags().Int("step", -1, "Checkpoint step to load (default latest)")
	threadInspectCmd.Flags().Bool("json", false, "Print the checkpoint as JSON")
	threadHistoryCmd.Flags().Bool("json", false, "Print the checkpoints as JSON")

	threadPruneCmd.Flags().Duration("max-age", 0, "Maximum idle time (default housekeeping.max_age)")
	threadPruneCmd.Flags().Int("workers", 0, "Concurrent deletions (default housekeeping.workers)")
	threadPruneCmd.Flags().Bool("dry-run", false, "Only report what would be deleted")
	threadPruneCmd.Flags().StringSlice("status", nil, "Only prune threads in these statuses (completed, paused, failed, running)")
}
