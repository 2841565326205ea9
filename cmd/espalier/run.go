package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/runner"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [thread-id]",
	Short: "Run a thread interactively",
	Long: `Starts the thread (or picks it up where it stopped) and prompts for every review.
Type 'quit' to leave the thread paused; running it again continues from the pending review.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		stack := openStack(ctx, cmd)
		defer stack.Close()

		opts := cli.RunOptions{In: os.Stdin, Out: os.Stdout, WatchTo: os.Stderr}
		if len(args) > 0 {
			opts.ThreadID = args[0]
		}
		opts.State, _ = cmd.Flags().GetString("state")
		opts.JSON, _ = cmd.Flags().GetBool("json")
		opts.Watch, _ = cmd.Flags().GetBool("watch")
		opts.Retry, _ = cmd.Flags().GetBool("retry")
		opts.Fresh, _ = cmd.Flags().GetBool("fresh")
		if !opts.JSON {
			opts.Renderer = runner.ContentRenderer(tui.ForFile(os.Stdout))
			tui.PrintBanner(os.Stdout, versionString())
		}

		result, err := cli.Run(ctx, stack, opts)
		if err != nil {
			if ctx.Signal() != nil && errors.Is(err, ctx.Err()) {
				fmt.Fprintf(os.Stderr, "\n>>> Interrupted (%v). The thread keeps its last checkpoint.\n", ctx.Signal())
				return
			}
			fail("%v", err)
		}
		if result.Status == domain.StatusFailed {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("state", "s", "", "Initial state as a JSON or YAML object")
	runCmd.Flags().Bool("json", false, "Review in JSON-Lines mode (for scripts)")
	runCmd.Flags().BoolP("watch", "w", false, "Print lifecycle events to stderr")
	runCmd.Flags().Bool("retry", false, "Retry a thread whose last run failed")
	runCmd.Flags().Bool("fresh", false, "Delete the thread before running it")
}
