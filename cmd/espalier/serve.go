package main

import (
	"github.com/aretw0/espalier/internal/cli"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Serves the selected graph over HTTP: start and resume threads, inspect checkpoints,
stream lifecycle events (SSE) and expose Prometheus metrics. The API is described at /openapi.yaml.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		stack := openStack(ctx, cmd)
		defer stack.Close()

		addr := stack.Config.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		if err := cli.Serve(ctx, stack, addr); err != nil {
			fail("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", ":8080", "Address to listen on (overrides server.addr)")
}
