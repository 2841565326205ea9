package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/spf13/cobra"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts the engine as an MCP Server.
This allows AI agents to start threads, answer reviews and read checkpoints as tools.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		// Logs go to stderr, so they never corrupt JSON-RPC on stdout.
		stack := openStack(ctx, cmd)
		defer stack.Close()

		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")
		addr := fmt.Sprintf(":%d", port)
		baseURL, _ := cmd.Flags().GetString("base-url")
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://localhost:%d", port)
		}

		if err := cli.ServeMCP(ctx, stack, strings.ToLower(transport), addr, baseURL); err != nil {
			fail("MCP Server execution failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", cli.TransportStdio, "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().Int("port", 8081, "Port to listen on (only for SSE)")
	mcpCmd.Flags().String("base-url", "", "Public URL of the SSE server (default http://localhost:<port>)")
}
