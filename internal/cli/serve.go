package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	httpadapter "github.com/aretw0/espalier/pkg/adapters/http"
	"github.com/aretw0/espalier/pkg/adapters/mcp"
)

// ShutdownTimeout bounds graceful shutdown of the servers.
const ShutdownTimeout = 5 * time.Second

// NewHTTPHandler builds the HTTP API of the stack, with /metrics when metrics are enabled.
func NewHTTPHandler(stack *Stack) (http.Handler, error) {
	opts := []httpadapter.Option{
		httpadapter.WithFeed(stack.Feed),
		httpadapter.WithLogger(stack.Logger),
	}
	if stack.Gatherer != nil {
		opts = append(opts, httpadapter.WithMetrics(stack.Gatherer))
	}
	return httpadapter.NewHandler(stack.Engine, opts...)
}

// Serve runs the HTTP API on addr until ctx is cancelled.
func Serve(ctx context.Context, stack *Stack, addr string) error {
	handler, err := NewHTTPHandler(stack)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)
	go func() {
		stack.Logger.Info("Starting Espalier Server", "address", addr, "graph", stack.Engine.Graph().Name())
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		stack.Logger.Info("Start shutdown...")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			stack.Logger.Warn("Graceful shutdown did not complete", "timeout", ShutdownTimeout, "err", err)
			return srv.Close()
		}
		stack.Logger.Info("Espalier Server stopped gracefully")
		return nil
	}
}

// Transports of the MCP server.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// ServeMCP runs the MCP server over stdio or SSE.
func ServeMCP(ctx context.Context, stack *Stack, transport, addr, baseURL string) error {
	srv := mcp.NewServer(stack.Engine, mcp.WithLogger(stack.Logger))
	switch transport {
	case TransportStdio:
		stack.Logger.Info("Starting Espalier MCP Server (Stdio)")
		return srv.ServeStdio()
	case TransportSSE:
		return srv.ServeSSE(ctx, addr, baseURL)
	}
	return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
}
