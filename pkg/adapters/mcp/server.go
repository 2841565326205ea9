package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/logging"
	graphview "github.com/aretw0/espalier/internal/presentation/graph"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/runner"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// GraphURI is the resource holding the Mermaid diagram of the served graph.
const GraphURI = "espalier://graph"

// Engine defines the interface required by the MCP server to interact with Espalier.
type Engine interface {
	Start(ctx context.Context, threadID string, initial domain.State) (*domain.RunResult, error)
	Resume(ctx context.Context, threadID string, decision domain.Decision) (*domain.RunResult, error)
	Inspect(ctx context.Context, threadID string) (*domain.InterruptRequest, error)
	Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error)
	GetCheckpoint(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error)
	ListSteps(ctx context.Context, threadID string) ([]int, error)
	Threads(ctx context.Context) ([]string, error)
	Graph() *graph.Compiled
}

// RunResponse aligns with the OpenAPI RunResult schema so every adapter reports runs the same way.
type RunResponse struct {
	ThreadID     string                   `json:"thread_id" jsonschema_description:"Thread the run belongs to"`
	Status       domain.RunStatus         `json:"status" jsonschema_description:"completed, paused or failed"`
	Step         int                      `json:"step" jsonschema_description:"Latest checkpoint step"`
	State        map[string]any           `json:"state,omitempty" jsonschema_description:"Final state of a completed thread"`
	Interrupt    *domain.InterruptRequest `json:"interrupt,omitempty" jsonschema_description:"Pending review of a paused thread"`
	Error        string                   `json:"error,omitempty" jsonschema_description:"Failure of a failed run"`
	LastGoodStep int                      `json:"last_good_step" jsonschema_description:"Checkpoint a failed thread resumes from"`
}

// InterruptResponse wraps the optional pending interrupt.
type InterruptResponse struct {
	Pending   bool                     `json:"pending"`
	Interrupt *domain.InterruptRequest `json:"interrupt,omitempty"`
}

// StepsResponse lists the checkpoints of a thread.
type StepsResponse struct {
	ThreadID string `json:"thread_id"`
	Steps    []int  `json:"steps"`
}

// ThreadsResponse lists known threads.
type ThreadsResponse struct {
	Threads []string `json:"threads"`
}

// Server wraps the Espalier Engine and exposes it as an MCP Server.
type Server struct {
	engine    Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("espalier-mcp", espalier.Version),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer exposes the underlying server, e.g. to serve it over a custom transport.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the MCP server over SSE on addr until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr, "base_url", baseURL)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Info("Shutdown signal received, shutting down MCP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Baggage, Sentry-Trace")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StartArgs are the arguments of start_thread.
type StartArgs struct {
	ThreadID string `json:"thread_id"`
	State    string `json:"state"`
}

// ResumeArgs are the arguments of resume_thread.
type ResumeArgs struct {
	ThreadID string `json:"thread_id"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	Fields   string `json:"fields"`
}

// ThreadArgs select a thread.
type ThreadArgs struct {
	ThreadID string `json:"thread_id"`
}

// CheckpointArgs select a step of a thread; without a step the latest checkpoint is returned.
type CheckpointArgs struct {
	ThreadID string `json:"thread_id"`
	Step     *int   `json:"step"`
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("start_thread",
		mcp.WithDescription("Start a new thread of the graph. It runs until it pauses for review, completes or fails."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Identifier of the new thread")),
		mcp.WithString("state", mcp.Description("JSON object with the initial state (optional)")),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(s.handleStart))

	s.mcpServer.AddTool(mcp.NewTool("resume_thread",
		mcp.WithDescription("Answer the pending review of a thread and continue it. Approving a failed thread retries it."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread to resume")),
		mcp.WithString("kind", mcp.Required(), mcp.Enum("approve", "reject", "replace"), mcp.Description("Decision kind")),
		mcp.WithString("reason", mcp.Description("Why the node is rejected (reject only)")),
		mcp.WithString("fields", mcp.Description("JSON object of state fields to overwrite (replace only)")),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(s.handleResume))

	s.mcpServer.AddTool(mcp.NewTool("inspect_interrupt",
		mcp.WithDescription("Show the review a thread is waiting for, if any."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread to inspect")),
		mcp.WithOutputSchema[InterruptResponse](),
	), mcp.NewStructuredToolHandler(s.handleInspect))

	s.mcpServer.AddTool(mcp.NewTool("get_checkpoint",
		mcp.WithDescription("Load a checkpoint of a thread. Omit step for the latest one."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread to read")),
		mcp.WithNumber("step", mcp.Min(0), mcp.Description("Step index (optional)")),
		mcp.WithOutputSchema[domain.Checkpoint](),
	), mcp.NewStructuredToolHandler(s.handleGetCheckpoint))

	s.mcpServer.AddTool(mcp.NewTool("list_steps",
		mcp.WithDescription("List the checkpoint steps of a thread."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread to read")),
		mcp.WithOutputSchema[StepsResponse](),
	), mcp.NewStructuredToolHandler(s.handleListSteps))

	s.mcpServer.AddTool(mcp.NewTool("list_threads",
		mcp.WithDescription("List every known thread."),
		mcp.WithOutputSchema[ThreadsResponse](),
	), mcp.NewStructuredToolHandler(s.handleListThreads))
}

// Handler methods for structured tools

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest, args StartArgs) (RunResponse, error) {
	state, err := parseObject("state", args.State)
	if err != nil {
		return RunResponse{}, err
	}
	result, err := s.engine.Start(ctx, args.ThreadID, state)
	return s.runResponse("start_thread", args.ThreadID, result, err)
}

func (s *Server) handleResume(ctx context.Context, request mcp.CallToolRequest, args ResumeArgs) (RunResponse, error) {
	fields, err := parseObject("fields", args.Fields)
	if err != nil {
		return RunResponse{}, err
	}
	decision := domain.Decision{Kind: domain.DecisionKind(args.Kind), Reason: args.Reason, Fields: fields}

	// Sanitize Input
	decision, err = runner.SanitizeDecision(decision)
	if err != nil {
		s.logger.Warn("MCP resume: input rejected", "thread_id", args.ThreadID, "err", err)
		return RunResponse{}, fmt.Errorf("input rejected: %w", err)
	}

	result, err := s.engine.Resume(ctx, args.ThreadID, decision)
	return s.runResponse("resume_thread", args.ThreadID, result, err)
}

// runResponse reports failed runs as results; only refused calls become tool errors.
func (s *Server) runResponse(tool, threadID string, result *domain.RunResult, err error) (RunResponse, error) {
	if result == nil {
		return RunResponse{}, fmt.Errorf("%s failed: %w", tool, err)
	}
	if err != nil {
		s.logger.Warn("MCP run failed", "tool", tool, "thread_id", threadID, "err", err)
	}
	resp := RunResponse{
		ThreadID:     result.ThreadID,
		Status:       result.Status,
		Step:         result.Step,
		State:        result.State,
		Interrupt:    result.Interrupt,
		LastGoodStep: result.LastGoodStep,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp, nil
}

func (s *Server) handleInspect(ctx context.Context, request mcp.CallToolRequest, args ThreadArgs) (InterruptResponse, error) {
	req, err := s.engine.Inspect(ctx, args.ThreadID)
	if err != nil {
		return InterruptResponse{}, fmt.Errorf("inspect failed: %w", err)
	}
	return InterruptResponse{Pending: req != nil, Interrupt: req}, nil
}

func (s *Server) handleGetCheckpoint(ctx context.Context, request mcp.CallToolRequest, args CheckpointArgs) (domain.Checkpoint, error) {
	var cp *domain.Checkpoint
	var err error
	if args.Step == nil {
		cp, err = s.engine.Latest(ctx, args.ThreadID)
	} else {
		cp, err = s.engine.GetCheckpoint(ctx, args.ThreadID, *args.Step)
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("get checkpoint failed: %w", err)
	}
	return *cp, nil
}

func (s *Server) handleListSteps(ctx context.Context, request mcp.CallToolRequest, args ThreadArgs) (StepsResponse, error) {
	steps, err := s.engine.ListSteps(ctx, args.ThreadID)
	if err != nil {
		return StepsResponse{}, fmt.Errorf("list steps failed: %w", err)
	}
	return StepsResponse{ThreadID: args.ThreadID, Steps: steps}, nil
}

func (s *Server) handleListThreads(ctx context.Context, request mcp.CallToolRequest, args struct{}) (ThreadsResponse, error) {
	ids, err := s.engine.Threads(ctx)
	if err != nil {
		return ThreadsResponse{}, fmt.Errorf("list threads failed: %w", err)
	}
	return ThreadsResponse{Threads: ids}, nil
}

func parseObject(name, raw string) (domain.State, error) {
	if raw == "" {
		return nil, nil
	}
	var state domain.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object: %w", name, err)
	}
	return state, nil
}

func (s *Server) registerResources() {
	// EXPOSE: espalier://graph
	s.mcpServer.AddResource(mcp.NewResource(GraphURI, "Graph Diagram",
		mcp.WithResourceDescription("Mermaid flowchart of the served graph"),
		mcp.WithMIMEType("text/plain"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      GraphURI,
				MIMEType: "text/plain",
				Text:     graphview.GenerateMermaid(s.engine.Graph(), nil),
			},
		}, nil
	})
}
