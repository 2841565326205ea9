package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/logging"
	graphview "github.com/aretw0/espalier/internal/presentation/graph"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/runner"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the part of espalier.Engine served over HTTP.
type Engine interface {
	Start(ctx context.Context, threadID string, initial domain.State) (*domain.RunResult, error)
	Resume(ctx context.Context, threadID string, decision domain.Decision) (*domain.RunResult, error)
	Inspect(ctx context.Context, threadID string) (*domain.InterruptRequest, error)
	Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error)
	GetCheckpoint(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error)
	History(ctx context.Context, threadID string) ([]*domain.Checkpoint, error)
	Threads(ctx context.Context) ([]string, error)
	DeleteThread(ctx context.Context, threadID string) error
	Graph() *graph.Compiled
}

// Server serves one engine.
type Server struct {
	Engine   Engine
	Feed     *observability.Feed
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	spec *openapi3.T
}

// Option configures the Server.
type Option func(*Server)

// WithFeed enables GET /events, streaming the feed as server-sent events.
// The feed must also be registered on the engine as lifecycle hooks.
func WithFeed(feed *observability.Feed) Option {
	return func(s *Server) {
		s.Feed = feed
	}
}

// WithMetrics exposes the gatherer on GET /metrics.
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.Gatherer = gatherer
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// NewHandler creates a new HTTP handler for the engine.
func NewHandler(engine Engine, opts ...Option) (http.Handler, error) {
	server := &Server{Engine: engine, Logger: logging.NewNop()}
	for _, opt := range opts {
		opt(server)
	}

	spec, err := LoadSpec(context.Background())
	if err != nil {
		return nil, err
	}
	server.spec = spec
	validate, err := requestValidator(spec)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(validate)

	// Swagger UI
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(rawSpec)
	})
	r.Get("/swagger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(swaggerHTML))
	})
	if server.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(server.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/health", server.GetHealth)
	r.Get("/info", server.GetInfo)
	r.Get("/graph", server.GetGraph)
	r.Get("/events", server.SubscribeEvents)
	r.Get("/threads", server.ListThreads)
	r.Route("/threads/{threadId}", func(r chi.Router) {
		r.Post("/", server.StartThread)
		r.Get("/", server.GetLatestCheckpoint)
		r.Delete("/", server.DeleteThread)
		r.Post("/resume", server.ResumeThread)
		r.Get("/interrupt", server.InspectInterrupt)
		r.Get("/checkpoints", server.ListCheckpoints)
		r.Get("/checkpoints/{step}", server.GetCheckpoint)
	})

	return enableCORS(r), nil
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Custom-Header")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const swaggerHTML = `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>Espalier API Documentation</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js" crossorigin></script>
<script>
    window.onload = () => {
    window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui',
    });
    };
</script>
</body>
</html>
`

// StartRequest is the body of POST /threads/{threadId}.
type StartRequest struct {
	State domain.State `json:"state,omitempty"`
}

// StartThread handles POST /threads/{threadId}.
func (s *Server) StartThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadId")

	var body StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid request body")
			s.Logger.Warn("StartThread: invalid request body", "err", err)
			return
		}
	}

	result, err := s.Engine.Start(r.Context(), threadID, body.State)
	s.writeRun(w, "StartThread", threadID, result, err)
}

// ResumeThread handles POST /threads/{threadId}/resume.
func (s *Server) ResumeThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadId")

	var decision domain.Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request body")
		s.Logger.Warn("ResumeThread: invalid request body", "err", err)
		return
	}

	// Sanitize Input (Global Policy)
	decision, err := runner.SanitizeDecision(decision)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, fmt.Sprintf("Invalid input: %v", err))
		s.Logger.Warn("ResumeThread: input rejected", "thread_id", threadID, "err", err)
		return
	}

	result, err := s.Engine.Resume(r.Context(), threadID, decision)
	s.writeRun(w, "ResumeThread", threadID, result, err)
}

// writeRun reports a run outcome. A failed run is still a result, so it is 200 with the error in the body.
func (s *Server) writeRun(w http.ResponseWriter, op, threadID string, result *domain.RunResult, err error) {
	if result == nil {
		s.writeError(w, op, err)
		return
	}
	if err != nil {
		s.Logger.Warn(op+": run failed", "thread_id", threadID, "err", err)
	}
	writeJSON(w, http.StatusOK, result)
}

// InspectInterrupt handles GET /threads/{threadId}/interrupt.
func (s *Server) InspectInterrupt(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.Inspect(r.Context(), chi.URLParam(r, "threadId"))
	if err != nil {
		s.writeError(w, "InspectInterrupt", err)
		return
	}
	if req == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetLatestCheckpoint handles GET /threads/{threadId}.
func (s *Server) GetLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.Engine.Latest(r.Context(), chi.URLParam(r, "threadId"))
	if err != nil {
		s.writeError(w, "GetLatestCheckpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// ListCheckpoints handles GET /threads/{threadId}/checkpoints.
func (s *Server) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	history, err := s.Engine.History(r.Context(), chi.URLParam(r, "threadId"))
	if err != nil {
		s.writeError(w, "ListCheckpoints", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// GetCheckpoint handles GET /threads/{threadId}/checkpoints/{step}.
func (s *Server) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	var step int
	err := runtime.BindStyledParameterWithOptions("simple", "step", chi.URLParam(r, "step"), &step,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		writeProblem(w, http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter step: %v", err))
		return
	}

	cp, err := s.Engine.GetCheckpoint(r.Context(), chi.URLParam(r, "threadId"), step)
	if err != nil {
		s.writeError(w, "GetCheckpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// DeleteThread handles DELETE /threads/{threadId}.
func (s *Server) DeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteThread(r.Context(), chi.URLParam(r, "threadId")); err != nil {
		s.writeError(w, "DeleteThread", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListThreads handles GET /threads.
func (s *Server) ListThreads(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Engine.Threads(r.Context())
	if err != nil {
		s.writeError(w, "ListThreads", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"threads": ids})
}

// GraphNode describes a node in GET /graph.
type GraphNode struct {
	Name             string                `json:"name"`
	Gated            bool                  `json:"gated,omitempty"`
	Description      string                `json:"description,omitempty"`
	AllowedDecisions []domain.DecisionKind `json:"allowed_decisions,omitempty"`
}

// GraphEdge describes a transition in GET /graph.
type GraphEdge struct {
	From    string   `json:"from"`
	To      string   `json:"to,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// GraphResponse is the body of GET /graph.
type GraphResponse struct {
	Name    string            `json:"name"`
	Entry   string            `json:"entry"`
	Nodes   []GraphNode       `json:"nodes"`
	Edges   []GraphEdge       `json:"edges"`
	Fields  map[string]string `json:"fields"`
	Mermaid string            `json:"mermaid"`
}

// GetGraph handles GET /graph.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	g := s.Engine.Graph()

	var threadID string
	if err := runtime.BindQueryParameter("form", true, false, "thread_id", r.URL.Query(), &threadID); err != nil {
		writeProblem(w, http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter thread_id: %v", err))
		return
	}

	var overlay *graphview.GraphOverlay
	if threadID != "" {
		history, err := s.Engine.History(r.Context(), threadID)
		if err != nil {
			s.writeError(w, "GetGraph", err)
			return
		}
		overlay = graphview.OverlayFromHistory(history)
	}

	resp := GraphResponse{
		Name:    g.Name(),
		Entry:   g.Entry(),
		Nodes:   []GraphNode{},
		Edges:   []GraphEdge{},
		Fields:  g.Schema().Names(),
		Mermaid: graphview.GenerateMermaid(g, overlay),
	}
	for _, n := range g.Nodes() {
		resp.Nodes = append(resp.Nodes, GraphNode{
			Name:             n.Name,
			Gated:            n.Gated,
			Description:      n.Description,
			AllowedDecisions: n.AllowedDecisions,
		})
	}
	for _, t := range g.Edges() {
		edge := GraphEdge{From: t.From}
		if t.Conditional() {
			edge.Targets = t.Targets
		} else {
			edge.To = t.To
		}
		resp.Edges = append(resp.Edges, edge)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	apiVersion := "unknown"
	if s.spec != nil && s.spec.Info != nil {
		apiVersion = s.spec.Info.Version
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"app":         "espalier-http",
		"version":     strings.TrimSpace(espalier.Version),
		"api_version": apiVersion,
		"graph":       s.Engine.Graph().Name(),
	})
}

// SubscribeEvents handles the GET /events request (SSE).
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		writeProblem(w, http.StatusNotFound, "event feed is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming not supported")
		s.Logger.Error("SubscribeEvents: streaming not supported")
		return
	}

	var threadID string
	if err := runtime.BindQueryParameter("form", true, false, "thread_id", r.URL.Query(), &threadID); err != nil {
		writeProblem(w, http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter thread_id: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.Feed.Subscribe(threadID)
	defer cancel()
	s.Logger.Info("SSE client subscribed", "thread_id", threadID)

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.Logger.Info("SSE client disconnected", "thread_id", threadID)
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.Logger.Error("SSE: failed to encode event", "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// -- Helpers --

// Problem is the JSON body of every error response.
type Problem struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownThread), errors.Is(err, domain.ErrThreadNotFound), errors.Is(err, domain.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidDecision):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Logger.Error(op+" failed", "err", err)
	} else {
		s.Logger.Debug(op+" refused", "status", status, "err", err)
	}
	writeProblem(w, status, err.Error())
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Problem{Status: status, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
