// Package mcp exposes run management as Model Context Protocol tools, so an
// agent can start runs, watch them and answer their input requests.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/internal/runtime"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// GraphsURI is the resource listing the graphs the server can start.
const GraphsURI = "arbor://graphs"

// Engine is the part of the run engine the tools drive.
type Engine interface {
	Start(ctx context.Context, g *domain.Graph, opts ...runtime.RunOption) (string, error)
	Snapshot(runID string) (domain.Snapshot, error)
	Cancel(runID string) error
	ProvideInput(ctx context.Context, runID, nodeID string, value any) error
	Runs() []domain.Snapshot
}

// StartRunArgs are the arguments of start_run.
type StartRunArgs struct {
	Graph   string `json:"graph"`
	RunID   string `json:"run_id,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// RunArgs name a run.
type RunArgs struct {
	RunID string `json:"run_id"`
}

// ProvideInputArgs are the arguments of provide_input. Value is parsed as
// JSON when it is valid JSON and passed as a plain string otherwise.
type ProvideInputArgs struct {
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
	Value  string `json:"value"`
}

// RunResponse is the structured result of every run tool.
type RunResponse struct {
	RunID    string          `json:"run_id" jsonschema_description:"The run identifier"`
	Snapshot domain.Snapshot `json:"snapshot" jsonschema_description:"The state of the run after the call"`
}

// RunSummary describes one run in list_runs.
type RunSummary struct {
	RunID   string           `json:"run_id"`
	GraphID string           `json:"graph_id"`
	Status  domain.RunStatus `json:"status"`
	Seq     uint64           `json:"seq"`
	Waiting []string         `json:"waiting,omitempty" jsonschema_description:"Nodes waiting for input"`
}

// ListRunsResponse is the structured result of list_runs.
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// Server wraps the engine and exposes it as an MCP server.
type Server struct {
	engine    Engine
	graphs    map[string]*domain.Graph
	logger    *slog.Logger
	version   string
	mcpServer *server.MCPServer
}

// Option configures the Server.
type Option func(*Server)

// WithGraphs sets the graphs agents may start.
func WithGraphs(graphs ...*domain.Graph) Option {
	return func(s *Server) {
		for _, g := range graphs {
			s.graphs[g.ID] = g
		}
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion is reported to clients during initialization.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = strings.TrimSpace(v)
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		graphs:  make(map[string]*domain.Graph),
		logger:  logging.NewNop(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcpServer = server.NewMCPServer("arbor-mcp", s.version)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves on stdin and stdout until the input ends.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves over SSE on addr until ctx ends.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.serveSSE(ctx, ln)
}

func (s *Server) serveSSE(ctx context.Context, ln net.Listener) error {
	baseURL := "http://" + ln.Addr().String()
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("mcp server listening", "transport", "sse", "address", ln.Addr().String())
		serverErrors <- httpServer.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		s.logger.Info("shutting down mcp server")
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
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	startTool := mcp.NewTool("start_run",
		mcp.WithDescription("Start a run of a graph. Returns the run id and its first snapshot."),
		mcp.WithString("graph", mcp.Description("Graph to run (optional when the server hosts one graph)")),
		mcp.WithString("run_id", mcp.Description("Run identifier to use instead of a generated one")),
		mcp.WithString("timeout", mcp.Description("Run timeout as a Go duration, e.g. 10m")),
		mcp.WithOutputSchema[RunResponse](),
	)
	s.mcpServer.AddTool(startTool, mcp.NewStructuredToolHandler(s.handleStartRun))

	getTool := mcp.NewTool("get_run",
		mcp.WithDescription("Get the current snapshot of a run, including nodes waiting for input."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run identifier")),
		mcp.WithOutputSchema[RunResponse](),
	)
	s.mcpServer.AddTool(getTool, mcp.NewStructuredToolHandler(s.handleGetRun))

	cancelTool := mcp.NewTool("cancel_run",
		mcp.WithDescription("Cancel a run. Running nodes are interrupted."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run identifier")),
		mcp.WithOutputSchema[RunResponse](),
	)
	s.mcpServer.AddTool(cancelTool, mcp.NewStructuredToolHandler(s.handleCancelRun))

	inputTool := mcp.NewTool("provide_input",
		mcp.WithDescription("Answer a node waiting for human input."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run identifier")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node waiting for input")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Answer; JSON values are decoded, anything else is sent as text")),
		mcp.WithOutputSchema[RunResponse](),
	)
	s.mcpServer.AddTool(inputTool, mcp.NewStructuredToolHandler(s.handleProvideInput))

	listTool := mcp.NewTool("list_runs",
		mcp.WithDescription("List the runs held by the engine, oldest first."),
		mcp.WithOutputSchema[ListRunsResponse](),
	)
	s.mcpServer.AddTool(listTool, mcp.NewStructuredToolHandler(s.handleListRuns))
}

func (s *Server) handleStartRun(ctx context.Context, _ mcp.CallToolRequest, args StartRunArgs) (RunResponse, error) {
	g, err := s.pickGraph(args.Graph)
	if err != nil {
		return RunResponse{}, err
	}
	var opts []runtime.RunOption
	if args.RunID != "" {
		opts = append(opts, runtime.WithRunID(args.RunID))
	}
	if args.Timeout != "" {
		d, err := time.ParseDuration(args.Timeout)
		if err != nil || d <= 0 {
			return RunResponse{}, fmt.Errorf("invalid timeout %q", args.Timeout)
		}
		opts = append(opts, runtime.WithRunTimeout(d))
	}

	// The run outlives the tool call.
	runID, err := s.engine.Start(context.WithoutCancel(ctx), g, opts...)
	if err != nil {
		return RunResponse{}, fmt.Errorf("start run: %w", err)
	}
	s.logger.Info("mcp run started", "run_id", runID, "graph_id", g.ID)
	return s.respond(runID)
}

func (s *Server) handleGetRun(_ context.Context, _ mcp.CallToolRequest, args RunArgs) (RunResponse, error) {
	if args.RunID == "" {
		return RunResponse{}, errors.New("run_id is required")
	}
	return s.respond(args.RunID)
}

func (s *Server) handleCancelRun(_ context.Context, _ mcp.CallToolRequest, args RunArgs) (RunResponse, error) {
	if err := s.engine.Cancel(args.RunID); err != nil {
		return RunResponse{}, fmt.Errorf("cancel run: %w", err)
	}
	return s.respond(args.RunID)
}

func (s *Server) handleProvideInput(ctx context.Context, _ mcp.CallToolRequest, args ProvideInputArgs) (RunResponse, error) {
	if err := s.engine.ProvideInput(ctx, args.RunID, args.NodeID, parseValue(args.Value)); err != nil {
		s.logger.Warn("mcp input rejected", "run_id", args.RunID, "node_id", args.NodeID, "err", err)
		return RunResponse{}, fmt.Errorf("provide input: %w", err)
	}
	return s.respond(args.RunID)
}

func (s *Server) handleListRuns(context.Context, mcp.CallToolRequest, struct{}) (ListRunsResponse, error) {
	snaps := s.engine.Runs()
	out := ListRunsResponse{Runs: make([]RunSummary, 0, len(snaps))}
	for _, snap := range snaps {
		out.Runs = append(out.Runs, summarize(snap))
	}
	return out, nil
}

func (s *Server) respond(runID string) (RunResponse, error) {
	snap, err := s.engine.Snapshot(runID)
	if err != nil {
		return RunResponse{}, fmt.Errorf("snapshot: %w", err)
	}
	return RunResponse{RunID: runID, Snapshot: snap}, nil
}

func (s *Server) pickGraph(id string) (*domain.Graph, error) {
	if id == "" && len(s.graphs) == 1 {
		for _, g := range s.graphs {
			return g, nil
		}
	}
	if id == "" {
		return nil, fmt.Errorf("graph is required, one of: %s", strings.Join(s.graphIDs(), ", "))
	}
	g, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("unknown graph %q", id)
	}
	return g, nil
}

func (s *Server) graphIDs() []string {
	ids := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func summarize(snap domain.Snapshot) RunSummary {
	sum := RunSummary{RunID: snap.RunID, GraphID: snap.GraphID, Status: snap.Status, Seq: snap.Seq}
	for _, n := range snap.Nodes {
		if n.AwaitingInput {
			sum.Waiting = append(sum.Waiting, n.ID)
		}
	}
	return sum
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(GraphsURI, "Available graphs",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		graphs := make([]*domain.Graph, 0, len(s.graphs))
		for _, id := range s.graphIDs() {
			graphs = append(graphs, s.graphs[id])
		}
		jsonBytes, err := json.Marshal(graphs)
		if err != nil {
			return nil, fmt.Errorf("encode graphs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      GraphsURI,
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}
