// Package http serves the run protocol over HTTP: run management as JSON
// endpoints, outbound packets as Server-Sent Events.
package http

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
	"github.com/aretw0/arbor/pkg/persistence"
	"github.com/aretw0/arbor/pkg/protocol"
	"github.com/aretw0/arbor/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine is the part of the run engine the server drives.
type Engine interface {
	session.Controller
	Start(ctx context.Context, g *domain.Graph, opts ...runtime.RunOption) (string, error)
	Runs() []domain.Snapshot
}

// Archive serves runs that are no longer held by the engine.
type Archive interface {
	Load(ctx context.Context, runID string) (*persistence.Document, error)
}

// Feed streams the events of every run, as published by the engine's sinks.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan domain.Event, error)
}

// StartRequest is the body of POST /runs. Graph may be omitted when the
// server hosts a single graph.
type StartRequest struct {
	Graph   string `json:"graph"`
	RunID   string `json:"run_id,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// StartResponse is the body returned by POST /runs.
type StartResponse struct {
	RunID    string          `json:"run_id"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

// Server routes HTTP requests to the engine and the session hub.
type Server struct {
	engine  Engine
	hub     *session.Hub
	graphs  map[string]*domain.Graph
	archive Archive
	feed    Feed
	metrics http.Handler
	logger  *slog.Logger
	version string
}

// Option configures the Server.
type Option func(*Server)

// WithGraphs sets the graphs clients may start.
func WithGraphs(graphs ...*domain.Graph) Option {
	return func(s *Server) {
		for _, g := range graphs {
			s.graphs[g.ID] = g
		}
	}
}

// WithArchive serves persisted runs the engine has evicted.
func WithArchive(a Archive) Option {
	return func(s *Server) {
		s.archive = a
	}
}

// WithFeed serves the events of every run on /events.
func WithFeed(f Feed) Option {
	return func(s *Server) {
		s.feed = f
	}
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion is reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = strings.TrimSpace(v)
	}
}

// NewServer creates a server. hub must be built over the same engine.
func NewServer(engine Engine, hub *session.Hub, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		hub:    hub,
		graphs: make(map[string]*domain.Graph),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/graphs", s.ListGraphs)
	if s.feed != nil {
		r.Get("/events", s.StreamFeed)
	}
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.StartRun)
		r.Get("/", s.ListRuns)
		r.Get("/{runID}", s.GetRun)
		r.Get("/{runID}/events", s.SubscribeEvents)
		r.Post("/{runID}/packets", s.PostPacket)
	})
	return r
}

// DefaultShutdownTimeout bounds the graceful shutdown of ListenAndServe.
const DefaultShutdownTimeout = 5 * time.Second

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. Request contexts derive from ctx, so open event streams end
// with it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown did not complete", "timeout", DefaultShutdownTimeout, "err", err)
		return srv.Close()
	}
	s.logger.Info("http server stopped")
	return nil
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.version != "" {
		resp["version"] = s.version
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ListGraphs handles GET /graphs.
func (s *Server) ListGraphs(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID          string `json:"id"`
		Description string `json:"description,omitempty"`
		Nodes       int    `json:"nodes"`
	}
	out := make([]entry, 0, len(s.graphs))
	for _, g := range s.graphs {
		out = append(out, entry{ID: g.ID, Description: g.Description, Nodes: len(g.Nodes)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.writeJSON(w, http.StatusOK, out)
}

// StartRun handles POST /runs.
func (s *Server) StartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	g, err := s.pickGraph(body.Graph)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	var opts []runtime.RunOption
	if body.RunID != "" {
		opts = append(opts, runtime.WithRunID(body.RunID))
	}
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", body.Timeout))
			return
		}
		opts = append(opts, runtime.WithRunTimeout(d))
	}

	id, err := s.engine.Start(r.Context(), g, opts...)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrRunExists):
			s.writeError(w, http.StatusConflict, err)
		case errors.As(err, &verr):
			s.writeError(w, http.StatusUnprocessableEntity, err)
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.logger.Info("run started over http", "run_id", id, "graph_id", g.ID)

	snap, err := s.engine.Snapshot(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Location", "/runs/"+id)
	s.writeJSON(w, http.StatusCreated, StartResponse{RunID: id, Snapshot: snap})
}

func (s *Server) pickGraph(id string) (*domain.Graph, error) {
	if id == "" && len(s.graphs) == 1 {
		for _, g := range s.graphs {
			return g, nil
		}
	}
	g, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("unknown graph %q", id)
	}
	return g, nil
}

// ListRuns handles GET /runs. It lists the runs held by the engine.
func (s *Server) ListRuns(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Runs())
}

// GetRun handles GET /runs/{runID}.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	snap, err := s.engine.Snapshot(runID)
	if errors.Is(err, domain.ErrRunNotFound) && s.archive != nil {
		snap, err = s.archived(r.Context(), runID)
	}
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) archived(ctx context.Context, runID string) (domain.Snapshot, error) {
	doc, err := s.archive.Load(ctx, runID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	run, err := doc.Run()
	if err != nil {
		return domain.Snapshot{}, err
	}
	return run.Snapshot(), nil
}

// PostPacket handles POST /runs/{runID}/packets. The reply envelope is the
// body; its kind is ack or error.
func (s *Server) PostPacket(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", protocol.ErrMalformedPacket, err))
		return
	}
	if env.RunID == "" {
		env.RunID = runID
	}
	if env.RunID != runID {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("packet run_id %q does not match %q", env.RunID, runID))
		return
	}

	reply := s.hub.Dispatch(r.Context(), env)
	status := http.StatusOK
	if reply.Kind == protocol.KindError {
		var p protocol.Error
		if err := json.Unmarshal(reply.Payload, &p); err == nil {
			status = statusForCode(p.Code)
		}
	}
	s.writeJSON(w, status, reply)
}

// SubscribeEvents handles GET /runs/{runID}/events (SSE). Every outbound
// packet is one event named after its kind; the stream ends once the run
// has finished and its last event was sent.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}
	runID := chi.URLParam(r, "runID")

	sess, err := s.hub.Open(r.Context(), runID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	defer sess.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.logger.With("run_id", runID)
	log.Debug("SSE client connected")
	for {
		select {
		case <-r.Context().Done():
			log.Debug("SSE client disconnected")
			return
		case env, ok := <-sess.Packets():
			if !ok {
				return
			}
			if err := WriteEvent(w, env); err != nil {
				log.Warn("SSE write failed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

// StreamFeed handles GET /events (SSE): the events of every run, each sent
// as an event packet. A run_id query parameter narrows the stream to one
// run. Unlike a session it has no snapshot and no end.
func (s *Server) StreamFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}
	only := r.URL.Query().Get("run_id")

	events, err := s.feed.Subscribe(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if only != "" && ev.RunID != only {
				continue
			}
			env, err := protocol.Wrap(ev.RunID, protocol.Event{Event: ev})
			if err != nil {
				s.logger.Error("encode feed event", "run_id", ev.RunID, "err", err)
				continue
			}
			if err := WriteEvent(w, env); err != nil {
				s.logger.Warn("SSE write failed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

// WriteEvent writes env as one Server-Sent Event.
func WriteEvent(w interface{ Write([]byte) (int, error) }, env protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", env.Kind, env.MsgID, data)
	return err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCorruptPersistedState), errors.Is(err, domain.ErrUnsupportedFormatVersion):
		return http.StatusUnprocessableEntity
	}
	return statusForCode(protocol.ErrorFor(err).Code)
}

func statusForCode(code string) int {
	switch code {
	case protocol.CodeRunNotFound:
		return http.StatusNotFound
	case protocol.CodeRunFinished, protocol.CodeNotAwaitingInput, protocol.CodeRunBusy:
		return http.StatusConflict
	case protocol.CodeUnknownPacket, protocol.CodeBadRequest:
		return http.StatusBadRequest
	case protocol.CodeInvalidInput:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
