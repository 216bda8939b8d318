// Package panel serves the flowrun HTTP API: the wait token callback,
// event intake, run inspection, diagrams, artifacts and live event streams.
package panel

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/trigger"
	"github.com/rendis/flowrun/internal/waitpoint"
)

// Engine is the subset of *engine.Engine the API drives.
type Engine interface {
	StartByID(ctx context.Context, definitionID string, in engine.StartInput) (*store.Run, error)
	Resume(ctx context.Context, runID string) (*store.Run, error)
	CompleteToken(ctx context.Context, tokenID string, payload any) (*waitpoint.Resolution, error)
	Status(ctx context.Context, runID string) (*engine.RunSnapshot, error)
}

// Deps holds the dependencies for the API server. Dispatcher and Hub are
// optional; their routes answer 503 when absent.
type Deps struct {
	Store      store.Store
	Engine     Engine
	Dispatcher *trigger.Dispatcher
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	log  *store.EventLog
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps, log: store.NewEventLog(deps.Store)}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Wait tokens and triggers.
	mux.HandleFunc("POST /tokens/{id}/complete", s.handleCompleteToken)
	mux.HandleFunc("POST /events", s.handleEvent)

	// Definitions.
	mux.HandleFunc("GET /definitions", s.handleDefinitions)
	mux.HandleFunc("POST /definitions/{id}/runs", s.handleStartRun)

	// Runs.
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /runs/{id}/diagram", s.handleRunDiagram)
	mux.HandleFunc("POST /runs/{id}/resume", s.handleResume)

	mux.HandleFunc("GET /artifacts/{id}", s.handleArtifact)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
