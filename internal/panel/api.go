package panel

import (
	"net/http"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/trigger"
	"github.com/rendis/flowrun/pkg/schema"
)

// runSummary is the compact run shape returned by mutations.
type runSummary struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	CompanyID  string           `json:"company_id,omitempty"`
	Status     schema.RunStatus `json:"status"`
}

func summarize(run *store.Run) runSummary {
	return runSummary{ID: run.ID, WorkflowID: run.WorkflowID, CompanyID: run.CompanyID, Status: run.Status}
}

// handleCompleteToken resolves a wait token with the request body as its
// payload and resumes the waiting run.
func (s *Server) handleCompleteToken(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("id")

	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, err.Error())
		return
	}
	var payload any
	if raw != nil {
		payload = raw
	}

	res, err := s.deps.Engine.CompleteToken(r.Context(), tokenID, payload)
	if err != nil {
		s.deps.Logger.Warn("panel: complete token failed", "token_id", tokenID, "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Output())
}

// handleEvent matches an inbound event against definition triggers and
// starts the selected runs.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, schema.ErrCodeConfiguration, "event intake is not configured")
		return
	}
	var ev trigger.Event
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, err.Error())
		return
	}

	runs, err := s.deps.Dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"runs": out})
}

// handleStartRun starts a run of a stored definition.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var in engine.StartInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, err.Error())
		return
	}
	run, err := s.deps.Engine.StartByID(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(run))
}

// handleResume continues a non-terminal run that is not active.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(run))
}
