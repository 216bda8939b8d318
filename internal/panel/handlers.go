package panel

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

const defaultListLimit = 50

func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	defs, err := s.deps.Store.ListDefinitions(r.Context(), store.DefinitionFilter{
		CompanyID:   q.Get("company_id"),
		TriggerType: q.Get("trigger_type"),
		Limit:       queryInt(r, "limit", defaultListLimit),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if defs == nil {
		defs = []*store.DefinitionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		CompanyID:  q.Get("company_id"),
		Limit:      queryInt(r, "limit", defaultListLimit),
	}
	if st := q.Get("status"); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleRun returns the run with its step ledger.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleRunEvents returns the run history after the optional ?since sequence.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeEngineError(w, err)
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "since must be a non-negative integer")
			return
		}
		since = n
	}
	events, err := s.log.Events(r.Context(), runID, since)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRunDiagram renders the run's definition snapshot with its ledger
// overlaid. ?format selects mermaid (default), png or svg.
func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	model, err := diagram.Build(&snap.Run.Definition, snap.Steps)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case diagram.FormatPNG, diagram.FormatSVG:
		img, err := diagram.RenderImage(r.Context(), model, format)
		if err != nil {
			s.deps.Logger.Error("panel: render diagram failed", "run_id", snap.Run.ID, "error", err)
			writeEngineError(w, err)
			return
		}
		if format == diagram.FormatSVG {
			w.Header().Set("Content-Type", "image/svg+xml")
		} else {
			w.Header().Set("Content-Type", "image/png")
		}
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation,
			fmt.Sprintf("unsupported diagram format %q", format))
	}
}

// handleArtifact serves a stored artifact's content.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.deps.Store.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	ct := art.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if art.Name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", art.Name))
	}
	w.Write(art.Content)
}
