package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/trigger"
	"github.com/rendis/flowrun/pkg/schema"
)

// settlePollInterval is how often flowrun.run with wait=true re-reads the run.
const settlePollInterval = 25 * time.Millisecond

// runSummary is the compact run shape returned by run and runs.
type runSummary struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	CompanyID  string           `json:"company_id,omitempty"`
	Status     schema.RunStatus `json:"status"`
	Error      json.RawMessage  `json:"error,omitempty"`
}

func summarize(run *store.Run) runSummary {
	return runSummary{ID: run.ID, WorkflowID: run.WorkflowID, CompanyID: run.CompanyID, Status: run.Status, Error: run.Error}
}

// handleDefine validates and stores a definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	def, err := schema.ParseDefinition(defBytes)
	if err != nil {
		return toolError(err), nil
	}

	if id := req.GetString("id", ""); id != "" {
		def.ID = id
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if company := req.GetString("company_id", ""); company != "" {
		def.CompanyID = company
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		result := s.validator.Validate(def)
		if !result.Valid() {
			return marshalError(map[string]any{"valid": false, "errors": result.Errors, "warnings": result.Warnings})
		}
		warnings = result.Warnings
	}

	rec := &store.DefinitionRecord{
		ID:          def.ID,
		Name:        def.Name,
		CompanyID:   def.CompanyID,
		TriggerType: def.Trigger.Type,
		Definition:  *def,
	}
	if err := s.store.SaveDefinition(ctx, rec); err != nil {
		return toolError(err), nil
	}
	s.logger.Info("mcp: definition stored", "definition_id", def.ID, "trigger_type", def.Trigger.Type)

	if s.scheduler != nil {
		if err := s.scheduler.Sync(ctx); err != nil {
			s.logger.Warn("mcp: schedule sync failed", "definition_id", def.ID, "error", err)
		}
	}

	return marshalResult(map[string]any{
		"id":           def.ID,
		"trigger_type": def.Trigger.Type,
		"valid":        true,
		"warnings":     warnings,
	})
}

// handleRun starts a run of a definition, or dispatches an event.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID := req.GetString("definition_id", "")
	eventRaw := mcp.ParseStringMap(req, "event", nil)

	switch {
	case definitionID != "" && eventRaw != nil:
		return mcp.NewToolResultError("definition_id and event are mutually exclusive"), nil
	case eventRaw != nil:
		return s.dispatchEvent(ctx, eventRaw)
	case definitionID == "":
		return mcp.NewToolResultError("one of definition_id or event is required"), nil
	}

	in := engine.StartInput{CompanyID: req.GetString("company_id", "")}
	if payload := mcp.ParseStringMap(req, "payload", nil); payload != nil {
		in.Payload = payload
	}
	run, err := s.engine.StartByID(ctx, definitionID, in)
	if err != nil {
		return toolError(err), nil
	}
	s.captureSession(ctx, run.ID)

	if req.GetBool("wait", false) {
		settled, err := s.awaitSettled(ctx, run.ID)
		if err != nil {
			return toolError(err), nil
		}
		run = settled
	}
	return marshalResult(summarize(run))
}

func (s *Server) dispatchEvent(ctx context.Context, raw map[string]any) (*mcp.CallToolResult, error) {
	if s.dispatcher == nil {
		return mcp.NewToolResultError("event dispatch is not configured"), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid event: %v", err)), nil
	}
	var ev trigger.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid event: %v", err)), nil
	}

	runs, err := s.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		return toolError(err), nil
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		s.captureSession(ctx, run.ID)
		out = append(out, summarize(run))
	}
	return marshalResult(map[string]any{"runs": out})
}

// awaitSettled polls the run until it is terminal or waiting.
func (s *Server) awaitSettled(ctx context.Context, runID string) (*store.Run, error) {
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() || run.Status == schema.RunStatusWaiting {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "wait for run cancelled").WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

// handleStatus returns a run with its step ledger.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	snap, err := s.engine.Status(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(snap)
}

// handleRuns lists runs matching the filters.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		CompanyID:  req.GetString("company_id", ""),
		Limit:      req.GetInt("limit", 50),
	}
	if st := req.GetString("status", ""); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	return marshalResult(map[string]any{"runs": out})
}

// handleCompleteToken resolves a wait token and resumes its run.
func (s *Server) handleCompleteToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, err := req.RequireString("token_id")
	if err != nil {
		return mcp.NewToolResultError("token_id is required"), nil
	}
	var payload any
	if p := mcp.ParseStringMap(req, "payload", nil); p != nil {
		payload = p
	}
	res, err := s.engine.CompleteToken(ctx, tokenID, payload)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(res.Output())
}

// handleDiagram draws a definition or a run.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != diagram.FormatSVG && format != diagram.FormatPNG {
		return mcp.NewToolResultError("format must be mermaid, svg, or png"), nil
	}

	runID := req.GetString("run_id", "")
	definitionID := req.GetString("definition_id", "")

	var def *schema.WorkflowDefinition
	var steps []*store.Step
	switch {
	case runID != "":
		snap, err := s.engine.Status(ctx, runID)
		if err != nil {
			return toolError(err), nil
		}
		def = &snap.Run.Definition
		steps = snap.Steps
	case definitionID != "":
		rec, err := s.store.GetDefinition(ctx, definitionID)
		if err != nil {
			return toolError(err), nil
		}
		def = &rec.Definition
		if def.ID == "" {
			def.ID = rec.ID
		}
	default:
		return mcp.NewToolResultError("one of run_id or definition_id is required"), nil
	}

	model, err := diagram.Build(def, steps)
	if err != nil {
		return toolError(err), nil
	}

	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	img, err := diagram.RenderImage(ctx, model, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
	}
	if format == diagram.FormatSVG {
		return mcp.NewToolResultText(string(img)), nil
	}
	return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(img), "image/png"), nil
}

// --- Internal helpers ---

// captureSession maps the run to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// toolError renders an error as a tool error result, prefixed with its code.
func toolError(err error) *mcp.CallToolResult {
	ee := schema.AsEngineError(err, schema.ErrCodeExecution)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", ee.Code, ee.Message))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// marshalError is marshalResult flagged as a tool error.
func marshalError(v any) (*mcp.CallToolResult, error) {
	result, err := marshalResult(v)
	if err == nil && result != nil {
		result.IsError = true
	}
	return result, err
}
