// Package engine executes workflow runs: it plans the traversal, drives the
// run lifecycle, dispatches nodes to their handlers and persists the step
// ledger and run history as it goes.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/executors"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/waitpoint"
	"github.com/rendis/flowrun/pkg/schema"
)

// DefaultPoolSize bounds the number of runs executing at once.
const DefaultPoolSize = 16

// Config holds engine configuration.
type Config struct {
	PoolSize int
	Logger   *slog.Logger
	Hub      streaming.EventHub // optional
}

// StartInput describes the trigger that starts a run.
type StartInput struct {
	TriggerType string `json:"trigger_type,omitempty"`
	Payload     any    `json:"payload,omitempty"`
	CompanyID   string `json:"company_id,omitempty"`
}

// RunSnapshot is a run with its step ledger.
type RunSnapshot struct {
	Run    *store.Run    `json:"run"`
	Steps  []*store.Step `json:"steps"`
	Active bool          `json:"active"`
}

// Engine executes workflow runs. Each run is traversed by one goroutine from
// the worker pool; a run id is active at most once per process.
type Engine struct {
	store    store.Store
	registry *executors.Registry
	waits    waitpoint.Coordinator
	rec      *recorder
	pool     *WorkerPool
	logger   *slog.Logger

	action   nodeHandler
	handlers map[string]nodeHandler
}

// New creates an Engine.
func New(s store.Store, registry *executors.Registry, waits waitpoint.Coordinator, cfg Config) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	interp := expressions.NewInterpolator()
	eval := expressions.NewConditionEvaluator(interp)
	rec := &recorder{log: store.NewEventLog(s), hub: cfg.Hub, logger: cfg.Logger}

	e := &Engine{
		store:    s,
		registry: registry,
		waits:    waits,
		rec:      rec,
		pool:     NewWorkerPool(cfg.PoolSize),
		logger:   cfg.Logger,
		action:   &actionHandler{registry: registry, interp: interp},
	}
	e.pool.SetLogger(cfg.Logger)
	conditional := &conditionalHandler{eval: eval, rec: rec}
	e.handlers = map[string]nodeHandler{
		schema.NodeTypeConditional: conditional,
		schema.NodeTypeIf:          conditional,
		schema.NodeTypeLoop:        &loopHandler{eval: eval, rec: rec},
		schema.NodeTypeWait:        &waitHandler{waits: waits, store: s, rec: rec},
	}
	return e
}

func (e *Engine) handlerFor(node *schema.Node) nodeHandler {
	if h, ok := e.handlers[node.Type]; ok {
		return h
	}
	return e.action
}

// Start creates a queued run of def with its pending step ledger and hands
// it to the worker pool. It returns once the run is persisted; use Wait to
// block until the traversal returns.
func (e *Engine) Start(ctx context.Context, def *schema.WorkflowDefinition, in StartInput) (*store.Run, error) {
	if err := checkDefinition(def); err != nil {
		return nil, err
	}

	var payload json.RawMessage
	if in.Payload != nil {
		raw, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "trigger payload is not JSON-serializable").WithCause(err)
		}
		payload = raw
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:             uuid.New().String(),
		WorkflowID:     def.ID,
		CompanyID:      firstNonEmpty(in.CompanyID, def.CompanyID),
		Status:         schema.RunStatusQueued,
		TriggerType:    firstNonEmpty(in.TriggerType, def.Trigger.Type),
		TriggerPayload: payload,
		Definition:     *def,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	plan := Plan(def)
	steps := make([]*store.Step, 0, len(plan))
	for i, nodeID := range plan {
		steps = append(steps, &store.Step{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			NodeID:    nodeID,
			Position:  i,
			Status:    schema.StepStatusPending,
			UpdatedAt: now,
		})
	}
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, run.ID, "", run.CompanyID)
	e.rec.emit(ctx, run.ID, run.WorkflowID, "", schema.EventRunQueued, map[string]any{"plan": plan})
	if err := e.submit(ctx, run.ID); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Info("engine: run queued", "workflow_id", run.WorkflowID, "nodes", len(plan))

	snapshot := *run
	return &snapshot, nil
}

// StartByID loads a stored definition and starts a run of it.
func (e *Engine) StartByID(ctx context.Context, definitionID string, in StartInput) (*store.Run, error) {
	rec, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	def := rec.Definition
	if def.ID == "" {
		def.ID = rec.ID
	}
	if def.CompanyID == "" {
		def.CompanyID = rec.CompanyID
	}
	return e.Start(ctx, &def, in)
}

// Resume continues a non-terminal run from its ledger. It returns CONFLICT
// when the run is already active in this process.
func (e *Engine) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", runID, run.Status)
	}
	ctx = logging.WithIDs(ctx, run.ID, "", run.CompanyID)
	if err := e.submit(ctx, run.ID); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Info("engine: run resumed", "status", string(run.Status))
	return run, nil
}

// RecoverWaiting resumes every queued, running or waiting run that is not
// already active, typically once at startup. It returns how many runs were
// resubmitted.
func (e *Engine) RecoverWaiting(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []schema.RunStatus{schema.RunStatusQueued, schema.RunStatusRunning, schema.RunStatusWaiting} {
		st := status
		runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: &st})
		if err != nil {
			return n, err
		}
		for _, run := range runs {
			if e.pool.Busy(run.ID) {
				continue
			}
			if _, err := e.Resume(ctx, run.ID); err != nil {
				if schema.HasCode(err, schema.ErrCodeConflict) {
					continue
				}
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		e.logger.Info("engine: recovered runs", "count", n)
	}
	return n, nil
}

// CompleteToken resolves a wait token. If the owning run is not active in
// this process (for example after a restart) it is resumed so the
// resolution is consumed.
func (e *Engine) CompleteToken(ctx context.Context, tokenID string, payload any) (*waitpoint.Resolution, error) {
	res, err := e.waits.CompleteToken(ctx, tokenID, payload)
	if err != nil {
		return res, err
	}
	tok, err := e.store.GetWaitToken(ctx, tokenID)
	if err != nil {
		return res, nil
	}
	if !e.pool.Busy(tok.RunID) {
		if _, err := e.Resume(ctx, tok.RunID); err != nil && !schema.HasCode(err, schema.ErrCodeConflict) {
			logging.LogWith(logging.WithRunID(ctx, tok.RunID), e.logger).
				Warn("engine: resume after token completion failed", "token_id", tokenID, "error", err)
		}
	}
	return res, nil
}

// Wait blocks until the run's traversal goroutine returns (completed,
// failed or interrupted) or ctx is done, then returns the stored run.
func (e *Engine) Wait(ctx context.Context, runID string) (*store.Run, error) {
	select {
	case <-e.pool.Done(runID):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.store.GetRun(ctx, runID)
}

// Status returns the run with its step ledger in plan order.
func (e *Engine) Status(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{Run: run, Steps: steps, Active: e.pool.Busy(runID)}, nil
}

// ActiveRuns returns the ids of runs queued or executing in this process.
func (e *Engine) ActiveRuns() []string {
	return e.pool.Keys()
}

// Metrics returns worker pool metrics.
func (e *Engine) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

// Registry returns the executor registry the engine dispatches to.
func (e *Engine) Registry() *executors.Registry {
	return e.registry
}

// Shutdown cancels every active run and waits for their goroutines. Runs
// keep their persisted state and can be resumed later.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

func (e *Engine) submit(ctx context.Context, runID string) error {
	err := e.pool.Submit(ctx, runID, func(ctx context.Context) error {
		return e.drive(ctx, runID)
	})
	if err == ErrPoolShutdown {
		return schema.NewError(schema.ErrCodeCancelled, "engine is shutting down").WithCause(err)
	}
	return err
}

// drive is the body of a run's goroutine.
func (e *Engine) drive(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("engine: load run", "run_id", runID, "error", err)
		return err
	}
	ctx = logging.WithIDs(ctx, run.ID, "", run.CompanyID)
	log := logging.LogWith(ctx, e.logger)
	if run.Status.IsTerminal() {
		return nil
	}

	rs, err := e.newRunState(run)
	if err != nil {
		log.Error("engine: build run state", "error", err)
		return err
	}
	start, err := e.restore(ctx, rs)
	if err != nil {
		log.Error("engine: restore run", "error", err)
		return err
	}

	switch rs.machine.Status() {
	case schema.RunStatusQueued:
		if err := rs.machine.Start(ctx); err != nil {
			return err
		}
	case schema.RunStatusWaiting:
		// Only a wait node with a pending token keeps the run waiting.
		if _, pending := rs.tokens[start]; !pending {
			if err := rs.machine.Resume(ctx, start); err != nil {
				return err
			}
		}
	}

	err = e.execute(ctx, rs, start)
	switch {
	case err == nil:
		log.Info("engine: run completed", "visits", rs.visits)
	case ctx.Err() != nil:
		log.Info("engine: run interrupted", "status", string(rs.machine.Status()))
	default:
		log.Warn("engine: run failed", "error", err)
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
