package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// Run lifecycle triggers.
const (
	triggerStart    = "start"
	triggerSuspend  = "suspend"
	triggerResume   = "resume"
	triggerComplete = "complete"
	triggerFail     = "fail"
)

// RunMachine enforces the run lifecycle:
//
//	queued  -> running | failed
//	running -> waiting | completed | failed
//	waiting -> running | failed
//
// The machine's state lives on the struct and is mirrored to the store by
// the OnEntry actions, each of which also appends the matching history event.
// A RunMachine belongs to the goroutine traversing the run.
type RunMachine struct {
	store store.Store
	rec   *recorder
	run   *store.Run
	now   func() time.Time

	status schema.RunStatus
	prev   schema.RunStatus
	sm     *stateless.StateMachine
}

func newRunMachine(s store.Store, rec *recorder, run *store.Run) *RunMachine {
	m := &RunMachine{
		store:  s,
		rec:    rec,
		run:    run,
		now:    func() time.Time { return time.Now().UTC() },
		status: run.Status,
		prev:   run.Status,
	}
	m.sm = stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return m.status, nil },
		func(_ context.Context, st stateless.State) error {
			m.prev = m.status
			m.status = st.(schema.RunStatus)
			return nil
		},
		stateless.FiringImmediate,
	)

	m.sm.Configure(schema.RunStatusQueued).
		Permit(triggerStart, schema.RunStatusRunning).
		Permit(triggerFail, schema.RunStatusFailed)
	m.sm.Configure(schema.RunStatusRunning).
		Permit(triggerSuspend, schema.RunStatusWaiting).
		Permit(triggerComplete, schema.RunStatusCompleted).
		Permit(triggerFail, schema.RunStatusFailed).
		OnEntry(m.enterRunning)
	m.sm.Configure(schema.RunStatusWaiting).
		Permit(triggerResume, schema.RunStatusRunning).
		Permit(triggerFail, schema.RunStatusFailed).
		OnEntry(m.enterWaiting)
	m.sm.Configure(schema.RunStatusCompleted).
		OnEntry(m.enterCompleted)
	m.sm.Configure(schema.RunStatusFailed).
		OnEntry(m.enterFailed)
	return m
}

// Status returns the current lifecycle state.
func (m *RunMachine) Status() schema.RunStatus { return m.status }

// Start moves a queued run to running.
func (m *RunMachine) Start(ctx context.Context) error {
	return m.fire(ctx, triggerStart)
}

// Suspend moves a running run to waiting on nodeID.
func (m *RunMachine) Suspend(ctx context.Context, nodeID string) error {
	return m.fire(ctx, triggerSuspend, nodeID)
}

// Resume moves a waiting run back to running.
func (m *RunMachine) Resume(ctx context.Context, nodeID string) error {
	return m.fire(ctx, triggerResume, nodeID)
}

// Complete finishes the run successfully.
func (m *RunMachine) Complete(ctx context.Context) error {
	return m.fire(ctx, triggerComplete)
}

// Fail finishes the run with cause recorded as its error.
func (m *RunMachine) Fail(ctx context.Context, cause *schema.EngineError) error {
	return m.fire(ctx, triggerFail, cause)
}

func (m *RunMachine) fire(ctx context.Context, trigger string, args ...any) error {
	ok, err := m.sm.CanFireCtx(ctx, trigger, args...)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s: cannot %s from %s", m.run.ID, trigger, m.status).
			WithDetails(map[string]any{"run_id": m.run.ID, "from": string(m.status), "trigger": trigger})
	}
	before := m.status
	if err := m.sm.FireCtx(ctx, trigger, args...); err != nil {
		m.status = before
		return err
	}
	return nil
}

func (m *RunMachine) persist(ctx context.Context, update store.RunUpdate) error {
	status := m.status
	update.Status = &status
	if err := m.store.UpdateRun(ctx, m.run.ID, update); err != nil {
		return err
	}
	m.run.Status = status
	if update.StartedAt != nil {
		m.run.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		m.run.FinishedAt = update.FinishedAt
	}
	if update.Error != nil {
		m.run.Error = update.Error
	}
	return nil
}

func (m *RunMachine) enterRunning(ctx context.Context, args ...any) error {
	var update store.RunUpdate
	if m.run.StartedAt == nil {
		now := m.now()
		update.StartedAt = &now
	}
	if err := m.persist(ctx, update); err != nil {
		return err
	}
	if m.prev == schema.RunStatusWaiting {
		m.rec.emit(ctx, m.run.ID, m.run.WorkflowID, nodeArg(args), schema.EventRunResumed, nil)
		return nil
	}
	m.rec.emit(ctx, m.run.ID, m.run.WorkflowID, "", schema.EventRunStarted,
		map[string]any{"trigger_type": m.run.TriggerType})
	return nil
}

func (m *RunMachine) enterWaiting(ctx context.Context, args ...any) error {
	if err := m.persist(ctx, store.RunUpdate{}); err != nil {
		return err
	}
	m.rec.emit(ctx, m.run.ID, m.run.WorkflowID, nodeArg(args), schema.EventRunWaiting, nil)
	return nil
}

func (m *RunMachine) enterCompleted(ctx context.Context, _ ...any) error {
	now := m.now()
	if err := m.persist(ctx, store.RunUpdate{FinishedAt: &now}); err != nil {
		return err
	}
	m.rec.emit(ctx, m.run.ID, m.run.WorkflowID, "", schema.EventRunCompleted, nil)
	return nil
}

func (m *RunMachine) enterFailed(ctx context.Context, args ...any) error {
	var cause *schema.EngineError
	if len(args) > 0 {
		cause, _ = args[0].(*schema.EngineError)
	}
	if cause == nil {
		cause = schema.NewError(schema.ErrCodeExecution, "run failed")
	}
	raw, err := json.Marshal(cause)
	if err != nil {
		return err
	}
	now := m.now()
	if err := m.persist(ctx, store.RunUpdate{Error: raw, FinishedAt: &now}); err != nil {
		return err
	}
	m.rec.emit(ctx, m.run.ID, m.run.WorkflowID, cause.NodeID, schema.EventRunFailed, cause)
	return nil
}

func nodeArg(args []any) string {
	if len(args) == 0 {
		return ""
	}
	s, _ := args[0].(string)
	return s
}
