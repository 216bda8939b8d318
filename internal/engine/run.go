package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// runState is the in-memory state of one run while its goroutine traverses
// the graph. Nothing else touches it.
type runState struct {
	run     *store.Run
	def     *schema.WorkflowDefinition
	machine *RunMachine
	scope   *expressions.Scope
	policy  schema.RetryPolicy
	budget  int

	visits         int
	iterations     map[string]int    // node -> visits so far
	iterationsLeft map[string]int    // for-loop countdowns
	tokens         map[string]string // wait node -> pending token
}

func (e *Engine) newRunState(run *store.Run) (*runState, error) {
	var payload any
	if len(run.TriggerPayload) > 0 {
		if err := json.Unmarshal(run.TriggerPayload, &payload); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "decode trigger payload").WithCause(err)
		}
	}
	def := &run.Definition
	return &runState{
		run:            run,
		def:            def,
		machine:        newRunMachine(e.store, e.rec, run),
		scope:          expressions.NewScope(run.ID, run.WorkflowID, run.CompanyID, run.TriggerType, payload),
		policy:         def.EffectiveRetryPolicy(),
		budget:         def.StepBudget(),
		iterations:     make(map[string]int),
		iterationsLeft: make(map[string]int),
		tokens:         make(map[string]string),
	}, nil
}

// restore rebuilds a run's traversal state from its ledger and history and
// returns the node to continue from ("" when nothing is left to execute).
// Completed nodes are never re-run: their outputs are put back in scope.
func (e *Engine) restore(ctx context.Context, rs *runState) (string, error) {
	plan := Plan(rs.def)
	if rs.run.Status == schema.RunStatusQueued {
		if len(plan) == 0 {
			return "", nil
		}
		return plan[0], nil
	}

	steps, err := e.store.ListSteps(ctx, rs.run.ID)
	if err != nil {
		return "", err
	}
	var resumeAt string
	for _, st := range steps {
		out := decodeOutput(st.Output)
		if node, ok := rs.def.Node(st.NodeID); ok && node.Type == schema.NodeTypeLoop {
			if result, _ := out["result"].(bool); result {
				if left, ok := out["iterations_left"].(float64); ok {
					rs.iterationsLeft[st.NodeID] = int(left)
				}
			}
		}
		switch st.Status {
		case schema.StepStatusCompleted:
			rs.scope.SetStepOutput(st.NodeID, out)
		case schema.StepStatusWaiting:
			resumeAt = st.NodeID
			if tok, ok := out["token_id"].(string); ok && tok != "" {
				rs.tokens[st.NodeID] = tok
			}
		case schema.StepStatusRunning:
			resumeAt = st.NodeID
		}
	}

	events, err := e.store.ListEvents(ctx, rs.run.ID, 0)
	if err != nil {
		return "", err
	}
	var lastDone *store.Event
	for _, ev := range events {
		switch ev.Type {
		case schema.EventStepStarted:
			rs.visits++
			rs.iterations[ev.NodeID]++
		case schema.EventStepCompleted:
			lastDone = ev
		}
	}

	if resumeAt != "" {
		// The interrupted visit is redone, not counted twice.
		if rs.iterations[resumeAt] > 0 {
			rs.iterations[resumeAt]--
			rs.visits--
		}
		return resumeAt, nil
	}
	if lastDone != nil {
		node, ok := rs.def.Node(lastDone.NodeID)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "history references unknown node %q", lastDone.NodeID)
		}
		return followEdge(rs.def, node.ID, branchOf(node, decodeOutput(lastDone.Payload))), nil
	}
	if len(plan) == 0 {
		return "", nil
	}
	return plan[0], nil
}

// branchOf recomputes the branch a completed visit took from its output.
func branchOf(node *schema.Node, out map[string]any) string {
	result, _ := out["result"].(bool)
	switch node.Type {
	case schema.NodeTypeConditional, schema.NodeTypeIf:
		if result {
			return schema.BranchYes
		}
		return schema.BranchNo
	case schema.NodeTypeLoop:
		return loopBranch(result)
	}
	return ""
}

func decodeOutput(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

// execute walks the graph from start until no edge matches, the run fails,
// or ctx is cancelled. Cancellation leaves the run in its current state.
func (e *Engine) execute(ctx context.Context, rs *runState, start string) error {
	current := start
	for current != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rs.visits >= rs.budget {
			return e.failRun(ctx, rs, schema.NewErrorf(schema.ErrCodeStepBudgetExceeded,
				"run exceeded its budget of %d node visits", rs.budget).
				WithNode(current).
				WithDetails(map[string]any{"budget": rs.budget, "visits": rs.visits}))
		}
		node, ok := rs.def.Node(current)
		if !ok {
			return e.failRun(ctx, rs, schema.NewErrorf(schema.ErrCodeValidation, "unknown node %q", current))
		}
		branch, err := e.visit(ctx, rs, node)
		if err != nil {
			return err
		}
		current = followEdge(rs.def, node.ID, branch)
	}
	return rs.machine.Complete(ctx)
}

// visit runs the attempt loop for one visit of node and returns the branch
// it produced.
func (e *Engine) visit(ctx context.Context, rs *runState, node *schema.Node) (string, error) {
	rs.visits++
	rs.iterations[node.ID]++
	iteration := rs.iterations[node.ID]

	ctx = logging.WithNodeID(ctx, node.ID)
	log := logging.LogWith(ctx, e.logger)
	handler := e.handlerFor(node)

	var (
		attempt int
		output  map[string]any
		branch  string
		lastErr error
	)
	delay := time.Duration(rs.policy.BackoffSeconds) * time.Second
	backoff := retry.WithMaxRetries(uint64(rs.policy.MaxAttempts-1), constantBackoff(delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := e.markRunning(ctx, rs, node.ID, attempt, iteration, lastErr); err != nil {
			lastErr = err
			return retry.RetryableError(err)
		}
		out, br, err := executeRecovered(ctx, handler, node, rs)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("engine: attempt failed", "attempt", attempt, "max_attempts", rs.policy.MaxAttempts, "error", err)
			return retry.RetryableError(err)
		}
		output, branch = out, br
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", e.failStep(ctx, rs, node, attempt, err)
	}

	if output == nil {
		output = map[string]any{}
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return "", e.failStep(ctx, rs, node, attempt,
			schema.NewError(schema.ErrCodeExecution, "output is not JSON-serializable").WithCause(err))
	}
	now := time.Now().UTC()
	completed := schema.StepStatusCompleted
	if err := e.store.UpdateStep(ctx, rs.run.ID, node.ID, store.StepUpdate{
		Status:     &completed,
		Output:     raw,
		FinishedAt: &now,
	}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", e.failRun(ctx, rs, schema.AsEngineError(err, schema.ErrCodeStore).WithNode(node.ID))
	}
	e.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, node.ID, schema.EventStepCompleted, output)
	rs.scope.SetStepOutput(node.ID, output)
	log.Debug("engine: node completed", "attempt", attempt, "branch", branch, "iteration", iteration)
	return branch, nil
}

// executeRecovered runs one attempt of a node, turning a panic into an
// EXECUTION_ERROR so it goes through the retry policy like any other failure.
func executeRecovered(ctx context.Context, h nodeHandler, node *schema.Node, rs *runState) (out map[string]any, branch string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, branch = nil, ""
			err = schema.NewErrorf(schema.ErrCodeExecution, "node panicked: %v", r).WithNode(node.ID)
		}
	}()
	return h.Execute(ctx, node, rs)
}

// markRunning resets the ledger row for a new attempt and records it in the
// history: step_started for the first attempt of a visit, step_retrying after.
func (e *Engine) markRunning(ctx context.Context, rs *runState, nodeID string, attempt, iteration int, lastErr error) error {
	now := time.Now().UTC()
	running := schema.StepStatusRunning
	if err := e.store.UpdateStep(ctx, rs.run.ID, nodeID, store.StepUpdate{
		Status:          &running,
		Attempt:         &attempt,
		ClearError:      true,
		StartedAt:       &now,
		ClearFinishedAt: true,
	}); err != nil {
		return err
	}

	payload := map[string]any{"attempt": attempt, "iteration": iteration, "visit": rs.visits}
	if attempt == 1 {
		e.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, nodeID, schema.EventStepStarted, payload)
		return nil
	}
	if lastErr != nil {
		payload["error"] = lastErr.Error()
	}
	e.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, nodeID, schema.EventStepRetrying, payload)
	return nil
}

// failStep records the node's final error on its ledger row and fails the
// run with STEP_FAILED.
func (e *Engine) failStep(ctx context.Context, rs *runState, node *schema.Node, attempts int, cause error) error {
	ee := schema.AsEngineError(cause, schema.ErrCodeExecution)
	stepErr := &schema.EngineError{Code: ee.Code, Message: ee.Message, Details: ee.Details, NodeID: node.ID}

	raw, _ := json.Marshal(stepErr)
	now := time.Now().UTC()
	failed := schema.StepStatusFailed
	if err := e.store.UpdateStep(ctx, rs.run.ID, node.ID, store.StepUpdate{
		Status:     &failed,
		Error:      raw,
		FinishedAt: &now,
	}); err != nil {
		logging.LogWith(ctx, e.logger).Error("engine: persist step failure", "node_id", node.ID, "error", err)
	}
	e.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, node.ID, schema.EventStepFailed, stepErr)

	return e.failRun(ctx, rs, schema.NewErrorf(schema.ErrCodeStepFailed,
		"node %s failed after %d attempt(s): %s", node.ID, attempts, ee.Message).
		WithNode(node.ID).
		WithCause(cause).
		WithDetails(map[string]any{"attempts": attempts, "error_code": ee.Code}))
}

// failRun moves the run to failed and returns runErr.
func (e *Engine) failRun(ctx context.Context, rs *runState, runErr *schema.EngineError) error {
	if err := rs.machine.Fail(ctx, runErr); err != nil {
		logging.LogWith(ctx, e.logger).Error("engine: fail run", "error", err, "cause", runErr)
		return err
	}
	return runErr
}

// constantBackoff retries after a fixed delay. Unlike retry.NewConstant it
// accepts a zero delay.
func constantBackoff(d time.Duration) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		return d, false
	})
}
