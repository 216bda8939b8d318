package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/flowrun/internal/executors"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/waitpoint"
	"github.com/rendis/flowrun/pkg/schema"
)

// nodeHandler performs one attempt of a node visit. It returns the node's
// output and the branch label that selects the outgoing edge ("" for the
// unlabeled edge).
type nodeHandler interface {
	Execute(ctx context.Context, node *schema.Node, rs *runState) (map[string]any, string, error)
}

// actionHandler dispatches every non-control node to a step executor.
type actionHandler struct {
	registry *executors.Registry
	interp   *expressions.Interpolator
}

func (h *actionHandler) Execute(ctx context.Context, node *schema.Node, rs *runState) (map[string]any, string, error) {
	settings, err := node.Settings()
	if err != nil {
		return nil, "", err
	}
	if node.Type == schema.NodeTypeAction {
		delete(settings, "executor")
	}
	in := executors.Input{
		Settings:       h.interp.ResolveSettings(settings, rs.scope),
		Scope:          rs.scope,
		RunID:          rs.run.ID,
		NodeID:         node.ID,
		NodeType:       node.Type,
		CompanyID:      rs.run.CompanyID,
		IdempotencyKey: executors.IdempotencyKey(rs.run.ID, node.ID),
	}
	out, err := h.registry.Execute(ctx, node.ExecutorType(), in)
	if err != nil {
		return nil, "", err
	}
	return out, "", nil
}

type conditionalHandler struct {
	eval *expressions.ConditionEvaluator
	rec  *recorder
}

func (h *conditionalHandler) Execute(ctx context.Context, node *schema.Node, rs *runState) (map[string]any, string, error) {
	var cfg schema.ConditionalConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, "", err
	}
	if err := checkCondition(node, cfg.Condition); err != nil {
		return nil, "", err
	}

	result := h.eval.Evaluate(cfg.Condition, rs.scope)
	branch := schema.BranchNo
	if result {
		branch = schema.BranchYes
	}
	h.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, node.ID, schema.EventConditionEvaluated,
		map[string]any{"result": result, "branch": branch})
	return map[string]any{"result": result}, branch, nil
}

type loopHandler struct {
	eval *expressions.ConditionEvaluator
	rec  *recorder
}

func (h *loopHandler) Execute(ctx context.Context, node *schema.Node, rs *runState) (map[string]any, string, error) {
	var cfg schema.LoopConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, "", err
	}

	var (
		out    map[string]any
		branch string
	)
	switch cfg.Mode {
	case schema.LoopModeWhile:
		if err := checkCondition(node, cfg.Condition); err != nil {
			return nil, "", err
		}
		result := h.eval.Evaluate(cfg.Condition, rs.scope)
		out = map[string]any{"result": result}
		branch = loopBranch(result)

	case schema.LoopModeFor:
		left, seen := rs.iterationsLeft[node.ID]
		if !seen {
			left = cfg.Iterations
		}
		if left > 0 {
			left--
			rs.iterationsLeft[node.ID] = left
			out = map[string]any{
				"result":          true,
				"iterations_left": left,
				"iteration":       cfg.Iterations - left,
			}
			branch = schema.BranchLoop
		} else {
			// Exhausted: reset so a later re-entry counts down afresh.
			delete(rs.iterationsLeft, node.ID)
			out = map[string]any{
				"result":          false,
				"iterations_left": 0,
				"iteration":       max(cfg.Iterations, 0),
			}
			branch = schema.BranchNext
		}

	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeConfiguration,
			"loop mode must be %q or %q, got %q", schema.LoopModeWhile, schema.LoopModeFor, cfg.Mode).
			WithNode(node.ID)
	}

	payload := map[string]any{"mode": cfg.Mode, "branch": branch}
	for k, v := range out {
		payload[k] = v
	}
	h.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, node.ID, schema.EventLoopIteration, payload)
	return out, branch, nil
}

func loopBranch(result bool) string {
	if result {
		return schema.BranchLoop
	}
	return schema.BranchNext
}

func checkCondition(node *schema.Node, cond *schema.Condition) error {
	if cond != nil && !expressions.ValidOperator(cond.Op) {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unknown condition operator %q", cond.Op).
			WithNode(node.ID)
	}
	return nil
}

// waitHandler suspends the run on a wait token. The token is created once
// per visit and re-awaited by later attempts and by a resumed run.
type waitHandler struct {
	waits waitpoint.Coordinator
	store store.Store
	rec   *recorder
}

func (h *waitHandler) Execute(ctx context.Context, node *schema.Node, rs *runState) (map[string]any, string, error) {
	var cfg schema.WaitConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, "", err
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeConfiguration, err.Error()).WithNode(node.ID).WithCause(err)
	}

	waiting := schema.StepStatusWaiting
	tokenID, reused := rs.tokens[node.ID]
	if !reused {
		tok, err := h.waits.CreateToken(ctx, rs.run.ID, node.ID, timeout, cfg.Tags)
		if err != nil {
			return nil, "", err
		}
		tokenID = tok.ID
		rs.tokens[node.ID] = tokenID

		out := tok.Output()
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, "", err
		}
		if err := h.store.UpdateStep(ctx, rs.run.ID, node.ID, store.StepUpdate{Status: &waiting, Output: raw}); err != nil {
			return nil, "", err
		}
		h.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, node.ID, schema.EventStepWaiting, out)
		h.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, node.ID, schema.EventWaitStarted, map[string]any{
			"token_id":   tok.ID,
			"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
			"tags":       cfg.Tags,
		})
	} else if err := h.store.UpdateStep(ctx, rs.run.ID, node.ID, store.StepUpdate{Status: &waiting}); err != nil {
		return nil, "", err
	}

	if rs.machine.Status() != schema.RunStatusWaiting {
		if err := rs.machine.Suspend(ctx, node.ID); err != nil {
			return nil, "", err
		}
	}

	res, err := h.waits.AwaitToken(ctx, tokenID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			delete(rs.tokens, node.ID)
		}
		return nil, "", schema.NewErrorf(schema.ErrCodeWaitFailed, "await token %s", tokenID).
			WithNode(node.ID).WithCause(err)
	}
	delete(rs.tokens, node.ID)

	if err := rs.machine.Resume(ctx, node.ID); err != nil {
		return nil, "", err
	}
	out := res.Output()
	h.rec.emit(ctx, rs.run.ID, rs.run.WorkflowID, node.ID, schema.EventWaitResolved, out)
	return out, "", nil
}
