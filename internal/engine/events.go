package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
)

// recorder appends to the run history and mirrors each entry to the hub.
// Both writes are best-effort: failures are logged, never propagated, and
// they survive cancellation of the run context.
type recorder struct {
	log    *store.EventLog
	hub    streaming.EventHub
	logger *slog.Logger
}

func (r *recorder) emit(ctx context.Context, runID, workflowID, nodeID, eventType string, payload any) {
	ctx = context.WithoutCancel(ctx)
	ev, err := r.log.Append(ctx, runID, nodeID, eventType, payload)
	if err != nil {
		logging.LogWith(ctx, r.logger).Warn("engine: append event failed",
			"event_type", eventType, "error", err)
		return
	}
	if r.hub == nil {
		return
	}
	se := streaming.StreamEvent{
		RunID:      runID,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		EventType:  eventType,
		Sequence:   ev.Sequence,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	}
	if err := r.hub.Publish(ctx, se); err != nil {
		logging.LogWith(ctx, r.logger).Warn("engine: publish event failed",
			"event_type", eventType, "error", err)
	}
}
