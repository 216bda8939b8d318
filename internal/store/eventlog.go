package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// EventLog records and replays the append-only history of runs on top of any
// Store. The step ledger keeps only the latest state per node; the log keeps
// every attempt and every loop iteration.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide run history operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append marshals payload and appends an event to the run's history. The
// store assigns the per-run sequence.
func (el *EventLog) Append(ctx context.Context, runID, nodeID, eventType string, payload any) (*Event, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	event := &Event{
		RunID:     runID,
		NodeID:    nodeID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	if err := el.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Events returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.ListEvents(ctx, runID, since)
}

// NodeHistory returns every event recorded for one node of a run, oldest first.
func (el *EventLog) NodeHistory(ctx context.Context, runID, nodeID string) ([]*Event, error) {
	events, err := el.store.ListEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, e := range events {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out, nil
}

// NodeSummary is the state of one node reconstructed from the run history.
type NodeSummary struct {
	NodeID     string            `json:"node_id"`
	Status     schema.StepStatus `json:"status"`
	Executions int               `json:"executions"`
	Attempts   int               `json:"attempts"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      json.RawMessage   `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Replay rebuilds per-node state from a run's history. It returns an error
// if a sequence gap is detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*NodeSummary, error) {
	events, err := el.store.ListEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*NodeSummary)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		ns, ok := states[e.NodeID]
		if !ok {
			ns = &NodeSummary{NodeID: e.NodeID, Status: schema.StepStatusPending}
			states[e.NodeID] = ns
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			ns.Status = schema.StepStatusRunning
			ns.Executions++
			ns.Attempts++
			ns.StartedAt = &ts
			ns.FinishedAt = nil
			ns.Error = nil
		case schema.EventStepRetrying:
			ns.Attempts++
		case schema.EventStepCompleted:
			ns.Status = schema.StepStatusCompleted
			ns.Output = e.Payload
			ns.FinishedAt = &ts
		case schema.EventStepFailed:
			ns.Status = schema.StepStatusFailed
			ns.Error = e.Payload
			ns.FinishedAt = &ts
		case schema.EventStepWaiting:
			ns.Status = schema.StepStatusWaiting
			ns.Output = e.Payload
		}
	}
	return states, nil
}
