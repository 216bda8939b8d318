package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time notification emitted while a run executes. It
// mirrors an entry of the run history.
type StreamEvent struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	EventType  string    `json:"event_type"`
	Sequence   int64     `json:"sequence,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
