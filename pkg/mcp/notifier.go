package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

// notifiedEvents are the run events pushed to the starting session.
var notifiedEvents = []string{
	schema.EventRunWaiting,
	schema.EventRunCompleted,
	schema.EventRunFailed,
}

// ClientNotifier pushes a notification to one MCP session.
type ClientNotifier interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// RunNotifier forwards run outcomes from the event hub to the MCP session
// that started each run.
type RunNotifier struct {
	client   ClientNotifier
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewRunNotifier creates a notifier that pushes through client.
func NewRunNotifier(client ClientNotifier, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{client: client, sessions: sessions, logger: logger}
}

// Watch subscribes to hub and notifies until ctx is done or the
// subscription closes.
func (n *RunNotifier) Watch(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: notifiedEvents})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ev); err != nil {
				n.logger.Warn("mcp: notify failed", "run_id", ev.RunID, "event_type", ev.EventType, "error", err)
			}
		}
	}
}

// Notify sends ev to the session that started its run.
// Best-effort: returns nil if the session is unknown or gone.
func (n *RunNotifier) Notify(ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return nil
	}
	if ev.EventType != schema.EventRunWaiting {
		n.sessions.Forget(ev.RunID)
	}
	err := n.client.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "flowrun",
		"data": map[string]any{
			"run_id":      ev.RunID,
			"workflow_id": ev.WorkflowID,
			"event_type":  ev.EventType,
			"payload":     ev.Payload,
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session closed between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
