package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-abc")
	sid, ok := r.SessionFor("run-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("run-1", "s1")
	r.Register("run-2", "s1")
	r.Register("run-3", "s2")

	r.Remove("s1")
	assert.Equal(t, 1, r.Len())
	_, ok := r.SessionFor("run-3")
	assert.True(t, ok)

	r.Forget("run-3")
	assert.Zero(t, r.Len())
}

type notification struct {
	Session string
	Method  string
	Params  map[string]any
}

type fakeClient struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (c *fakeClient) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, notification{Session: sessionID, Method: method, Params: params})
	return nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestRunNotifier_Notify(t *testing.T) {
	client := &fakeClient{}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "s1")
	n := NewRunNotifier(client, sessions, discardLogger())

	require.NoError(t, n.Notify(streaming.StreamEvent{RunID: "run-1", EventType: schema.EventRunWaiting}))
	_, ok := sessions.SessionFor("run-1")
	assert.True(t, ok, "waiting keeps the mapping")

	require.NoError(t, n.Notify(streaming.StreamEvent{RunID: "run-1", EventType: schema.EventRunCompleted}))
	_, ok = sessions.SessionFor("run-1")
	assert.False(t, ok, "terminal events drop the mapping")

	require.NoError(t, n.Notify(streaming.StreamEvent{RunID: "other", EventType: schema.EventRunCompleted}))

	require.Len(t, client.sent, 2)
	assert.Equal(t, "s1", client.sent[1].Session)
	assert.Equal(t, "notifications/message", client.sent[1].Method)
	data := client.sent[1].Params["data"].(map[string]any)
	assert.Equal(t, "run-1", data["run_id"])
	assert.Equal(t, schema.EventRunCompleted, data["event_type"])
}

func TestRunNotifier_SessionGone(t *testing.T) {
	client := &fakeClient{err: server.ErrSessionNotFound}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "s1")
	sessions.Register("run-2", "s1")
	n := NewRunNotifier(client, sessions, discardLogger())

	require.NoError(t, n.Notify(streaming.StreamEvent{RunID: "run-1", EventType: schema.EventRunWaiting}))
	assert.Zero(t, sessions.Len())
}

func TestRunNotifier_SendError(t *testing.T) {
	client := &fakeClient{err: errors.New("broken pipe")}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "s1")
	n := NewRunNotifier(client, sessions, discardLogger())

	require.Error(t, n.Notify(streaming.StreamEvent{RunID: "run-1", EventType: schema.EventRunFailed}))
}

func TestRunNotifier_Watch(t *testing.T) {
	client := &fakeClient{}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "s1")
	n := NewRunNotifier(client, sessions, discardLogger())
	hub := streaming.NewMemoryHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watch(ctx, hub) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{RunID: "run-1", EventType: schema.EventStepCompleted}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{RunID: "run-1", EventType: schema.EventRunFailed}))
	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
