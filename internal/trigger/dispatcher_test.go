package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

type startCall struct {
	Def   schema.WorkflowDefinition
	Input engine.StartInput
}

type mockStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (s *mockStarter) Start(_ context.Context, def *schema.WorkflowDefinition, in engine.StartInput) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, startCall{Def: *def, Input: in})
	return &store.Run{ID: "run-" + def.ID, WorkflowID: def.ID, CompanyID: in.CompanyID, Status: schema.RunStatusQueued}, nil
}

func (s *mockStarter) started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, c := range s.calls {
		ids = append(ids, c.Def.ID)
	}
	sort.Strings(ids)
	return ids
}

func newDispatcher(t *testing.T) (*Dispatcher, *store.MemoryStore, *mockStarter) {
	t.Helper()
	ms, err := store.NewMemoryStore()
	require.NoError(t, err)
	starter := &mockStarter{}
	d := NewDispatcher(ms, starter, newMatcher(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return d, ms, starter
}

func save(t *testing.T, s store.Store, id, company string, trig schema.Trigger) {
	t.Helper()
	require.NoError(t, s.SaveDefinition(context.Background(), &store.DefinitionRecord{
		ID:          id,
		CompanyID:   company,
		TriggerType: trig.Type,
		Definition: schema.WorkflowDefinition{
			Trigger: trig,
			Nodes:   []schema.Node{{ID: "a", Type: "stub"}},
		},
	}))
}

func TestDispatch_StartsMatchingDefinitions(t *testing.T) {
	d, ms, starter := newDispatcher(t)
	save(t, ms, "big-orders", "", schema.Trigger{Type: "order", Config: map[string]any{"filter": "event.payload.amount > 100.0"}})
	save(t, ms, "all-orders", "", schema.Trigger{Type: "order"})
	save(t, ms, "refunds", "", schema.Trigger{Type: "refund"})

	runs, err := d.Dispatch(context.Background(), Event{Type: "order", Payload: map[string]any{"amount": 500}})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, []string{"all-orders", "big-orders"}, starter.started())

	for _, c := range starter.calls {
		assert.Equal(t, "order", c.Input.TriggerType)
		assert.Equal(t, map[string]any{"amount": 500}, c.Input.Payload)
	}
}

func TestDispatch_NoMatch(t *testing.T) {
	d, ms, starter := newDispatcher(t)
	save(t, ms, "big-orders", "", schema.Trigger{Type: "order", Config: map[string]any{"filter": "event.payload.amount > 100.0"}})

	runs, err := d.Dispatch(context.Background(), Event{Type: "order", Payload: map[string]any{"amount": 5}})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, starter.started())
}

func TestDispatch_CompanyScoping(t *testing.T) {
	d, ms, starter := newDispatcher(t)
	save(t, ms, "acme-only", "acme", schema.Trigger{Type: "order"})
	save(t, ms, "globex-only", "globex", schema.Trigger{Type: "order"})
	save(t, ms, "shared", "", schema.Trigger{Type: "order"})

	_, err := d.Dispatch(context.Background(), Event{Type: "order", CompanyID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-only", "shared"}, starter.started())

	for _, c := range starter.calls {
		assert.Equal(t, "acme", c.Input.CompanyID)
	}
}

func TestDispatch_EventWithoutCompanyStartsOnlyGlobalDefinitions(t *testing.T) {
	d, ms, starter := newDispatcher(t)
	save(t, ms, "acme-only", "acme", schema.Trigger{Type: "order"})
	save(t, ms, "shared", "", schema.Trigger{Type: "order"})

	runs, err := d.Dispatch(context.Background(), Event{Type: "order"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"shared"}, starter.started())
	assert.Empty(t, starter.calls[0].Input.CompanyID)
}

func TestDispatch_DefinitionCompanyCarriedIntoRun(t *testing.T) {
	d, ms, starter := newDispatcher(t)
	save(t, ms, "acme-only", "acme", schema.Trigger{Type: "order"})

	_, err := d.Dispatch(context.Background(), Event{Type: "order", CompanyID: "acme"})
	require.NoError(t, err)
	require.Len(t, starter.calls, 1)
	assert.Equal(t, "acme", starter.calls[0].Input.CompanyID)
	assert.Equal(t, "acme", starter.calls[0].Def.CompanyID)
}

func TestDispatch_BadFilterSkipped(t *testing.T) {
	d, ms, starter := newDispatcher(t)
	save(t, ms, "broken", "", schema.Trigger{Type: "order", Config: map[string]any{"filter": "event.payload.amount >"}})
	save(t, ms, "ok", "", schema.Trigger{Type: "order"})

	runs, err := d.Dispatch(context.Background(), Event{Type: "order"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, []string{"ok"}, starter.started())
}

func TestDispatch_StartError(t *testing.T) {
	d, ms, starter := newDispatcher(t)
	starter.err = errors.New("pool closed")
	save(t, ms, "all-orders", "", schema.Trigger{Type: "order"})

	runs, err := d.Dispatch(context.Background(), Event{Type: "order"})
	require.Error(t, err)
	assert.Empty(t, runs)
}

func TestDispatch_RequiresType(t *testing.T) {
	d, _, _ := newDispatcher(t)

	_, err := d.Dispatch(context.Background(), Event{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestDispatch_WithEngine(t *testing.T) {
	ms, err := store.NewMemoryStore()
	require.NoError(t, err)
	eng := engine.New(ms, nil, nil, engine.Config{PoolSize: 2})
	t.Cleanup(eng.Shutdown)

	require.NoError(t, ms.SaveDefinition(context.Background(), &store.DefinitionRecord{
		ID:          "noop",
		TriggerType: "ping",
		Definition:  schema.WorkflowDefinition{Trigger: schema.Trigger{Type: "ping"}},
	}))

	d := NewDispatcher(ms, eng, newMatcher(t), nil)
	runs, err := d.Dispatch(context.Background(), Event{Type: "ping"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run, err := eng.Wait(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}
