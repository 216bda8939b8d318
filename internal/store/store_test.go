package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func testDefinition(id string) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		ID:        id,
		Name:      "Onboarding",
		CompanyID: "acme",
		Trigger:   schema.Trigger{Type: "employee.created"},
		Nodes: []schema.Node{
			{ID: "a", Type: schema.NodeTypeAction, Config: json.RawMessage(`{"type":"message.send"}`)},
			{ID: "b", Type: schema.NodeTypeAction, Config: json.RawMessage(`{"type":"stub"}`)},
		},
		Edges: []schema.Edge{{From: "a", To: "b"}},
	}
}

func seedRun(t *testing.T, s Store) *Run {
	t.Helper()
	run := &Run{
		ID:             uuid.New().String(),
		WorkflowID:     "wf-1",
		CompanyID:      "acme",
		Status:         schema.RunStatusQueued,
		TriggerType:    "employee.created",
		TriggerPayload: json.RawMessage(`{"name":"Ada"}`),
		Definition:     testDefinition("wf-1"),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func seedSteps(t *testing.T, s Store, runID string, nodeIDs ...string) {
	t.Helper()
	var steps []*Step
	for i, id := range nodeIDs {
		steps = append(steps, &Step{
			ID:       uuid.New().String(),
			RunID:    runID,
			NodeID:   id,
			Position: i,
			Status:   schema.StepStatusPending,
		})
	}
	require.NoError(t, s.CreateSteps(context.Background(), steps))
}

// runStoreContract exercises the behavior every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("definitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := &DefinitionRecord{ID: "wf-1", Name: "Onboarding", CompanyID: "acme", TriggerType: "employee.created", Definition: testDefinition("wf-1")}
		require.NoError(t, s.SaveDefinition(ctx, rec))
		require.NoError(t, s.SaveDefinition(ctx, &DefinitionRecord{ID: "wf-2", TriggerType: "schedule", Definition: testDefinition("wf-2")}))

		got, err := s.GetDefinition(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "Onboarding", got.Name)
		assert.Equal(t, "acme", got.CompanyID)
		require.Len(t, got.Definition.Nodes, 2)
		assert.Equal(t, "a", got.Definition.Nodes[0].ID)

		rec.Name = "Onboarding v2"
		require.NoError(t, s.SaveDefinition(ctx, rec))
		got, err = s.GetDefinition(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "Onboarding v2", got.Name)

		scheduled, err := s.ListDefinitions(ctx, DefinitionFilter{TriggerType: "schedule"})
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, "wf-2", scheduled[0].ID)

		_, err = s.GetDefinition(ctx, "missing")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})

	t.Run("runs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusQueued, got.Status)
		assert.JSONEq(t, `{"name":"Ada"}`, string(got.TriggerPayload))
		assert.Len(t, got.Definition.Nodes, 2)
		assert.Nil(t, got.StartedAt)

		running := schema.RunStatusRunning
		now := time.Now().UTC()
		require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &running, StartedAt: &now}))

		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)

		failed := schema.RunStatusFailed
		require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &failed, Error: json.RawMessage(`{"code":"STEP_FAILED"}`)}))
		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"code":"STEP_FAILED"}`, string(got.Error))

		err = s.UpdateRun(ctx, "missing", RunUpdate{Status: &failed})
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})

	t.Run("finished run is immutable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		completed := schema.RunStatusCompleted
		finished := time.Now().UTC()
		require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &completed, FinishedAt: &finished}))

		running := schema.RunStatusRunning
		err := s.UpdateRun(ctx, run.ID, RunUpdate{Status: &running})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

		failed := schema.RunStatusFailed
		err = s.UpdateRun(ctx, run.ID, RunUpdate{Status: &failed, Error: json.RawMessage(`{"code":"LATE"}`)})
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, got.Status)
		assert.Empty(t, got.Error)
	})

	t.Run("list runs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		r1 := seedRun(t, s)
		seedRun(t, s)

		completed := schema.RunStatusCompleted
		require.NoError(t, s.UpdateRun(ctx, r1.ID, RunUpdate{Status: &completed}))

		all, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-1"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		done, err := s.ListRuns(ctx, RunFilter{Status: &completed})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, r1.ID, done[0].ID)

		limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("step ledger", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		seedSteps(t, s, run.ID, "b", "a")

		steps, err := s.ListSteps(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "b", steps[0].NodeID)
		assert.Equal(t, "a", steps[1].NodeID)

		status := schema.StepStatusFailed
		attempt := 2
		now := time.Now().UTC()
		require.NoError(t, s.UpdateStep(ctx, run.ID, "a", StepUpdate{
			Status:     &status,
			Attempt:    &attempt,
			Error:      json.RawMessage(`{"message":"boom"}`),
			FinishedAt: &now,
		}))

		st, err := s.GetStep(ctx, run.ID, "a")
		require.NoError(t, err)
		assert.Equal(t, schema.StepStatusFailed, st.Status)
		assert.Equal(t, 2, st.Attempt)
		assert.JSONEq(t, `{"message":"boom"}`, string(st.Error))
		require.NotNil(t, st.FinishedAt)

		// Re-entering the node resets error and finish time.
		running := schema.StepStatusRunning
		require.NoError(t, s.UpdateStep(ctx, run.ID, "a", StepUpdate{
			Status:          &running,
			ClearError:      true,
			ClearFinishedAt: true,
			Output:          json.RawMessage(`{"iteration":1}`),
		}))
		st, err = s.GetStep(ctx, run.ID, "a")
		require.NoError(t, err)
		assert.Equal(t, schema.StepStatusRunning, st.Status)
		assert.Nil(t, st.Error)
		assert.Nil(t, st.FinishedAt)
		assert.JSONEq(t, `{"iteration":1}`, string(st.Output))

		_, err = s.GetStep(ctx, run.ID, "zzz")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
		err = s.UpdateStep(ctx, run.ID, "zzz", StepUpdate{Status: &running})
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

		// Creating the ledger again keeps existing rows untouched.
		seedSteps(t, s, run.ID, "a", "c")
		st, err = s.GetStep(ctx, run.ID, "a")
		require.NoError(t, err)
		assert.Equal(t, schema.StepStatusRunning, st.Status)
		steps, err = s.ListSteps(ctx, run.ID)
		require.NoError(t, err)
		assert.Len(t, steps, 3)
	})

	t.Run("events", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)
		other := seedRun(t, s)

		for i := 0; i < 3; i++ {
			e := &Event{RunID: run.ID, NodeID: "a", Type: schema.EventStepStarted, Payload: json.RawMessage(`{"attempt":1}`)}
			require.NoError(t, s.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
		}
		e := &Event{RunID: other.ID, Type: schema.EventRunStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(1), e.Sequence, "sequences are scoped per run")

		events, err := s.ListEvents(ctx, run.ID, 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Sequence)
		assert.Equal(t, "a", events[0].NodeID)
		assert.JSONEq(t, `{"attempt":1}`, string(events[0].Payload))
	})

	t.Run("concurrent event append", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		var wg sync.WaitGroup
		errCh := make(chan error, 40)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					if err := s.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventLoopIteration}); err != nil {
						errCh <- err
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Errorf("concurrent append error: %v", err)
		}

		events, err := s.ListEvents(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 40)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})

	t.Run("wait tokens", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		tok := &WaitToken{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			NodeID:    "w",
			Tags:      []string{"approval", "hr"},
			ExpiresAt: time.Now().UTC().Add(time.Hour),
		}
		require.NoError(t, s.CreateWaitToken(ctx, tok))

		got, err := s.GetWaitToken(ctx, tok.ID)
		require.NoError(t, err)
		assert.Equal(t, WaitTokenPending, got.Status)
		assert.Equal(t, []string{"approval", "hr"}, got.Tags)
		assert.Nil(t, got.ResolvedAt)

		pending := WaitTokenPending
		list, err := s.ListWaitTokens(ctx, WaitTokenFilter{Status: &pending})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		resolved, err := s.ResolveWaitToken(ctx, tok.ID, WaitTokenCompleted, []byte(`{"approved":true}`))
		require.NoError(t, err)
		assert.Equal(t, WaitTokenCompleted, resolved.Status)
		assert.JSONEq(t, `{"approved":true}`, string(resolved.Payload))
		require.NotNil(t, resolved.ResolvedAt)

		again, err := s.ResolveWaitToken(ctx, tok.ID, WaitTokenTimedOut, nil)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
		require.NotNil(t, again)
		assert.Equal(t, WaitTokenCompleted, again.Status)

		list, err = s.ListWaitTokens(ctx, WaitTokenFilter{Status: &pending})
		require.NoError(t, err)
		assert.Empty(t, list)

		byRun, err := s.ListWaitTokens(ctx, WaitTokenFilter{RunID: run.ID})
		require.NoError(t, err)
		assert.Len(t, byRun, 1)

		_, err = s.ResolveWaitToken(ctx, "missing", WaitTokenCompleted, nil)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})

	t.Run("artifacts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := &Artifact{ID: "art-1", RunID: "r", NodeID: "doc", Name: "offer.md", ContentType: "text/markdown", Content: []byte("# Offer")}
		require.NoError(t, s.SaveArtifact(ctx, a))

		got, err := s.GetArtifact(ctx, "art-1")
		require.NoError(t, err)
		assert.Equal(t, "offer.md", got.Name)
		assert.Equal(t, []byte("# Offer"), got.Content)

		_, err = s.GetArtifact(ctx, "nope")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})

	t.Run("schedules", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		next := time.Now().UTC().Add(time.Minute)
		require.NoError(t, s.UpsertSchedule(ctx, &Schedule{DefinitionID: "wf-1", CronExpression: "*/5 * * * *", Enabled: true, NextRunAt: &next}))
		require.NoError(t, s.UpsertSchedule(ctx, &Schedule{DefinitionID: "wf-2", CronExpression: "0 9 * * *", Enabled: false}))

		enabled := true
		list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "wf-1", list[0].DefinitionID)
		require.NotNil(t, list[0].NextRunAt)

		last := time.Now().UTC()
		require.NoError(t, s.UpdateSchedule(ctx, "wf-1", ScheduleUpdate{LastRunAt: &last, LastRunStatus: "completed"}))
		list, err = s.ListSchedules(ctx, ScheduleFilter{})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "completed", list[0].LastRunStatus)

		require.NoError(t, s.DeleteSchedule(ctx, "wf-2"))
		err = s.DeleteSchedule(ctx, "wf-2")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}
