package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore()
	require.NoError(t, err)
	return s
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newMemoryStore(t) })
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	seedSteps(t, s, run.ID, "a")

	require.NoError(t, s.UpdateStep(ctx, run.ID, "a", StepUpdate{Output: json.RawMessage(`{"n":1}`)}))
	st, err := s.GetStep(ctx, run.ID, "a")
	require.NoError(t, err)
	st.Output[2] = 'X'
	st.Status = schema.StepStatusFailed

	again, err := s.GetStep(ctx, run.ID, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(again.Output))
	assert.Equal(t, schema.StepStatusPending, again.Status)
}

func TestMemoryStore_DuplicateRun(t *testing.T) {
	s := newMemoryStore(t)
	run := seedRun(t, s)
	err := s.CreateRun(context.Background(), &Run{ID: run.ID, WorkflowID: "wf-1"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestMemoryStore_UpsertScheduleKeepsRunHistory(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSchedule(ctx, &Schedule{DefinitionID: "wf", CronExpression: "* * * * *", Enabled: true}))
	require.NoError(t, s.UpdateSchedule(ctx, "wf", ScheduleUpdate{LastRunStatus: "failed"}))
	require.NoError(t, s.UpsertSchedule(ctx, &Schedule{DefinitionID: "wf", CronExpression: "0 * * * *", Enabled: true}))

	list, err := s.ListSchedules(ctx, ScheduleFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "0 * * * *", list[0].CronExpression)
	assert.Equal(t, "failed", list[0].LastRunStatus)
}
