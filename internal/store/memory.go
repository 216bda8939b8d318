package store

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/rendis/flowrun/pkg/schema"
)

const (
	tableDefinitions = "definitions"
	tableRuns        = "runs"
	tableSteps       = "steps"
	tableEvents      = "events"
	tableWaitTokens  = "wait_tokens"
	tableArtifacts   = "artifacts"
	tableSchedules   = "schedules"
)

func memorySchema() *memdb.DBSchema {
	byRun := &memdb.IndexSchema{Name: "run", Indexer: &memdb.StringFieldIndex{Field: "RunID"}}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableDefinitions: {
				Name: tableDefinitions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			tableRuns: {
				Name: tableRuns,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			tableSteps: {
				Name: tableSteps,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "RunID"},
							&memdb.StringFieldIndex{Field: "NodeID"},
						}},
					},
					"run": byRun,
				},
			},
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "RunID"},
							&memdb.IntFieldIndex{Field: "Sequence"},
						}},
					},
					"run": {Name: "run", Indexer: &memdb.StringFieldIndex{Field: "RunID"}},
				},
			},
			tableWaitTokens: {
				Name: tableWaitTokens,
				Indexes: map[string]*memdb.IndexSchema{
					"id":  {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"run": {Name: "run", Indexer: &memdb.StringFieldIndex{Field: "RunID"}},
				},
			},
			tableArtifacts: {
				Name: tableArtifacts,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			tableSchedules: {
				Name: tableSchedules,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "DefinitionID"}},
				},
			},
		},
	}
}

// MemoryStore implements Store on an in-memory go-memdb database. It backs
// tests and the --memory mode of the CLI. Objects are copied on the way in
// and out so callers never share memory with the database.
type MemoryStore struct {
	db       *memdb.MemDB
	eventIDs atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create memdb").WithCause(err)
	}
	return &MemoryStore{db: db}, nil
}

// Migrate is a no-op; the schema is fixed at construction.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// --- Definitions ---

func (m *MemoryStore) SaveDefinition(_ context.Context, rec *DefinitionRecord) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	cp := *rec
	cp.CreatedAt = timeOrNow(rec.CreatedAt)
	if existing, err := txn.First(tableDefinitions, "id", rec.ID); err != nil {
		return err
	} else if existing != nil {
		cp.CreatedAt = existing.(*DefinitionRecord).CreatedAt
	}
	cp.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableDefinitions, &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*DefinitionRecord, error) {
	txn := m.db.Txn(false)
	raw, err := txn.First(tableDefinitions, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storeNotFound("definition", id)
	}
	cp := *raw.(*DefinitionRecord)
	return &cp, nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*DefinitionRecord, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableDefinitions, "id")
	if err != nil {
		return nil, err
	}
	var out []*DefinitionRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*DefinitionRecord)
		if filter.CompanyID != "" && rec.CompanyID != filter.CompanyID {
			continue
		}
		if filter.TriggerType != "" && rec.TriggerType != filter.TriggerType {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableRuns, "id", run.ID); err != nil {
		return err
	} else if existing != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	cp := cloneRun(run)
	cp.CreatedAt = timeOrNow(run.CreatedAt)
	cp.UpdatedAt = timeOrNow(run.UpdatedAt)
	if err := txn.Insert(tableRuns, cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	txn := m.db.Txn(false)
	raw, err := txn.First(tableRuns, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storeNotFound("run", id)
	}
	return cloneRun(raw.(*Run)), nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableRuns, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return storeNotFound("run", id)
	}
	if cur := raw.(*Run); cur.Status.IsTerminal() {
		return runAlreadyFinished(cur.ID, cur.Status)
	}
	run := cloneRun(raw.(*Run))
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Error != nil {
		run.Error = cloneBytes(update.Error)
	}
	if update.StartedAt != nil {
		run.StartedAt = cloneTime(update.StartedAt)
	}
	if update.FinishedAt != nil {
		run.FinishedAt = cloneTime(update.FinishedAt)
	}
	run.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableRuns, run); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableRuns, "id")
	if err != nil {
		return nil, err
	}
	var out []*Run
	for obj := it.Next(); obj != nil; obj = it.Next() {
		run := obj.(*Run)
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.CompanyID != "" && run.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Steps ---

func (m *MemoryStore) CreateSteps(_ context.Context, steps []*Step) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	for _, st := range steps {
		existing, err := txn.First(tableSteps, "id", st.RunID, st.NodeID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		cp := cloneStep(st)
		cp.UpdatedAt = timeOrNow(st.UpdatedAt)
		if err := txn.Insert(tableSteps, cp); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetStep(_ context.Context, runID, nodeID string) (*Step, error) {
	txn := m.db.Txn(false)
	raw, err := txn.First(tableSteps, "id", runID, nodeID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storeNotFound("step", runID+"/"+nodeID)
	}
	return cloneStep(raw.(*Step)), nil
}

func (m *MemoryStore) UpdateStep(_ context.Context, runID, nodeID string, update StepUpdate) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSteps, "id", runID, nodeID)
	if err != nil {
		return err
	}
	if raw == nil {
		return storeNotFound("step", runID+"/"+nodeID)
	}
	st := cloneStep(raw.(*Step))
	if update.Status != nil {
		st.Status = *update.Status
	}
	if update.Attempt != nil {
		st.Attempt = *update.Attempt
	}
	if update.Output != nil {
		st.Output = cloneBytes(update.Output)
	}
	if update.ClearError {
		st.Error = nil
	} else if update.Error != nil {
		st.Error = cloneBytes(update.Error)
	}
	if update.StartedAt != nil {
		st.StartedAt = cloneTime(update.StartedAt)
	}
	if update.ClearFinishedAt {
		st.FinishedAt = nil
	} else if update.FinishedAt != nil {
		st.FinishedAt = cloneTime(update.FinishedAt)
	}
	st.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableSteps, st); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]*Step, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableSteps, "run", runID)
	if err != nil {
		return nil, err
	}
	var out []*Step
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, cloneStep(obj.(*Step)))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// --- Events ---

// AppendEvent assigns the next per-run sequence. memdb serializes write
// transactions, so concurrent appends never share a sequence.
func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "run", event.RunID)
	if err != nil {
		return err
	}
	var maxSeq int64
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if e := obj.(*Event); e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
	}
	event.Sequence = maxSeq + 1
	event.ID = m.eventIDs.Add(1)
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	cp.Payload = cloneBytes(event.Payload)
	if err := txn.Insert(tableEvents, &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableEvents, "run", runID)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*Event)
		if e.Sequence <= since {
			continue
		}
		cp := *e
		cp.Payload = cloneBytes(e.Payload)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// --- Wait tokens ---

func (m *MemoryStore) CreateWaitToken(_ context.Context, tok *WaitToken) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableWaitTokens, "id", tok.ID); err != nil {
		return err
	} else if existing != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "wait token %q already exists", tok.ID)
	}
	cp := cloneWaitToken(tok)
	if cp.Status == "" {
		cp.Status = WaitTokenPending
	}
	cp.CreatedAt = timeOrNow(tok.CreatedAt)
	if err := txn.Insert(tableWaitTokens, cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetWaitToken(_ context.Context, id string) (*WaitToken, error) {
	txn := m.db.Txn(false)
	raw, err := txn.First(tableWaitTokens, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storeNotFound("wait token", id)
	}
	return cloneWaitToken(raw.(*WaitToken)), nil
}

func (m *MemoryStore) ResolveWaitToken(_ context.Context, id string, status WaitTokenStatus, payload []byte) (*WaitToken, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableWaitTokens, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storeNotFound("wait token", id)
	}
	tok := cloneWaitToken(raw.(*WaitToken))
	if tok.Status != WaitTokenPending {
		return tok, tokenAlreadyResolved(tok)
	}
	now := time.Now().UTC()
	tok.Status = status
	tok.Payload = cloneBytes(payload)
	tok.ResolvedAt = &now
	if err := txn.Insert(tableWaitTokens, tok); err != nil {
		return nil, err
	}
	txn.Commit()
	return cloneWaitToken(tok), nil
}

func (m *MemoryStore) ListWaitTokens(_ context.Context, filter WaitTokenFilter) ([]*WaitToken, error) {
	txn := m.db.Txn(false)
	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.RunID != "" {
		it, err = txn.Get(tableWaitTokens, "run", filter.RunID)
	} else {
		it, err = txn.Get(tableWaitTokens, "id")
	}
	if err != nil {
		return nil, err
	}
	var out []*WaitToken
	for obj := it.Next(); obj != nil; obj = it.Next() {
		tok := obj.(*WaitToken)
		if filter.Status != nil && tok.Status != *filter.Status {
			continue
		}
		out = append(out, cloneWaitToken(tok))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Artifacts ---

func (m *MemoryStore) SaveArtifact(_ context.Context, a *Artifact) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	cp := *a
	cp.Content = cloneBytes(a.Content)
	cp.CreatedAt = timeOrNow(a.CreatedAt)
	if err := txn.Insert(tableArtifacts, &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, id string) (*Artifact, error) {
	txn := m.db.Txn(false)
	raw, err := txn.First(tableArtifacts, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storeNotFound("artifact", id)
	}
	cp := *raw.(*Artifact)
	cp.Content = cloneBytes(cp.Content)
	return &cp, nil
}

// --- Schedules ---

func (m *MemoryStore) UpsertSchedule(_ context.Context, sc *Schedule) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	cp := *sc
	cp.NextRunAt = cloneTime(sc.NextRunAt)
	cp.LastRunAt = cloneTime(sc.LastRunAt)
	cp.CreatedAt = timeOrNow(sc.CreatedAt)
	if existing, err := txn.First(tableSchedules, "id", sc.DefinitionID); err != nil {
		return err
	} else if existing != nil {
		prev := existing.(*Schedule)
		cp.CreatedAt = prev.CreatedAt
		cp.LastRunAt = cloneTime(prev.LastRunAt)
		cp.LastRunStatus = prev.LastRunStatus
	}
	cp.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableSchedules, &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, definitionID string, update ScheduleUpdate) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSchedules, "id", definitionID)
	if err != nil {
		return err
	}
	if raw == nil {
		return storeNotFound("schedule", definitionID)
	}
	sc := *raw.(*Schedule)
	sc.NextRunAt = cloneTime(sc.NextRunAt)
	sc.LastRunAt = cloneTime(sc.LastRunAt)
	if update.Enabled != nil {
		sc.Enabled = *update.Enabled
	}
	if update.NextRunAt != nil {
		sc.NextRunAt = cloneTime(update.NextRunAt)
	}
	if update.LastRunAt != nil {
		sc.LastRunAt = cloneTime(update.LastRunAt)
	}
	if update.LastRunStatus != "" {
		sc.LastRunStatus = update.LastRunStatus
	}
	sc.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableSchedules, &sc); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableSchedules, "id")
	if err != nil {
		return nil, err
	}
	var out []*Schedule
	for obj := it.Next(); obj != nil; obj = it.Next() {
		sc := obj.(*Schedule)
		if filter.Enabled != nil && sc.Enabled != *filter.Enabled {
			continue
		}
		cp := *sc
		cp.NextRunAt = cloneTime(sc.NextRunAt)
		cp.LastRunAt = cloneTime(sc.LastRunAt)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, definitionID string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSchedules, "id", definitionID)
	if err != nil {
		return err
	}
	if raw == nil {
		return storeNotFound("schedule", definitionID)
	}
	if err := txn.Delete(tableSchedules, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- Copy helpers ---

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRun(r *Run) *Run {
	cp := *r
	cp.TriggerPayload = cloneBytes(r.TriggerPayload)
	cp.Error = cloneBytes(r.Error)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.FinishedAt = cloneTime(r.FinishedAt)
	return &cp
}

func cloneStep(s *Step) *Step {
	cp := *s
	cp.Output = cloneBytes(s.Output)
	cp.Error = cloneBytes(s.Error)
	cp.StartedAt = cloneTime(s.StartedAt)
	cp.FinishedAt = cloneTime(s.FinishedAt)
	return &cp
}

func cloneWaitToken(t *WaitToken) *WaitToken {
	cp := *t
	cp.Payload = cloneBytes(t.Payload)
	cp.ResolvedAt = cloneTime(t.ResolvedAt)
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	return &cp
}
