package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowrun/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowrun.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, rec *DefinitionRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, company_id, trigger_type, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, company_id=excluded.company_id, trigger_type=excluded.trigger_type,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		rec.ID, nullStr(rec.Name), nullStr(rec.CompanyID), rec.TriggerType, string(def),
		timeOrNow(rec.CreatedAt), now,
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*DefinitionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, company_id, trigger_type, definition, created_at, updated_at
		 FROM definitions WHERE id = ?`, id,
	)
	rec, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	return rec, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*DefinitionRecord, error) {
	var where []string
	var args []any

	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, filter.TriggerType)
	}

	query := "SELECT id, name, company_id, trigger_type, definition, created_at, updated_at FROM definitions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DefinitionRecord
	for rows.Next() {
		rec, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanDefinition(sc scanner) (*DefinitionRecord, error) {
	rec := &DefinitionRecord{}
	var name, companyID sql.NullString
	var defJSON string
	if err := sc.Scan(&rec.ID, &name, &companyID, &rec.TriggerType, &defJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.CompanyID = companyID.String
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return rec, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal run definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, company_id, status, trigger_type, trigger_payload, definition, error, created_at, updated_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, nullStr(run.CompanyID), string(run.Status),
		nullStr(run.TriggerType), nullRaw(run.TriggerPayload), string(def), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt), nullTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	return err
}

const runColumns = `id, workflow_id, company_id, status, trigger_type, trigger_payload, definition, error, created_at, updated_at, started_at, finished_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ? AND status NOT IN ('completed', 'failed')", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return err
		}
		return runAlreadyFinished(run.ID, run.Status)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var (
		companyID, triggerType sql.NullString
		payload, errJSON       sql.NullString
		defJSON, status        string
		startedAt, finishedAt  sql.NullTime
	)
	if err := sc.Scan(&run.ID, &run.WorkflowID, &companyID, &status, &triggerType, &payload, &defJSON,
		&errJSON, &run.CreatedAt, &run.UpdatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.CompanyID = companyID.String
	run.TriggerType = triggerType.String
	run.Status = schema.RunStatus(status)
	run.TriggerPayload = rawOrNil(payload)
	run.Error = rawOrNil(errJSON)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal run definition: %w", err)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// --- Steps ---

// CreateSteps inserts the ledger rows of a run in one transaction. Rows that
// already exist for (run_id, node_id) are left as they are.
func (s *LibSQLStore) CreateSteps(ctx context.Context, steps []*Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, st := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, run_id, node_id, position, status, attempt, output, error, started_at, finished_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, node_id) DO NOTHING`,
			st.ID, st.RunID, st.NodeID, st.Position, string(st.Status), st.Attempt,
			nullRaw(st.Output), nullRaw(st.Error), nullTime(st.StartedAt), nullTime(st.FinishedAt),
			timeOrNow(st.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.NodeID, err)
		}
	}
	return tx.Commit()
}

const stepColumns = `id, run_id, node_id, position, status, attempt, output, error, started_at, finished_at, updated_at`

func (s *LibSQLStore) GetStep(ctx context.Context, runID, nodeID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", runID+"/"+nodeID)
	}
	return st, err
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, runID, nodeID string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *update.Attempt)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.ClearError {
		sets = append(sets, "error = NULL")
	} else if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.ClearFinishedAt {
		sets = append(sets, "finished_at = NULL")
	} else if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), runID, nodeID)

	query := fmt.Sprintf("UPDATE steps SET %s WHERE run_id = ? AND node_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", runID+"/"+nodeID)
}

// ListSteps returns the ledger of a run in plan order.
func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY position ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanStep(sc scanner) (*Step, error) {
	st := &Step{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := sc.Scan(&st.ID, &st.RunID, &st.NodeID, &st.Position, &status, &st.Attempt,
		&output, &errJSON, &startedAt, &finishedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Status = schema.StepStatus(status)
	st.Output = rawOrNil(output)
	st.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		st.FinishedAt = &finishedAt.Time
	}
	return st, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Wait tokens ---

func (s *LibSQLStore) CreateWaitToken(ctx context.Context, tok *WaitToken) error {
	tags, err := marshalTags(tok.Tags)
	if err != nil {
		return err
	}
	status := tok.Status
	if status == "" {
		status = WaitTokenPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wait_tokens (id, run_id, node_id, status, tags, payload, expires_at, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.RunID, tok.NodeID, string(status), tags, nullRaw(tok.Payload),
		tok.ExpiresAt, timeOrNow(tok.CreatedAt), nullTime(tok.ResolvedAt),
	)
	return err
}

const waitTokenColumns = `id, run_id, node_id, status, tags, payload, expires_at, created_at, resolved_at`

func (s *LibSQLStore) GetWaitToken(ctx context.Context, id string) (*WaitToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+waitTokenColumns+` FROM wait_tokens WHERE id = ?`, id)
	tok, err := scanWaitToken(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("wait token", id)
	}
	return tok, err
}

// ResolveWaitToken moves a pending token to status. Resolving a token that is
// no longer pending returns a CONFLICT error.
func (s *LibSQLStore) ResolveWaitToken(ctx context.Context, id string, status WaitTokenStatus, payload []byte) (*WaitToken, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wait_tokens SET status = ?, payload = ?, resolved_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), nullRaw(payload), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	tok, err := s.GetWaitToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return tok, tokenAlreadyResolved(tok)
	}
	return tok, nil
}

func (s *LibSQLStore) ListWaitTokens(ctx context.Context, filter WaitTokenFilter) ([]*WaitToken, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + waitTokenColumns + " FROM wait_tokens"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var toks []*WaitToken
	for rows.Next() {
		tok, err := scanWaitToken(rows)
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
	}
	return toks, rows.Err()
}

func scanWaitToken(sc scanner) (*WaitToken, error) {
	tok := &WaitToken{}
	var status string
	var tags, payload sql.NullString
	var resolvedAt sql.NullTime
	if err := sc.Scan(&tok.ID, &tok.RunID, &tok.NodeID, &status, &tags, &payload,
		&tok.ExpiresAt, &tok.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	tok.Status = WaitTokenStatus(status)
	tok.Payload = rawOrNil(payload)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &tok.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal wait token tags: %w", err)
		}
	}
	if resolvedAt.Valid {
		tok.ResolvedAt = &resolvedAt.Time
	}
	return tok, nil
}

// --- Artifacts ---

func (s *LibSQLStore) SaveArtifact(ctx context.Context, a *Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, node_id, name, content_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, content_type=excluded.content_type, content=excluded.content`,
		a.ID, a.RunID, a.NodeID, a.Name, a.ContentType, a.Content, timeOrNow(a.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	a := &Artifact{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, name, content_type, content, created_at FROM artifacts WHERE id = ?`, id,
	).Scan(&a.ID, &a.RunID, &a.NodeID, &a.Name, &a.ContentType, &a.Content, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("artifact", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// --- Schedules ---

func (s *LibSQLStore) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (definition_id, cron_expression, enabled, next_run_at, last_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(definition_id) DO UPDATE SET
		   cron_expression=excluded.cron_expression, enabled=excluded.enabled,
		   next_run_at=excluded.next_run_at, updated_at=excluded.updated_at`,
		sc.DefinitionID, sc.CronExpression, boolToInt(sc.Enabled), nullTime(sc.NextRunAt), nullTime(sc.LastRunAt),
		nullStr(sc.LastRunStatus), timeOrNow(sc.CreatedAt), now,
	)
	return err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, definitionID string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), definitionID)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE definition_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", definitionID)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT definition_id, cron_expression, enabled, next_run_at, last_run_at, last_run_status, created_at, updated_at FROM schedules`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolToInt(*filter.Enabled))
	}
	query += " ORDER BY definition_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc := &Schedule{}
		var nextRun, lastRun sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&sc.DefinitionID, &sc.CronExpression, &sc.Enabled, &nextRun, &lastRun,
			&lastStatus, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		if nextRun.Valid {
			sc.NextRunAt = &nextRun.Time
		}
		if lastRun.Valid {
			sc.LastRunAt = &lastRun.Time
		}
		sc.LastRunStatus = lastStatus.String
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, definitionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE definition_id = ?`, definitionID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", definitionID)
}

// --- Helpers ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// runAlreadyFinished rejects writes to a completed or failed run.
func runAlreadyFinished(id string, status schema.RunStatus) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %q is already %s", id, status).
		WithDetails(map[string]any{"run_id": id, "status": string(status)})
}

func tokenAlreadyResolved(tok *WaitToken) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConflict, "wait token %q already %s", tok.ID, tok.Status).
		WithDetails(map[string]any{"token_id": tok.ID, "status": string(tok.Status)})
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return string(b), nil
}
