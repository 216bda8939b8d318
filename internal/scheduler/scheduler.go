// Package scheduler fires runs of definitions whose trigger type is
// "schedule", following the cron expression in trigger.config.cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// TriggerType is the trigger type the scheduler owns.
const TriggerType = "schedule"

// DefaultInterval is how often the scheduler looks for due schedules.
const DefaultInterval = 60 * time.Second

// Last run statuses recorded on a schedule.
const (
	StatusStarted = "started"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Runner starts runs of stored definitions. Satisfied by *engine.Engine.
type Runner interface {
	StartByID(ctx context.Context, definitionID string, in engine.StartInput) (*store.Run, error)
}

// Scheduler polls the store for due schedules and starts their runs.
type Scheduler struct {
	store    store.Store
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // definitions being fired right now
	lastRun    map[string]string   // definition -> id of the last run it started
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(s store.Store, runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sc := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
		lastRun:  make(map[string]string),
	}
	for _, o := range opts {
		o(sc)
	}
	return sc
}

// CronExpression extracts trigger.config.cron from a schedule trigger.
func CronExpression(t schema.Trigger) (string, error) {
	if t.Type != TriggerType {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "trigger type %q is not %q", t.Type, TriggerType)
	}
	expr, _ := t.Config["cron"].(string)
	if expr == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "schedule trigger requires config.cron")
	}
	return expr, nil
}

// Validate reports whether expr parses as a cron expression.
func (s *Scheduler) Validate(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return nil
}

// Sync reconciles the schedules table with the stored definitions: every
// schedule-triggered definition gets an enabled schedule, and schedules of
// definitions that no longer exist or changed trigger are removed. A
// schedule keeps its next fire time unless its cron expression changed.
func (s *Scheduler) Sync(ctx context.Context) error {
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{TriggerType: TriggerType})
	if err != nil {
		return fmt.Errorf("list schedule definitions: %w", err)
	}
	existing, err := s.store.ListSchedules(ctx, store.ScheduleFilter{})
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	current := make(map[string]*store.Schedule, len(existing))
	for _, sc := range existing {
		current[sc.DefinitionID] = sc
	}

	now := s.now()
	wanted := make(map[string]bool, len(defs))
	for _, rec := range defs {
		expr, err := CronExpression(rec.Definition.Trigger)
		if err != nil {
			s.logger.Warn("scheduler: skipping definition", "definition_id", rec.ID, "error", err)
			continue
		}
		next, err := s.CalculateNextRun(expr, now)
		if err != nil {
			s.logger.Warn("scheduler: skipping definition", "definition_id", rec.ID, "error", err)
			continue
		}
		wanted[rec.ID] = true

		prev, ok := current[rec.ID]
		if ok && prev.CronExpression == expr {
			continue
		}
		if err := s.store.UpsertSchedule(ctx, &store.Schedule{
			DefinitionID:   rec.ID,
			CronExpression: expr,
			Enabled:        true,
			NextRunAt:      &next,
		}); err != nil {
			return fmt.Errorf("upsert schedule %q: %w", rec.ID, err)
		}
		s.logger.Info("scheduler: schedule registered", "definition_id", rec.ID, "cron", expr, "next_run_at", next)
	}

	for id := range current {
		if wanted[id] {
			continue
		}
		if err := s.store.DeleteSchedule(ctx, id); err != nil {
			return fmt.Errorf("delete schedule %q: %w", id, err)
		}
		s.logger.Info("scheduler: schedule removed", "definition_id", id)
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick syncs schedules with definitions and fires every enabled schedule
// that is due. It returns the number of runs started.
func (s *Scheduler) Tick(ctx context.Context) int {
	if err := s.Sync(ctx); err != nil {
		s.logger.Error("scheduler: sync failed", "error", err)
	}

	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("scheduler: list schedules failed", "error", err)
		return 0
	}

	now := s.now()
	started := 0
	for _, sc := range schedules {
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sc.DefinitionID) {
			continue
		}
		ok, err := s.fire(ctx, sc, now)
		if err != nil {
			s.logger.Error("scheduler: fire failed", "definition_id", sc.DefinitionID, "error", err)
		}
		if ok {
			started++
		}
		s.release(sc.DefinitionID)
	}
	return started
}

// fire starts one run for a due schedule and advances its next fire time.
// A schedule whose previous run is still in flight is skipped.
func (s *Scheduler) fire(ctx context.Context, sc *store.Schedule, now time.Time) (bool, error) {
	status := StatusStarted
	var runErr error

	if s.previousRunActive(ctx, sc.DefinitionID) {
		status = StatusSkipped
		s.logger.Info("scheduler: previous run still active, skipping", "definition_id", sc.DefinitionID)
	} else {
		run, err := s.runner.StartByID(ctx, sc.DefinitionID, engine.StartInput{
			TriggerType: TriggerType,
			Payload: map[string]any{
				"scheduled_at": now.Format(time.RFC3339),
				"cron":         sc.CronExpression,
			},
		})
		if err != nil {
			status = StatusError
			runErr = err
		} else {
			s.inflightMu.Lock()
			s.lastRun[sc.DefinitionID] = run.ID
			s.inflightMu.Unlock()
			s.logger.Info("scheduler: run started", "definition_id", sc.DefinitionID, "run_id", run.ID)
		}
	}

	next, err := s.CalculateNextRun(sc.CronExpression, now)
	if err != nil {
		return false, err
	}
	if err := s.store.UpdateSchedule(ctx, sc.DefinitionID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	}); err != nil {
		return false, fmt.Errorf("update schedule %q: %w", sc.DefinitionID, err)
	}
	return status == StatusStarted, runErr
}

func (s *Scheduler) previousRunActive(ctx context.Context, definitionID string) bool {
	s.inflightMu.Lock()
	runID, ok := s.lastRun[definitionID]
	s.inflightMu.Unlock()
	if !ok {
		return false
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false
	}
	return !run.Status.IsTerminal()
}

// tryAcquire returns true and marks the definition as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(definitionID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[definitionID]; ok {
		return false
	}
	s.inflight[definitionID] = struct{}{}
	return true
}

func (s *Scheduler) release(definitionID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, definitionID)
}

// CalculateNextRun computes the next fire time of a cron expression after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
