package store

import "context"

// Store defines the persistence layer contract for definitions, runs, the
// step ledger, run history, wait tokens, artifacts and schedules.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (read-only to the engine)
	SaveDefinition(ctx context.Context, rec *DefinitionRecord) error
	GetDefinition(ctx context.Context, id string) (*DefinitionRecord, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*DefinitionRecord, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step ledger, one row per (run, node)
	CreateSteps(ctx context.Context, steps []*Step) error
	GetStep(ctx context.Context, runID, nodeID string) (*Step, error)
	UpdateStep(ctx context.Context, runID, nodeID string, update StepUpdate) error
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	// Run history (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Wait tokens
	CreateWaitToken(ctx context.Context, tok *WaitToken) error
	GetWaitToken(ctx context.Context, id string) (*WaitToken, error)
	ResolveWaitToken(ctx context.Context, id string, status WaitTokenStatus, payload []byte) (*WaitToken, error)
	ListWaitTokens(ctx context.Context, filter WaitTokenFilter) ([]*WaitToken, error)

	// Artifacts
	SaveArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, id string) (*Artifact, error)

	// Schedules
	UpsertSchedule(ctx context.Context, s *Schedule) error
	UpdateSchedule(ctx context.Context, definitionID string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, definitionID string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

var (
	_ Store = (*LibSQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
