package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// DefinitionRecord is a stored workflow definition.
type DefinitionRecord struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name,omitempty"`
	CompanyID   string                    `json:"company_id,omitempty"`
	TriggerType string                    `json:"trigger_type"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Run is one execution of a definition against a trigger payload. The
// definition is snapshotted at creation so a resumed run sees the graph it
// started with.
type Run struct {
	ID             string                    `json:"id"`
	WorkflowID     string                    `json:"workflow_id"`
	CompanyID      string                    `json:"company_id,omitempty"`
	Status         schema.RunStatus          `json:"status"`
	TriggerType    string                    `json:"trigger_type,omitempty"`
	TriggerPayload json.RawMessage           `json:"trigger_payload,omitempty"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	Error          json.RawMessage           `json:"error,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	StartedAt      *time.Time                `json:"started_at,omitempty"`
	FinishedAt     *time.Time                `json:"finished_at,omitempty"`
}

// Step is the ledger row of one node within one run. It is keyed by
// (RunID, NodeID) and overwritten in place when a loop re-enters the node.
type Step struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	NodeID     string            `json:"node_id"`
	Position   int               `json:"position"`
	Status     schema.StepStatus `json:"status"`
	Attempt    int               `json:"attempt"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      json.RawMessage   `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Event is an immutable entry in a run's append-only history.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// WaitTokenStatus is the resolution state of a wait token.
type WaitTokenStatus string

const (
	WaitTokenPending   WaitTokenStatus = "pending"
	WaitTokenCompleted WaitTokenStatus = "completed"
	WaitTokenTimedOut  WaitTokenStatus = "timed_out"
)

// WaitToken is a persisted handle a waiting run is suspended on.
type WaitToken struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	NodeID     string          `json:"node_id"`
	Status     WaitTokenStatus `json:"status"`
	Tags       []string        `json:"tags,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Artifact is a compiled document produced by a step executor.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	NodeID      string    `json:"node_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Content     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Schedule is the cron state of a definition with a "schedule" trigger.
type Schedule struct {
	DefinitionID   string     `json:"definition_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// --- Update types ---

// RunUpdate holds the mutable fields of a run. Nil fields are left unchanged.
type RunUpdate struct {
	Status     *schema.RunStatus
	Error      json.RawMessage
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// StepUpdate holds the mutable fields of a ledger row. Nil fields are left
// unchanged; the Clear flags reset a field so a re-entered node starts clean.
type StepUpdate struct {
	Status          *schema.StepStatus
	Attempt         *int
	Output          json.RawMessage
	Error           json.RawMessage
	ClearError      bool
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ClearFinishedAt bool
}

// ScheduleUpdate holds the mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool
	NextRunAt     *time.Time
	LastRunAt     *time.Time
	LastRunStatus string
}

// --- Filter types ---

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	CompanyID   string
	TriggerType string
	Limit       int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	CompanyID  string
	Status     *schema.RunStatus
	Limit      int
}

// WaitTokenFilter narrows ListWaitTokens.
type WaitTokenFilter struct {
	RunID  string
	Status *WaitTokenStatus
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	Enabled *bool
}
