package schema

// Event type constants for the append-only run history.
const (
	EventRunQueued    = "run_queued"
	EventRunStarted   = "run_started"
	EventRunWaiting   = "run_waiting"
	EventRunResumed   = "run_resumed"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"
	EventStepWaiting   = "step_waiting"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIteration      = "loop_iteration"
	EventWaitStarted        = "wait_started"
	EventWaitResolved       = "wait_resolved"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of a step ledger row.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)
