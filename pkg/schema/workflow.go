package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// WorkflowDefinition is the declarative workflow format: a trigger plus a
// directed graph of typed nodes. The engine treats it as read-only.
type WorkflowDefinition struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	CompanyID string    `json:"company_id,omitempty"`
	Trigger   Trigger   `json:"trigger"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Settings  *Settings `json:"settings,omitempty"`
}

// Trigger is opaque to the engine beyond being copied into the run context.
type Trigger struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Node is a unit of work. For action nodes the config is the executor's
// settings object; control nodes decode it into their typed config.
type Node struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge connects two nodes. An empty Branch matches a node that returned no branch.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Branch string `json:"branch,omitempty"`
}

// Settings holds definition-wide execution settings.
type Settings struct {
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`
}

// RetryPolicy configures the per-node attempt loop.
type RetryPolicy struct {
	MaxAttempts    int `json:"max_attempts"`
	BackoffSeconds int `json:"backoff_seconds"`
}

const (
	DefaultMaxAttempts    = 3
	DefaultBackoffSeconds = 5
	DefaultWaitTimeout    = "24h"
)

// Built-in control node types. Every other type is dispatched to a step executor.
const (
	NodeTypeAction      = "action"
	NodeTypeConditional = "conditional"
	NodeTypeIf          = "if"
	NodeTypeLoop        = "loop"
	NodeTypeWait        = "wait"
)

// Branch labels produced by control nodes.
const (
	BranchYes  = "yes"
	BranchNo   = "no"
	BranchLoop = "loop"
	BranchNext = "next"
)

// Loop modes.
const (
	LoopModeWhile = "while"
	LoopModeFor   = "for"
)

// Condition operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
)

// ConditionOperators lists every supported operator.
var ConditionOperators = []string{OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains}

// Condition is a {left, op, right} comparison. Operands are templates.
type Condition struct {
	Left  Operand `json:"left"`
	Op    string  `json:"op"`
	Right Operand `json:"right"`
}

// Operand is a condition side. It accepts JSON strings, numbers and booleans
// so definitions can write `"right": 100`.
type Operand string

func (o *Operand) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*o = ""
	case string:
		*o = Operand(val)
	case float64:
		*o = Operand(strconv.FormatFloat(val, 'f', -1, 64))
	case bool:
		*o = Operand(strconv.FormatBool(val))
	default:
		return fmt.Errorf("condition operand must be a scalar, got %T", v)
	}
	return nil
}

// ConditionalConfig is the config of conditional ("if") nodes.
type ConditionalConfig struct {
	Condition *Condition `json:"condition,omitempty"`
}

// LoopConfig is the config of loop nodes.
type LoopConfig struct {
	Mode       string     `json:"mode"`
	Condition  *Condition `json:"condition,omitempty"`
	Iterations int        `json:"iterations,omitempty"`
}

// WaitConfig is the config of wait nodes.
type WaitConfig struct {
	Timeout string   `json:"timeout,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// TimeoutDuration parses the configured timeout, defaulting to 24h.
func (c WaitConfig) TimeoutDuration() (time.Duration, error) {
	raw := c.Timeout
	if raw == "" {
		raw = DefaultWaitTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid wait timeout %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("wait timeout must be positive, got %q", raw)
	}
	return d, nil
}

// EffectiveRetryPolicy returns the definition's retry policy, defaulting to
// {3, 5} when absent. A present policy with max_attempts < 1 gets the default
// attempt count; its backoff is taken as given.
func (d *WorkflowDefinition) EffectiveRetryPolicy() RetryPolicy {
	if d.Settings == nil || d.Settings.RetryPolicy == nil {
		return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BackoffSeconds: DefaultBackoffSeconds}
	}
	p := *d.Settings.RetryPolicy
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BackoffSeconds < 0 {
		p.BackoffSeconds = 0
	}
	return p
}

// StepBudget is the maximum number of node visits a single run may perform.
func (d *WorkflowDefinition) StepBudget() int {
	budget := len(d.Nodes) * 5
	if budget < 50 {
		return 50
	}
	return budget
}

// Node returns the node with the given id.
func (d *WorkflowDefinition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// IsControlType reports whether a node type is handled by the engine itself.
func IsControlType(nodeType string) bool {
	switch nodeType {
	case NodeTypeConditional, NodeTypeIf, NodeTypeLoop, NodeTypeWait:
		return true
	}
	return false
}

// DecodeConfig unmarshals the node config into v. An empty config leaves v untouched.
func (n *Node) DecodeConfig(v any) error {
	if len(n.Config) == 0 || string(n.Config) == "null" {
		return nil
	}
	if err := json.Unmarshal(n.Config, v); err != nil {
		return NewErrorf(ErrCodeConfiguration, "invalid %s config: %s", n.Type, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return nil
}

// Settings returns the node config as a generic settings object.
func (n *Node) Settings() (map[string]any, error) {
	settings := map[string]any{}
	if err := n.DecodeConfig(&settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// ExecutorType returns the registry key an action node dispatches to: the node
// type itself, or config.executor for generic "action" nodes.
func (n *Node) ExecutorType() string {
	if n.Type != NodeTypeAction {
		return n.Type
	}
	var cfg struct {
		Executor string `json:"executor"`
	}
	if len(n.Config) > 0 {
		_ = json.Unmarshal(n.Config, &cfg)
	}
	if cfg.Executor == "" {
		return NodeTypeAction
	}
	return cfg.Executor
}
