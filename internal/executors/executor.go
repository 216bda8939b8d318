package executors

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowrun/internal/expressions"
)

// Executor performs the side effect of one action node type. Executors do
// not retry; the engine's attempt loop owns retries.
type Executor interface {
	Type() string
	Schema() Schema
	Execute(ctx context.Context, in Input) (map[string]any, error)
}

// Schema describes an executor's settings and output contract.
type Schema struct {
	Settings    json.RawMessage `json:"settings_schema,omitempty"`
	Output      json.RawMessage `json:"output_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Input is what an executor receives for one attempt. Settings are already
// interpolated against Scope.
type Input struct {
	Settings       map[string]any
	Scope          *expressions.Scope
	RunID          string
	NodeID         string
	NodeType       string
	CompanyID      string
	IdempotencyKey string
}

// Info is a summary of a registered executor for listing.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// IdempotencyKey is the dedup key executors receive: stable across retries
// and re-entries of the same node within a run.
func IdempotencyKey(runID, nodeID string) string {
	return runID + ":" + nodeID
}

// Func adapts a function into an Executor. Useful for tests and small
// in-process integrations.
type Func struct {
	Name     string
	Settings json.RawMessage
	Fn       func(ctx context.Context, in Input) (map[string]any, error)
}

func (f *Func) Type() string { return f.Name }

func (f *Func) Schema() Schema { return Schema{Settings: f.Settings} }

func (f *Func) Execute(ctx context.Context, in Input) (map[string]any, error) {
	return f.Fn(ctx, in)
}
