package executors

import (
	"context"
	"encoding/json"
)

// StubType is the registry key of the fallback executor.
const StubType = "stub"

// Stub is the no-op executor used for node types without a registered
// executor, so definitions can reference blocks that are not built yet.
type Stub struct{}

func NewStub() *Stub { return &Stub{} }

func (s *Stub) Type() string { return StubType }

func (s *Stub) Schema() Schema {
	return Schema{
		Description: "No-op fallback for unregistered node types.",
		Output:      json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"},"type":{"type":"string"}}}`),
	}
}

func (s *Stub) Execute(_ context.Context, in Input) (map[string]any, error) {
	typ := in.NodeType
	if typ == "" {
		typ = StubType
	}
	return map[string]any{"message": "executed (stub)", "type": typ}, nil
}
