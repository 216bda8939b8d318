package expressions

import (
	"encoding/json"
)

// Scope is the data visible to templates and conditions during one run:
// the trigger, the latest output of every completed node, and run identity.
//
// A Scope is owned by the single goroutine traversing the run and is not
// safe for concurrent mutation.
type Scope struct {
	TriggerType    string
	TriggerPayload any
	Run            map[string]any

	steps map[string]any // node ID -> latest output (JSON-normalized)
	doc   map[string]any // cached lookup document, rebuilt after writes
}

// NewScope creates a Scope for a run. The payload is normalized to plain JSON
// values (maps, slices, float64, string, bool, nil) so path lookups see the
// same shapes regardless of where the payload came from.
func NewScope(runID, workflowID, companyID, triggerType string, payload any) *Scope {
	return &Scope{
		TriggerType:    triggerType,
		TriggerPayload: normalize(payload),
		Run: map[string]any{
			"id":          runID,
			"workflow_id": workflowID,
			"company_id":  companyID,
		},
		steps: make(map[string]any),
	}
}

// SetStepOutput records the latest output of a node, replacing any earlier
// iteration's output.
func (s *Scope) SetStepOutput(nodeID string, output any) {
	s.steps[nodeID] = normalize(output)
	s.doc = nil
}

// StepOutput returns the latest recorded output of a node.
func (s *Scope) StepOutput(nodeID string) (any, bool) {
	v, ok := s.steps[nodeID]
	return v, ok
}

// StepOutputs returns a copy of all recorded outputs.
func (s *Scope) StepOutputs() map[string]any {
	return deepCopyMap(s.steps)
}

// Document returns the lookup root for paths:
//
//	trigger.type, trigger.payload.*, steps.<id>.output.*, run.*
func (s *Scope) Document() map[string]any {
	if s.doc != nil {
		return s.doc
	}
	steps := make(map[string]any, len(s.steps))
	for id, out := range s.steps {
		steps[id] = map[string]any{"output": out}
	}
	s.doc = map[string]any{
		"trigger": map[string]any{
			"type":    s.TriggerType,
			"payload": s.TriggerPayload,
		},
		"steps": steps,
		"run":   s.Run,
	}
	return s.doc
}

// normalize round-trips a value through JSON so executors can return any
// JSON-serializable Go value (structs, []string, int64) and lookups still
// operate on generic JSON shapes. Values that fail to encode are dropped.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, float64, bool:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
