// Package trigger matches inbound events against definition triggers and
// starts the runs they select.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// Event is an inbound occurrence that may start runs.
type Event struct {
	Type      string         `json:"type"`
	CompanyID string         `json:"company_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Matcher decides whether an event satisfies a trigger. Beyond an equal
// type, a trigger may narrow matching with:
//
//   - config.match:  map of payload paths to expected values, all must equal
//   - config.filter: CEL boolean expression over the variable `event`
//
// Compiled filters are cached; a Matcher is safe for concurrent use.
type Matcher struct {
	env   *cel.Env
	paths *expressions.PathResolver

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewMatcher creates a Matcher with a CEL environment exposing
// event: map(string, dyn) with keys type, company_id and payload.
func NewMatcher() (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Matcher{
		env:   env,
		paths: expressions.NewPathResolver(),
		cache: make(map[string]cel.Program),
	}, nil
}

// Match reports whether ev satisfies trig. Missing payload keys never make
// a filter fail: the payload defaults to an empty map.
func (m *Matcher) Match(ctx context.Context, trig schema.Trigger, ev Event) (bool, error) {
	if trig.Type != ev.Type {
		return false, nil
	}
	payload := normalizePayload(ev.Payload)

	if raw, ok := trig.Config["match"]; ok && raw != nil {
		fields, ok := raw.(map[string]any)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "trigger config.match must be an object, got %T", raw)
		}
		for path, want := range fields {
			got, found := m.paths.Resolve(payload, path)
			if !found || expressions.Stringify(got) != expressions.Stringify(want) {
				return false, nil
			}
		}
	}

	filter, _ := trig.Config["filter"].(string)
	if filter == "" {
		return true, nil
	}
	prg, err := m.program(filter)
	if err != nil {
		return false, err
	}
	doc := map[string]any{"type": ev.Type, "company_id": ev.CompanyID, "payload": payload}
	out, _, err := prg.ContextEval(ctx, map[string]any{"event": doc})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"trigger filter evaluation failed for %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"trigger filter %q must return a boolean, got %T", filter, out.Value())
	}
	return result, nil
}

// Compile checks that filter is a valid CEL expression.
func (m *Matcher) Compile(filter string) error {
	_, err := m.program(filter)
	return err
}

// program returns a cached compiled program or compiles and caches a new one.
func (m *Matcher) program(filter string) (cel.Program, error) {
	m.mu.RLock()
	if prg, ok := m.cache[filter]; ok {
		m.mu.RUnlock()
		return prg, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if prg, ok := m.cache[filter]; ok {
		return prg, nil
	}

	ast, issues := m.env.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"trigger filter compile error in %q: %s", filter, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"filter": filter})
	}
	prg, err := m.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"trigger filter program error for %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}
	m.cache[filter] = prg
	return prg, nil
}

// normalizePayload converts the payload to plain JSON values so path
// lookups and CEL see the same shapes whatever the caller passed in.
func normalizePayload(p map[string]any) map[string]any {
	out := map[string]any{}
	if len(p) == 0 {
		return out
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return p
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return p
	}
	return out
}
