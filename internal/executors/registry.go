package executors

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// SettingsValidator validates resolved settings against an executor's JSON
// Schema. validation.JSONSchemaValidator satisfies it.
type SettingsValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Registry is the thread-safe executor lookup. Unknown types resolve to the
// stub executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
	validator SettingsValidator
}

// NewRegistry creates a Registry that validates settings with v. A nil
// validator disables settings validation.
func NewRegistry(v SettingsValidator) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		fallback:  NewStub(),
		validator: v,
	}
}

// Register adds an executor. Returns CONFLICT on a duplicate type.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	typ := e.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", typ)
	}
	r.executors[typ] = e
	return nil
}

// Get retrieves a registered executor by type.
func (r *Registry) Get(typ string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "executor %q not registered", typ)
	}
	return e, nil
}

// Resolve returns the executor for typ, or the stub when none is registered.
func (r *Registry) Resolve(typ string) Executor {
	if e, err := r.Get(typ); err == nil {
		return e
	}
	return r.fallback
}

// Has reports whether typ has a registered executor.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[typ]
	return ok
}

// List returns info for all registered executors, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for _, e := range r.executors {
		infos = append(infos, Info{Type: e.Type(), Description: e.Schema().Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// Execute resolves the executor for typ, validates in.Settings against its
// settings schema and runs it. Settings that fail validation are reported as
// CONFIGURATION_ERROR for the node.
func (r *Registry) Execute(ctx context.Context, typ string, in Input) (map[string]any, error) {
	e := r.Resolve(typ)
	if in.Settings == nil {
		in.Settings = map[string]any{}
	}
	if in.NodeType == "" {
		in.NodeType = typ
	}

	if r.validator != nil {
		if s := e.Schema().Settings; len(s) > 0 {
			if err := r.validator.ValidateInput(in.Settings, s); err != nil {
				engErr := schema.AsEngineError(err, schema.ErrCodeConfiguration)
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "%s settings: %s", typ, engErr.Message).
					WithNode(in.NodeID).WithDetails(engErr.Details).WithCause(err)
			}
		}
	}

	out, err := e.Execute(ctx, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
