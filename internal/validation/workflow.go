package validation

import (
	"errors"

	"github.com/rendis/flowrun/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (node ids, edge endpoints, control-node configs, executors)
//  3. Graph (reachability, unguarded cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	executors  ExecutorLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip executor registration checks.
func NewWorkflowValidator(lookup ExecutorLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, executors: lookup}, nil
}

// Validate runs the pipeline and returns an aggregated result. Structural
// errors short-circuit the later stages, and semantic errors skip the graph
// stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.executors))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural turns JSONSchemaValidator output into a ValidationResult
// with one issue per violation.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := engErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}
