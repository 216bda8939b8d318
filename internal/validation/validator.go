package validation

import "github.com/rendis/flowrun/pkg/schema"

// Validator checks workflow definitions before they are stored or run, and
// executor settings against the JSON Schema each executor declares.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ExecutorLookup reports whether a step executor type is registered.
type ExecutorLookup interface {
	Has(executorType string) bool
}
