package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowrun/pkg/schema"
)

const workflowSchemaURL = "https://flowrun.dev/schemas/workflow.json"

// workflowSchemaJSON describes the structure of a WorkflowDefinition. Node
// configs are left open here; control-node configs are checked semantically
// and executor settings against each executor's own schema.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowrun.dev/schemas/workflow.json",
  "type": "object",
  "required": ["trigger"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "company_id": { "type": "string" },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string" },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "nodes": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "settings": {
      "type": ["object", "null"],
      "properties": {
        "retry_policy": { "$ref": "#/$defs/retry_policy" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "config": {}
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "branch": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry_policy": {
      "type": ["object", "null"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "backoff_seconds": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled settings schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newInputCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateInput validates a settings object against a JSON Schema given as
// raw bytes. Compiled schemas are cached by their source.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and URL per schema so resources never collide.
	url := fmt.Sprintf("flowrun://settings-schema/%d", len(v.cache))
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, which
// the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// whose details list every leaf violation with its instance location.
func toEngineError(err error) *schema.EngineError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
