package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a workflow definition from JSON or YAML. Documents
// starting with '{' are read as JSON; anything else goes through YAML and is
// normalized to JSON so node configs keep their raw form.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "empty workflow definition")
	}

	if trimmed[0] != '{' {
		var doc map[string]any
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, NewError(ErrCodeValidation, "invalid YAML definition").WithCause(err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, NewError(ErrCodeValidation, "YAML definition is not JSON-compatible").WithCause(err)
		}
		trimmed = b
	}

	var def WorkflowDefinition
	if err := json.Unmarshal(trimmed, &def); err != nil {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("invalid definition: %s", err.Error())).WithCause(err)
	}
	return &def, nil
}
