package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrInvalidDescriptor marks a tool or resource descriptor that cannot be installed.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(trimmed, &schema); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return resolved, nil
}

func checkTool(tool Tool) (*jsonschema.Resolved, error) {
	if tool.Name == "" {
		return nil, fmt.Errorf("%w: tool has no name", ErrInvalidDescriptor)
	}
	resolved, err := compileSchema(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %q: %v", ErrInvalidDescriptor, tool.Name, err)
	}
	return resolved, nil
}

func checkResource(resource Resource) error {
	if resource.URI == "" {
		return fmt.Errorf("%w: resource %q has no uri", ErrInvalidDescriptor, resource.Name)
	}
	return nil
}

// ValidateArguments checks args against the tool's declared input schema.
// Tools without a schema accept anything.
func (e ToolEntry) ValidateArguments(args map[string]interface{}) error {
	if e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	// Normalize through JSON so numbers and nested values match what the
	// validator expects from decoded documents.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := e.schema.Validate(instance); err != nil {
		return fmt.Errorf("arguments for %s: %w", e.Tool.Name, err)
	}
	return nil
}
