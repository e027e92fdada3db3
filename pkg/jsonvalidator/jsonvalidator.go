// Package jsonvalidator implements schema.Validator/ValidatorFactory
// against github.com/santhosh-tekuri/jsonschema/v5, the JSON Schema
// library the corpus's validator seam is written against (pkg/schema's
// Validator doc comment names this package as the reference
// implementation).
package jsonvalidator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/theory-cloud/txcore/pkg/schema"
)

// validator adapts a compiled jsonschema.Schema to schema.Validator.
type validator struct {
	compiled *jsonschema.Schema
}

// Validate round-trips value through JSON (jsonschema validates
// decoded JSON values, not arbitrary Go types) and reports the first
// schema violation.
func (v *validator) Validate(value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("jsonvalidator: encode value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("jsonvalidator: decode value: %w", err)
	}
	if err := v.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("jsonvalidator: %w", err)
	}
	return nil
}

// Compile implements schema.ValidatorFactory: spec must be either a
// JSON Schema document (map[string]any, already-decoded JSON) or raw
// JSON Schema source ([]byte or string).
func Compile(spec any) (schema.Validator, error) {
	compiler := jsonschema.NewCompiler()

	const resourceURL = "txcore://field-schema.json"
	switch s := spec.(type) {
	case []byte:
		if err := compiler.AddResource(resourceURL, bytes.NewReader(s)); err != nil {
			return nil, fmt.Errorf("jsonvalidator: add schema resource: %w", err)
		}
	case string:
		if err := compiler.AddResource(resourceURL, bytes.NewReader([]byte(s))); err != nil {
			return nil, fmt.Errorf("jsonvalidator: add schema resource: %w", err)
		}
	default:
		encoded, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("jsonvalidator: encode schema spec: %w", err)
		}
		if err := compiler.AddResource(resourceURL, bytes.NewReader(encoded)); err != nil {
			return nil, fmt.Errorf("jsonvalidator: add schema resource: %w", err)
		}
	}

	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("jsonvalidator: compile schema: %w", err)
	}
	return &validator{compiled: compiled}, nil
}

// Factory satisfies schema.ValidatorFactory directly, for callers that
// want to pass jsonvalidator.Factory where a ValidatorFactory value is
// expected rather than calling Compile themselves.
var Factory schema.ValidatorFactory = Compile
