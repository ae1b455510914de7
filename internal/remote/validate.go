package remote

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadValidator checks outgoing push payloads against an object's
// describe result before they are sent: unknown fields, wrong JSON types
// and strings longer than the field length are rejected.
type PayloadValidator struct {
	objectType string
	schema     *jsonschema.Schema
}

// NewPayloadValidator compiles a JSON Schema from s.
func NewPayloadValidator(s Schema) (*PayloadValidator, error) {
	raw, err := json.Marshal(PayloadJSONSchema(s))
	if err != nil {
		return nil, fmt.Errorf("encode payload schema %s: %w", s.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode payload schema %s: %w", s.Name, err)
	}
	location := "https://crmsync.local/schemas/" + s.Name + ".json"

	c := jsonschema.NewCompiler()
	if err := c.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("add payload schema %s: %w", s.Name, err)
	}
	compiled, err := c.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema %s: %w", s.Name, err)
	}
	return &PayloadValidator{objectType: s.Name, schema: compiled}, nil
}

// Validate reports the first schema violation of params, or nil.
func (v *PayloadValidator) Validate(params map[string]any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", v.objectType, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", v.objectType, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", v.objectType, err)
	}
	return nil
}

// PayloadJSONSchema renders the describe result as a JSON Schema document.
func PayloadJSONSchema(s Schema) map[string]any {
	props := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		props[f.Name] = fieldSchema(f)
	}
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
}

func fieldSchema(f Field) map[string]any {
	switch {
	case f.Type == TypeBoolean:
		return map[string]any{"type": []any{"boolean", "null"}}
	case f.Type == TypeInt:
		return map[string]any{"type": []any{"integer", "null"}}
	case f.Type.Numeric():
		return map[string]any{"type": []any{"number", "null"}}
	case f.Type.Textual() && f.Length > 0:
		return map[string]any{"type": []any{"string", "null"}, "maxLength": f.Length}
	default:
		return map[string]any{"type": []any{"string", "null"}}
	}
}
