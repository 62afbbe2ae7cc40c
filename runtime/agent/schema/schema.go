// Package schema is the single JSON Schema validation boundary of the core.
// Every message type that crosses a trust boundary (tool call envelopes and
// results, policy decisions, MCP payloads and MCP tool schemas) is validated
// through a Validator compiled here.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Validator validates JSON values against a compiled schema.
	Validator struct {
		name   string
		schema *jsonschema.Schema
		// broken is set when the schema could not be compiled; such a
		// validator rejects every value.
		broken error
	}

	// ValidationError reports a value that does not satisfy a schema. It is
	// the uniform protocol error of the core.
	ValidationError struct {
		// Schema names the schema that rejected the value (e.g. "envelope").
		Schema string
		// Detail is the validator's description of the failure.
		Detail string
		// Err is the underlying cause when there is one.
		Err error
	}
)

// ErrUncompilable is wrapped by validation errors returned by lenient
// validators whose schema could not be compiled.
var ErrUncompilable = errors.New("schema is not compilable")

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid %s", e.Schema)
	}
	return fmt.Sprintf("invalid %s: %s", e.Schema, e.Detail)
}

// Unwrap returns the cause of the error.
func (e *ValidationError) Unwrap() error { return e.Err }

// Compile compiles the JSON schema document doc under the given name.
func Compile(name string, doc []byte) (*Validator, error) {
	var schemaDoc any
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Validator{name: name, schema: s}, nil
}

// MustCompile is like Compile but panics on error. Use it for schemas
// embedded in the binary.
func MustCompile(name string, doc string) *Validator {
	v, err := Compile(name, []byte(doc))
	if err != nil {
		panic(err)
	}
	return v
}

// CompileLenient compiles doc but never fails: a schema that cannot be
// compiled yields a validator that rejects every value. An empty doc yields a
// validator that accepts every value.
func CompileLenient(name string, doc []byte) *Validator {
	if len(strings.TrimSpace(string(doc))) == 0 {
		return &Validator{name: name}
	}
	v, err := Compile(name, doc)
	if err != nil {
		return &Validator{name: name, broken: err}
	}
	return v
}

// Name returns the name the validator was compiled with.
func (v *Validator) Name() string { return v.name }

// Validate validates a decoded JSON value (the result of json.Unmarshal into
// an any).
func (v *Validator) Validate(value any) error {
	if v.broken != nil {
		return &ValidationError{
			Schema: v.name,
			Detail: fmt.Sprintf("%v: %v", ErrUncompilable, v.broken),
			Err:    fmt.Errorf("%w: %w", ErrUncompilable, v.broken),
		}
	}
	if v.schema == nil {
		return nil
	}
	if err := v.schema.Validate(value); err != nil {
		return &ValidationError{Schema: v.name, Detail: err.Error()}
	}
	return nil
}

// ValidateJSON decodes raw and validates the result.
func (v *Validator) ValidateJSON(raw []byte) error {
	var value any
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return &ValidationError{Schema: v.name, Detail: "malformed JSON: " + err.Error()}
	}
	return v.Validate(value)
}

// ValidateValue marshals a Go value to JSON and validates the result. It is
// used to validate typed structs against their wire schema.
func (v *Validator) ValidateValue(value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &ValidationError{Schema: v.name, Detail: "not representable as JSON: " + err.Error()}
	}
	return v.ValidateJSON(raw)
}
