package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/toolcore/runtime/agent/schema"
)

var (
	// ErrInvalidEnvelope is wrapped by errors returned for malformed
	// envelopes.
	ErrInvalidEnvelope = errors.New("invalid tool call envelope")
	// ErrInvalidResult is wrapped by errors returned for malformed results.
	ErrInvalidResult = errors.New("invalid tool call result")
)

var envelopeSchema = schema.MustCompile("envelope", `{
  "type": "object",
  "required": ["callId", "toolId", "requesterId", "runId"],
  "properties": {
    "callId": {"type": "string", "minLength": 1},
    "toolId": {"type": "string", "minLength": 1},
    "requesterId": {"type": "string", "minLength": 1},
    "runId": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  }
}`)

var resultSchema = schema.MustCompile("result", `{
  "type": "object",
  "required": ["callId", "toolId", "runId", "ok", "durationMs"],
  "properties": {
    "callId": {"type": "string", "minLength": 1},
    "toolId": {"type": "string", "minLength": 1},
    "runId": {"type": "string", "minLength": 1},
    "ok": {"type": "boolean"},
    "error": {"type": "string", "minLength": 1},
    "durationMs": {"type": "integer", "minimum": 0}
  },
  "if": {"properties": {"ok": {"const": true}}},
  "then": {"not": {"required": ["error"]}},
  "else": {"required": ["error"], "not": {"required": ["output"]}}
}`)

// ValidateEnvelope validates env against the envelope schema.
func ValidateEnvelope(env CallEnvelope) error {
	if err := envelopeSchema.ValidateValue(env); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return nil
}

// DecodeEnvelope validates raw JSON against the envelope schema and decodes
// it.
func DecodeEnvelope(raw []byte) (CallEnvelope, error) {
	if err := envelopeSchema.ValidateJSON(raw); err != nil {
		return CallEnvelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	var env CallEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return CallEnvelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// ValidateResult validates r against the result schema, including the
// output/error exclusivity invariant.
func ValidateResult(r CallResult) error {
	if err := resultSchema.ValidateValue(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	return nil
}

// DecodeResult validates raw JSON against the result schema and decodes it.
func DecodeResult(raw []byte) (CallResult, error) {
	if err := resultSchema.ValidateJSON(raw); err != nil {
		return CallResult{}, fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	var r CallResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return CallResult{}, fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	return r, nil
}
