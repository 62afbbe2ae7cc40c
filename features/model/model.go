// Package model exposes text generation providers as the model.generate tool.
// Provider adapters live in the anthropic and openai subpackages; middleware
// adds pacing and connection routing.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/toolcore/runtime/agent/schema"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/broker"
)

// ErrRateLimited is wrapped by provider errors caused by provider side
// throttling.
var ErrRateLimited = errors.New("model: rate limited")

var inputSchema = schema.MustCompile("model.generate input", `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "systemPrompt": {"type": "string"},
    "connectionId": {"type": "string"},
    "modelRef": {"type": "string"}
  }
}`)

type (
	// Generator produces a completion for a single prompt.
	Generator interface {
		Generate(ctx context.Context, in tools.ModelGenerateInput) (tools.ModelGenerateOutput, error)
	}

	// GeneratorFunc adapts a function to Generator.
	GeneratorFunc func(ctx context.Context, in tools.ModelGenerateInput) (tools.ModelGenerateOutput, error)
)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, in tools.ModelGenerateInput) (tools.ModelGenerateOutput, error) {
	return f(ctx, in)
}

// Handler returns the broker handler serving model.generate with g.
func Handler(g Generator) broker.Handler {
	return func(ctx context.Context, call tools.CallEnvelope) (any, error) {
		if err := inputSchema.ValidateJSON(call.Input); err != nil {
			return nil, err
		}
		var in tools.ModelGenerateInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, fmt.Errorf("decode model.generate input: %w", err)
		}
		return g.Generate(ctx, in)
	}
}
