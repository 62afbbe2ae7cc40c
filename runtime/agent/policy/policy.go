// Package policy codifies per-call policy evaluation for tool calls. The
// broker asks an Evaluator for a fresh Decision on every call; decisions are
// never cached because the allow/deny state behind them may change between
// calls.
package policy

import (
	"context"
	"encoding/json"

	"goa.design/toolcore/runtime/agent/schema"
	"goa.design/toolcore/runtime/agent/tools"
)

// InvalidDecisionReason is the reason attached to the deny decision produced
// when a custom evaluator returns a malformed decision.
const InvalidDecisionReason = "policy evaluator returned an invalid decision"

const (
	// ScopeGlobal marks decisions that apply regardless of the run.
	ScopeGlobal Scope = "global"
	// ScopeRun marks decisions specific to the calling run.
	ScopeRun Scope = "run"
)

type (
	// Scope is advisory metadata describing what a decision applies to.
	Scope string

	// Decision is the outcome of a policy evaluation.
	Decision struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason,omitempty"`
		Scope   Scope  `json:"scope"`
	}

	// Evaluator decides whether a tool call may proceed. Implementations must
	// be safe for concurrent use.
	Evaluator interface {
		Evaluate(ctx context.Context, env tools.CallEnvelope) Decision
	}

	// EvaluatorFunc adapts a function to Evaluator.
	EvaluatorFunc func(ctx context.Context, env tools.CallEnvelope) Decision

	// Predicate is an injected evaluator returning a raw decision: a Decision,
	// a map or any value whose JSON encoding is a decision object. Raw
	// decisions are schema-validated before use.
	Predicate func(ctx context.Context, env tools.CallEnvelope) (any, error)
)

var decisionSchema = schema.MustCompile("decision", `{
  "type": "object",
  "required": ["allowed", "scope"],
  "properties": {
    "allowed": {"type": "boolean"},
    "reason": {"type": "string"},
    "scope": {"enum": ["global", "run"]}
  }
}`)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, env tools.CallEnvelope) Decision {
	return f(ctx, env)
}

// Allow returns a global allow decision.
func Allow() Decision {
	return Decision{Allowed: true, Scope: ScopeGlobal}
}

// Deny returns a global deny decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, Scope: ScopeGlobal}
}

// FromPredicate returns an Evaluator running p. Errors and malformed raw
// decisions degrade to a global deny with InvalidDecisionReason.
func FromPredicate(p Predicate) Evaluator {
	return EvaluatorFunc(func(ctx context.Context, env tools.CallEnvelope) Decision {
		raw, err := p(ctx, env)
		if err != nil {
			return Deny(InvalidDecisionReason)
		}
		d, err := ParseDecision(raw)
		if err != nil {
			return Deny(InvalidDecisionReason)
		}
		return d
	})
}

// ParseDecision validates a raw decision value against the decision schema
// and decodes it.
func ParseDecision(raw any) (Decision, error) {
	var data []byte
	switch v := raw.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return Decision{}, &schema.ValidationError{Schema: "decision", Detail: err.Error()}
		}
		data = b
	}
	if err := decisionSchema.ValidateJSON(data); err != nil {
		return Decision{}, err
	}
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, &schema.ValidationError{Schema: "decision", Detail: err.Error()}
	}
	return d, nil
}
