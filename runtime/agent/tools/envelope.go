// Package tools defines the request/result envelope exchanged between agents,
// workflow runners and the tool broker, along with the built-in tool
// identifiers the runners rely on.
package tools

import (
	"encoding/json"
	"time"
)

// Result error codes reported by the broker.
const (
	// CodePolicyDenied is returned when the policy evaluator denies the call.
	CodePolicyDenied = "POLICY_DENIED"
	// CodeToolNotFound is returned when no handler is registered for the tool.
	CodeToolNotFound = "TOOL_NOT_FOUND"
	// CodeInvalidToolOutput is returned when a handler output cannot be
	// represented as a JSON value.
	CodeInvalidToolOutput = "INVALID_TOOL_OUTPUT"
	// CodeToolExecutionFailed is returned when a handler fails.
	CodeToolExecutionFailed = "TOOL_EXECUTION_FAILED"
)

type (
	// CallEnvelope is the immutable request wrapper for a tool call. CallID is
	// globally unique; collisions are a caller bug and are not detected.
	CallEnvelope struct {
		// CallID uniquely identifies the call.
		CallID string `json:"callId"`
		// ToolID identifies the tool to invoke.
		ToolID Ident `json:"toolId"`
		// RequesterID identifies the agent or runner issuing the call.
		RequesterID string `json:"requesterId"`
		// RunID identifies the run the call belongs to.
		RunID string `json:"runId"`
		// Input is the tool input, any JSON value.
		Input json.RawMessage `json:"input,omitempty"`
		// Reason optionally explains why the call is made.
		Reason string `json:"reason,omitempty"`
	}

	// CallResult is the normalized outcome of a tool call. Output is set only
	// when OK is true and Error only when OK is false.
	CallResult struct {
		CallID     string          `json:"callId"`
		ToolID     Ident           `json:"toolId"`
		RunID      string          `json:"runId"`
		OK         bool            `json:"ok"`
		Output     json.RawMessage `json:"output,omitempty"`
		Error      string          `json:"error,omitempty"`
		DurationMs int64           `json:"durationMs"`
	}
)

// Success builds a successful result for env.
func Success(env CallEnvelope, output json.RawMessage, d time.Duration) CallResult {
	return CallResult{
		CallID:     env.CallID,
		ToolID:     env.ToolID,
		RunID:      env.RunID,
		OK:         true,
		Output:     output,
		DurationMs: DurationMs(d),
	}
}

// Failure builds a failed result for env with the given error code.
func Failure(env CallEnvelope, code string, d time.Duration) CallResult {
	return CallResult{
		CallID:     env.CallID,
		ToolID:     env.ToolID,
		RunID:      env.RunID,
		Error:      code,
		DurationMs: DurationMs(d),
	}
}

// DurationMs converts d to whole milliseconds, clamping negative durations
// (clock going backward) to zero.
func DurationMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// DecodeOutput unmarshals the result output into v.
func (r CallResult) DecodeOutput(v any) error {
	out := r.Output
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return json.Unmarshal(out, v)
}
