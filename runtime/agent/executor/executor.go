// Package executor defines the boundary through which workflow runners issue
// tool calls. The local broker satisfies it directly; features/executor/rpc
// provides an implementation reaching a broker across a process boundary.
package executor

import (
	"context"

	"goa.design/toolcore/runtime/agent/tools"
)

type (
	// Executor executes one tool call and returns its normalized result. The
	// error return is reserved for transport and protocol failures; tool-level
	// failures are reported through CallResult.OK and CallResult.Error.
	Executor interface {
		ExecuteToolCall(ctx context.Context, env tools.CallEnvelope) (tools.CallResult, error)
	}

	// Func adapts a function to Executor.
	Func func(ctx context.Context, env tools.CallEnvelope) (tools.CallResult, error)
)

// ExecuteToolCall calls f.
func (f Func) ExecuteToolCall(ctx context.Context, env tools.CallEnvelope) (tools.CallResult, error) {
	return f(ctx, env)
}
