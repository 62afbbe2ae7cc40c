// Package audit defines the sink receiving one record per tool-call policy
// decision.
package audit

import (
	"context"

	"goa.design/toolcore/runtime/agent/telemetry"
	"goa.design/toolcore/runtime/agent/tools"
)

type (
	// Record describes a single policy decision for a tool call.
	Record struct {
		RunID       string      `json:"runId"`
		ToolID      tools.Ident `json:"toolId"`
		RequesterID string      `json:"requesterId"`
		Allowed     bool        `json:"allowed"`
		Reason      string      `json:"reason,omitempty"`
	}

	// Sink receives audit records. Calls are fire-and-forget: implementations
	// must not block the caller for long and have no way to fail the call.
	Sink interface {
		LogAgentToolAccess(ctx context.Context, rec Record)
	}

	// SinkFunc adapts a function to Sink.
	SinkFunc func(ctx context.Context, rec Record)

	loggerSink struct {
		logger telemetry.Logger
	}

	multiSink []Sink
)

// LogAgentToolAccess calls f.
func (f SinkFunc) LogAgentToolAccess(ctx context.Context, rec Record) { f(ctx, rec) }

// NewLoggerSink returns a Sink writing each record as a structured log entry.
// Denied calls are logged at warn level.
func NewLoggerSink(logger telemetry.Logger) Sink {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return loggerSink{logger: logger}
}

func (s loggerSink) LogAgentToolAccess(ctx context.Context, rec Record) {
	kv := []any{
		"run_id", rec.RunID,
		"tool_id", rec.ToolID,
		"requester_id", rec.RequesterID,
		"allowed", rec.Allowed,
	}
	if rec.Reason != "" {
		kv = append(kv, "reason", rec.Reason)
	}
	if rec.Allowed {
		s.logger.Info(ctx, "tool access", kv...)
		return
	}
	s.logger.Warn(ctx, "tool access denied", kv...)
}

// Multi returns a Sink forwarding every record to each non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) LogAgentToolAccess(ctx context.Context, rec Record) {
	for _, s := range m {
		s.LogAgentToolAccess(ctx, rec)
	}
}

// Discard drops every record.
var Discard Sink = SinkFunc(func(context.Context, Record) {})
