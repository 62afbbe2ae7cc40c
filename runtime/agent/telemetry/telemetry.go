// Package telemetry defines the logging, metrics and tracing surfaces used by
// the broker, the MCP client and the workflow runners. Production code wires
// the Clue/OpenTelemetry implementations; tests use the noop variants.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger is the structured logger used throughout the core. Key/value
	// pairs follow the usual alternating (key, value, ...) convention.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Tags are alternating key/value
	// strings.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans around blocking operations.
	Tracer interface {
		Start(ctx context.Context, name string, keyvals ...any) (context.Context, Span)
	}

	// Span is an in-flight span.
	Span interface {
		// End finishes the span. A non-nil err marks the span as failed.
		End(err error)
	}
)
