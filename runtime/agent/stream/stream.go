// Package stream delivers run events to clients over an external transport
// (Redis streams, NATS subjects). A Subscriber registered on the hooks bus
// encodes each event and hands it to a Sink; the Sink owns the transport.
package stream

import (
	"context"

	"goa.design/toolcore/runtime/agent/hooks"
)

// Sink delivers encoded run events to a transport. Implementations must be
// safe for concurrent use: runs publish concurrently on a shared sink.
type Sink interface {
	// Send publishes one encoded event. Events of one run are sent in
	// emission order and implementations must preserve that order.
	Send(ctx context.Context, env hooks.Envelope) error
	// Close releases transport resources. Close is idempotent.
	Close(ctx context.Context) error
}
