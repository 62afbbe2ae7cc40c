// Package runlog provides an append-only log of run events.
//
// The log is an external consumer of the event stream: a Subscriber encodes
// every emitted event and appends it to a Store, and detached observers page
// through the stored events and replay them into typed hooks events.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/toolcore/runtime/agent/hooks"
)

type (
	// Event is a single immutable run event appended to the run log.
	Event struct {
		// ID is the store-assigned opaque cursor for this entry, monotonically
		// ordered within a run.
		ID string
		// EventID is the id stamped on the event by the emitter.
		EventID string
		// RunID is the identifier of the run this event belongs to.
		RunID string
		// Type is the event kind.
		Type hooks.EventType
		// Payload is the JSON-encoded event payload.
		Payload json.RawMessage
		// Timestamp is the emission time.
		Timestamp time.Time
	}

	// Page is a forward page of run events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor is empty when there are no further events.
		NextCursor string
	}

	// Store is an append-only event store. Implementations must preserve
	// append order within a run; cursors are store-owned and opaque.
	Store interface {
		// Append stores e and assigns its ID. Failures are surfaced so runs can
		// fail fast when the log is unavailable.
		Append(ctx context.Context, e *Event) error
		// List returns the next forward page of events for runID. Limit must
		// be greater than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}

	// Subscriber appends every event published on a hooks.Bus to a Store.
	Subscriber struct {
		store Store
	}
)

// NewSubscriber returns a Subscriber writing to store.
func NewSubscriber(store Store) (*Subscriber, error) {
	if store == nil {
		return nil, fmt.Errorf("runlog store is required")
	}
	return &Subscriber{store: store}, nil
}

// HandleEvent implements hooks.Subscriber.
func (s *Subscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	env, err := hooks.Encode(evt)
	if err != nil {
		return err
	}
	return s.store.Append(ctx, FromEnvelope(env))
}

// FromEnvelope converts an encoded event to a log entry.
func FromEnvelope(env hooks.Envelope) *Event {
	return &Event{
		EventID:   env.ID,
		RunID:     env.RunID,
		Type:      env.Type,
		Payload:   env.Payload,
		Timestamp: time.UnixMilli(env.Timestamp).UTC(),
	}
}

// Envelope converts the log entry back to its transport form.
func (e *Event) Envelope() hooks.Envelope {
	return hooks.Envelope{
		ID:        e.EventID,
		RunID:     e.RunID,
		Type:      e.Type,
		Timestamp: e.Timestamp.UnixMilli(),
		Payload:   e.Payload,
	}
}

// Replay decodes the events of page into typed hooks events.
func (p Page) Replay() ([]hooks.Event, error) {
	envs := make([]hooks.Envelope, 0, len(p.Events))
	for _, e := range p.Events {
		envs = append(envs, e.Envelope())
	}
	return hooks.Replay(envs)
}

// ReadAll pages through every stored event of runID and replays them.
func ReadAll(ctx context.Context, store Store, runID string, pageSize int) ([]hooks.Event, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	var (
		out    []hooks.Event
		cursor string
	)
	for {
		page, err := store.List(ctx, runID, cursor, pageSize)
		if err != nil {
			return out, err
		}
		events, err := page.Replay()
		out = append(out, events...)
		if err != nil {
			return out, err
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
