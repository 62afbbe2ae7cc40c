package stream

import (
	"context"
	"errors"

	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/telemetry"
)

type (
	// Subscriber receives run events from the hooks bus and forwards them to
	// a Sink. By default every event is forwarded and Send errors propagate
	// to the bus, halting the run.
	Subscriber struct {
		sink       Sink
		types      map[hooks.EventType]struct{}
		bestEffort bool
		logger     telemetry.Logger
	}

	// Option configures a Subscriber.
	Option func(*Subscriber)
)

// WithTypes restricts forwarding to the given event types.
func WithTypes(types ...hooks.EventType) Option {
	return func(s *Subscriber) {
		s.types = make(map[hooks.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

// WithBestEffort logs Send failures instead of returning them, so a broken
// transport never fails a run.
func WithBestEffort(logger telemetry.Logger) Option {
	return func(s *Subscriber) {
		s.bestEffort = true
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSubscriber returns a Subscriber forwarding to sink.
func NewSubscriber(sink Sink, opts ...Option) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	s := &Subscriber{sink: sink, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// HandleEvent implements hooks.Subscriber.
func (s *Subscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	if s.types != nil {
		if _, ok := s.types[evt.Type()]; !ok {
			return nil
		}
	}
	env, err := hooks.Encode(evt)
	if err != nil {
		return err
	}
	if err := s.sink.Send(ctx, env); err != nil {
		if s.bestEffort {
			s.logger.Warn(ctx, "stream send failed", "run_id", env.RunID, "type", env.Type, "err", err)
			return nil
		}
		return err
	}
	return nil
}
