// Package hooks defines the run events produced by the workflow runners and
// the machinery delivering them: a synchronous fan-out Bus, the Emitter that
// validates and stamps events before publishing, and a codec used by stores
// and transports to persist events and replay them later.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes run events to registered subscribers in a fan-out pattern.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// registration order, and iteration stops at the first subscriber error.
	// Critical subscribers (e.g. the run log) can therefore halt a run when
	// they cannot record its events.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		Publish(ctx context.Context, event Event) error
		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published run events. HandleEvent should return an
	// error only when the failure must halt the run; non-critical failures
	// should be logged and swallowed.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to Subscriber.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close is
	// idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus constructs a new in-memory event bus.
//
//	bus := hooks.NewBus()
//	subscription, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("%s %s", evt.RunID(), evt.Type())
//	    return nil
//	}))
//	defer subscription.Close()
func NewBus() Bus {
	return &bus{}
}

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publish delivers event to a snapshot of the registered subscribers, so
// registrations made during Publish do not affect the current delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s.sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. In-flight deliveries may still
// reach it.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, cur := range s.bus.subs {
			if cur == s {
				s.bus.subs = append(s.bus.subs[:i:i], s.bus.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
