package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/toolcore/runtime/agent/run"
	"goa.design/toolcore/runtime/agent/telemetry"
)

// ErrInvalidEvent is wrapped by errors returned for events failing validation.
var ErrInvalidEvent = errors.New("invalid event")

type (
	// Emitter validates run events, stamps them with a unique id and a
	// timestamp and publishes them on a Bus. Emit never reorders or batches:
	// events reach subscribers in the order a runner emits them.
	Emitter struct {
		bus    Bus
		now    func() time.Time
		newID  func() string
		logger telemetry.Logger
	}

	// EmitterOption configures an Emitter.
	EmitterOption func(*Emitter)
)

// WithClock overrides the clock used to timestamp events.
func WithClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = now }
}

// WithIDGenerator overrides the event id generator.
func WithIDGenerator(gen func() string) EmitterOption {
	return func(e *Emitter) { e.newID = gen }
}

// WithLogger sets the logger used to trace emitted events at debug level.
func WithLogger(l telemetry.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

// NewEmitter returns an Emitter publishing on bus. A nil bus gets a fresh
// in-memory bus.
func NewEmitter(bus Bus, opts ...EmitterOption) *Emitter {
	if bus == nil {
		bus = NewBus()
	}
	e := &Emitter{
		bus:    bus,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Bus returns the bus the emitter publishes on.
func (e *Emitter) Bus() Bus { return e.bus }

// Emit validates, stamps and publishes evt. Subscriber errors are returned
// as is.
func (e *Emitter) Emit(ctx context.Context, evt Event) error {
	if err := Validate(evt); err != nil {
		return err
	}
	evt.stamp(e.newID(), e.now().UnixMilli())
	e.logger.Debug(ctx, "emit run event", "run_id", evt.RunID(), "type", evt.Type(), "event_id", evt.ID())
	return e.bus.Publish(ctx, evt)
}

// Validate checks the structural invariants of evt.
func Validate(evt Event) error {
	if evt == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if evt.RunID() == "" {
		return fmt.Errorf("%w: %s event has no run id", ErrInvalidEvent, evt.Type())
	}
	invalid := func(detail string) error {
		return fmt.Errorf("%w: %s event: %s", ErrInvalidEvent, evt.Type(), detail)
	}
	switch e := evt.(type) {
	case *StatusEvent:
		switch e.Status {
		case run.StatusRunning, run.StatusCompleted, run.StatusFailed, run.StatusCanceled:
		default:
			return invalid(fmt.Sprintf("unknown status %q", e.Status))
		}
	case *ToolCallEvent:
		if e.Call.CallID == "" || e.Call.ToolID == "" {
			return invalid("call id and tool id are required")
		}
	case *ToolResultEvent:
		if e.Result.CallID == "" || e.Result.ToolID == "" {
			return invalid("call id and tool id are required")
		}
		if e.Result.DurationMs < 0 {
			return invalid("negative duration")
		}
	case *ErrorEvent:
		if e.Message == "" {
			return invalid("message is required")
		}
	case *RunFailedEvent:
		if e.Message == "" {
			return invalid("message is required")
		}
	case *TodoUpdateEvent:
		if e.Item.ID == "" {
			return invalid("item id is required")
		}
	case *StartedEvent:
		if e.FeatureID == "" || e.Step == "" {
			return invalid("feature id and step are required")
		}
	case *StepStartedEvent:
		if e.Step == "" {
			return invalid("step is required")
		}
	}
	return nil
}
