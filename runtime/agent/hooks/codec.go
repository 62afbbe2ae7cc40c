package hooks

import (
	"encoding/json"
	"fmt"
)

// Envelope is the transport form of a run event. Stores and stream
// publishers persist envelopes; Decode and Replay turn them back into typed
// events.
type Envelope struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode serializes evt into an Envelope.
func Encode(evt Event) (Envelope, error) {
	if evt == nil {
		return Envelope{}, fmt.Errorf("encode: %w: nil event", ErrInvalidEvent)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s event payload: %w", evt.Type(), err)
	}
	return Envelope{
		ID:        evt.ID(),
		RunID:     evt.RunID(),
		Type:      evt.Type(),
		Timestamp: evt.Timestamp(),
		Payload:   payload,
	}, nil
}

// Decode reconstructs the typed event carried by env.
func Decode(env Envelope) (Event, error) {
	evt, err := newEvent(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, evt); err != nil {
			return nil, fmt.Errorf("decode %s event payload: %w", env.Type, err)
		}
	}
	setBase(evt, env)
	return evt, nil
}

// Replay decodes envelopes in order, stopping at the first malformed one.
// It lets a detached observer reconstruct a run from its stored events.
func Replay(envs []Envelope) ([]Event, error) {
	events := make([]Event, 0, len(envs))
	for i, env := range envs {
		evt, err := Decode(env)
		if err != nil {
			return events, fmt.Errorf("replay event %d: %w", i, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

func newEvent(t EventType) (Event, error) {
	switch t {
	case Status:
		return &StatusEvent{}, nil
	case ToolCall:
		return &ToolCallEvent{}, nil
	case ToolResult:
		return &ToolResultEvent{}, nil
	case Error:
		return &ErrorEvent{}, nil
	case Log:
		return &LogEvent{}, nil
	case Plan:
		return &PlanEvent{}, nil
	case TodoUpdate:
		return &TodoUpdateEvent{}, nil
	case EditProposal:
		return &EditProposalEvent{}, nil
	case Started:
		return &StartedEvent{}, nil
	case ContextLoaded:
		return &ContextLoadedEvent{}, nil
	case StepStarted:
		return &StepStartedEvent{}, nil
	case OutputAppended:
		return &OutputAppendedEvent{}, nil
	case ProposalReady:
		return &ProposalReadyEvent{}, nil
	case ApprovalRequired:
		return &ApprovalRequiredEvent{}, nil
	case RunCompleted:
		return &RunCompletedEvent{}, nil
	case RunCanceled:
		return &RunCanceledEvent{}, nil
	case RunFailed:
		return &RunFailedEvent{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, t)
	}
}

type baseSetter interface {
	setBase(runID, id string, timestamp int64)
}

func (e *baseEvent) setBase(runID, id string, timestamp int64) {
	e.runID = runID
	e.stamp(id, timestamp)
}

func setBase(evt Event, env Envelope) {
	if s, ok := evt.(baseSetter); ok {
		s.setBase(env.RunID, env.ID, env.Timestamp)
	}
}
