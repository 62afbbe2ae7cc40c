package hooks

import (
	"goa.design/toolcore/runtime/agent/proposal"
	"goa.design/toolcore/runtime/agent/run"
	"goa.design/toolcore/runtime/agent/tools"
)

// EventType identifies the kind of a run event.
type EventType string

// Deep-Agent and Edit workflow event types.
const (
	Status       EventType = "status"
	ToolCall     EventType = "tool-call"
	ToolResult   EventType = "tool-result"
	Error        EventType = "error"
	Log          EventType = "log"
	Plan         EventType = "plan"
	TodoUpdate   EventType = "todo-update"
	EditProposal EventType = "edit-proposal"
)

// SDD workflow event types.
const (
	Started          EventType = "started"
	ContextLoaded    EventType = "contextLoaded"
	StepStarted      EventType = "stepStarted"
	OutputAppended   EventType = "outputAppended"
	ProposalReady    EventType = "proposalReady"
	ApprovalRequired EventType = "approvalRequired"
	RunCompleted     EventType = "runCompleted"
	RunCanceled      EventType = "runCanceled"
	RunFailed        EventType = "runFailed"
)

// TodoStatus is the state of a plan item.
type TodoStatus string

const (
	TodoPending   TodoStatus = "pending"
	TodoCompleted TodoStatus = "completed"
)

type (
	// Event is implemented by every run event. Concrete events embed a base
	// carrying the identifiers stamped by the Emitter; subscribers use type
	// switches to access the payload:
	//
	//	switch e := evt.(type) {
	//	case *hooks.ToolResultEvent:
	//	    log.Printf("%s took %dms", e.Result.ToolID, e.Result.DurationMs)
	//	}
	Event interface {
		// Type returns the event kind.
		Type() EventType
		// ID returns the unique event id. Empty until the event is emitted.
		ID() string
		// RunID returns the id of the run that produced the event.
		RunID() string
		// Timestamp returns the emission time in Unix milliseconds. Zero until
		// the event is emitted.
		Timestamp() int64

		stamp(id string, timestamp int64)
	}

	baseEvent struct {
		id        string
		runID     string
		timestamp int64
	}

	// StatusEvent reports a run status transition.
	StatusEvent struct {
		baseEvent
		Status  run.Status `json:"status"`
		Message string     `json:"message,omitempty"`
	}

	// ToolCallEvent fires before a tool call is executed.
	ToolCallEvent struct {
		baseEvent
		Call tools.CallEnvelope `json:"call"`
	}

	// ToolResultEvent carries the result of a tool call.
	ToolResultEvent struct {
		baseEvent
		Result tools.CallResult `json:"result"`
	}

	// ErrorEvent carries a run-level failure message.
	ErrorEvent struct {
		baseEvent
		Message string `json:"message"`
	}

	// LogEvent is an informational message.
	LogEvent struct {
		baseEvent
		Level   string `json:"level"`
		Message string `json:"message"`
	}

	// TodoItem is one step of a Deep-Agent plan.
	TodoItem struct {
		ID     string     `json:"id"`
		Title  string     `json:"title"`
		Status TodoStatus `json:"status"`
	}

	// PlanEvent publishes the plan of a Deep-Agent run.
	PlanEvent struct {
		baseEvent
		Items []TodoItem `json:"items"`
	}

	// TodoUpdateEvent reports the new state of one plan item.
	TodoUpdateEvent struct {
		baseEvent
		Item TodoItem `json:"item"`
	}

	// EditProposalEvent carries the proposal produced by an Edit run.
	EditProposalEvent struct {
		baseEvent
		Summary        string            `json:"summary,omitempty"`
		Proposal       proposal.Proposal `json:"proposal"`
		FilesChanged   int               `json:"filesChanged"`
		ConversationID string            `json:"conversationId,omitempty"`
	}

	// StartedEvent opens an SDD run.
	StartedEvent struct {
		baseEvent
		FeatureID   string `json:"featureId"`
		Step        string `json:"step"`
		FeatureRoot string `json:"featureRoot"`
		SpecPath    string `json:"specPath"`
		PlanPath    string `json:"planPath"`
		TasksPath   string `json:"tasksPath"`
	}

	// ContextLoadedEvent lists the files loaded as context for an SDD step.
	ContextLoadedEvent struct {
		baseEvent
		Files []string `json:"files"`
	}

	// StepStartedEvent fires once gating passed and generation begins.
	StepStartedEvent struct {
		baseEvent
		Step string `json:"step"`
	}

	// OutputAppendedEvent carries model output produced by an SDD step.
	OutputAppendedEvent struct {
		baseEvent
		Step string `json:"step"`
		Text string `json:"text"`
	}

	// ProposalReadyEvent carries the proposal produced by an SDD step.
	ProposalReadyEvent struct {
		baseEvent
		Step         string            `json:"step"`
		Summary      string            `json:"summary,omitempty"`
		Proposal     proposal.Proposal `json:"proposal"`
		FilesChanged int               `json:"filesChanged"`
		LinesAdded   int               `json:"linesAdded,omitempty"`
		LinesRemoved int               `json:"linesRemoved,omitempty"`
	}

	// ApprovalRequiredEvent signals that a proposal awaits user approval.
	ApprovalRequiredEvent struct {
		baseEvent
		Step    string `json:"step"`
		Message string `json:"message,omitempty"`
	}

	// RunCompletedEvent closes a successful SDD run.
	RunCompletedEvent struct {
		baseEvent
		Step string `json:"step"`
	}

	// RunCanceledEvent closes a canceled SDD run.
	RunCanceledEvent struct {
		baseEvent
		Reason string `json:"reason,omitempty"`
	}

	// RunFailedEvent closes a failed SDD run.
	RunFailedEvent struct {
		baseEvent
		Message string `json:"message"`
	}
)

// NewStatusEvent constructs a StatusEvent.
func NewStatusEvent(runID string, status run.Status, message string) *StatusEvent {
	return &StatusEvent{baseEvent: newBaseEvent(runID), Status: status, Message: message}
}

// NewToolCallEvent constructs a ToolCallEvent for call.
func NewToolCallEvent(call tools.CallEnvelope) *ToolCallEvent {
	return &ToolCallEvent{baseEvent: newBaseEvent(call.RunID), Call: call}
}

// NewToolResultEvent constructs a ToolResultEvent for result.
func NewToolResultEvent(result tools.CallResult) *ToolResultEvent {
	return &ToolResultEvent{baseEvent: newBaseEvent(result.RunID), Result: result}
}

// NewErrorEvent constructs an ErrorEvent.
func NewErrorEvent(runID, message string) *ErrorEvent {
	return &ErrorEvent{baseEvent: newBaseEvent(runID), Message: message}
}

// NewLogEvent constructs a LogEvent.
func NewLogEvent(runID, level, message string) *LogEvent {
	return &LogEvent{baseEvent: newBaseEvent(runID), Level: level, Message: message}
}

// NewPlanEvent constructs a PlanEvent. The items are copied.
func NewPlanEvent(runID string, items []TodoItem) *PlanEvent {
	return &PlanEvent{baseEvent: newBaseEvent(runID), Items: append([]TodoItem(nil), items...)}
}

// NewTodoUpdateEvent constructs a TodoUpdateEvent.
func NewTodoUpdateEvent(runID string, item TodoItem) *TodoUpdateEvent {
	return &TodoUpdateEvent{baseEvent: newBaseEvent(runID), Item: item}
}

// NewEditProposalEvent constructs an EditProposalEvent.
func NewEditProposalEvent(runID, summary string, p proposal.Proposal, filesChanged int, conversationID string) *EditProposalEvent {
	return &EditProposalEvent{
		baseEvent:      newBaseEvent(runID),
		Summary:        summary,
		Proposal:       p,
		FilesChanged:   filesChanged,
		ConversationID: conversationID,
	}
}

// NewStartedEvent constructs a StartedEvent.
func NewStartedEvent(runID, featureID, step, featureRoot, specPath, planPath, tasksPath string) *StartedEvent {
	return &StartedEvent{
		baseEvent:   newBaseEvent(runID),
		FeatureID:   featureID,
		Step:        step,
		FeatureRoot: featureRoot,
		SpecPath:    specPath,
		PlanPath:    planPath,
		TasksPath:   tasksPath,
	}
}

// NewContextLoadedEvent constructs a ContextLoadedEvent.
func NewContextLoadedEvent(runID string, files []string) *ContextLoadedEvent {
	return &ContextLoadedEvent{baseEvent: newBaseEvent(runID), Files: append([]string(nil), files...)}
}

// NewStepStartedEvent constructs a StepStartedEvent.
func NewStepStartedEvent(runID, step string) *StepStartedEvent {
	return &StepStartedEvent{baseEvent: newBaseEvent(runID), Step: step}
}

// NewOutputAppendedEvent constructs an OutputAppendedEvent.
func NewOutputAppendedEvent(runID, step, text string) *OutputAppendedEvent {
	return &OutputAppendedEvent{baseEvent: newBaseEvent(runID), Step: step, Text: text}
}

// NewProposalReadyEvent constructs a ProposalReadyEvent.
func NewProposalReadyEvent(runID, step, summary string, p proposal.Proposal, filesChanged, linesAdded, linesRemoved int) *ProposalReadyEvent {
	return &ProposalReadyEvent{
		baseEvent:    newBaseEvent(runID),
		Step:         step,
		Summary:      summary,
		Proposal:     p,
		FilesChanged: filesChanged,
		LinesAdded:   linesAdded,
		LinesRemoved: linesRemoved,
	}
}

// NewApprovalRequiredEvent constructs an ApprovalRequiredEvent.
func NewApprovalRequiredEvent(runID, step, message string) *ApprovalRequiredEvent {
	return &ApprovalRequiredEvent{baseEvent: newBaseEvent(runID), Step: step, Message: message}
}

// NewRunCompletedEvent constructs a RunCompletedEvent.
func NewRunCompletedEvent(runID, step string) *RunCompletedEvent {
	return &RunCompletedEvent{baseEvent: newBaseEvent(runID), Step: step}
}

// NewRunCanceledEvent constructs a RunCanceledEvent.
func NewRunCanceledEvent(runID, reason string) *RunCanceledEvent {
	return &RunCanceledEvent{baseEvent: newBaseEvent(runID), Reason: reason}
}

// NewRunFailedEvent constructs a RunFailedEvent.
func NewRunFailedEvent(runID, message string) *RunFailedEvent {
	return &RunFailedEvent{baseEvent: newBaseEvent(runID), Message: message}
}

// ID returns the event id.
func (e *baseEvent) ID() string { return e.id }

// RunID returns the run identifier.
func (e *baseEvent) RunID() string { return e.runID }

// Timestamp returns the emission time in Unix milliseconds.
func (e *baseEvent) Timestamp() int64 { return e.timestamp }

func (e *baseEvent) stamp(id string, timestamp int64) {
	e.id = id
	e.timestamp = timestamp
}

func newBaseEvent(runID string) baseEvent {
	return baseEvent{runID: runID}
}

// Type method implementations

func (e *StatusEvent) Type() EventType           { return Status }
func (e *ToolCallEvent) Type() EventType         { return ToolCall }
func (e *ToolResultEvent) Type() EventType       { return ToolResult }
func (e *ErrorEvent) Type() EventType            { return Error }
func (e *LogEvent) Type() EventType              { return Log }
func (e *PlanEvent) Type() EventType             { return Plan }
func (e *TodoUpdateEvent) Type() EventType       { return TodoUpdate }
func (e *EditProposalEvent) Type() EventType     { return EditProposal }
func (e *StartedEvent) Type() EventType          { return Started }
func (e *ContextLoadedEvent) Type() EventType    { return ContextLoaded }
func (e *StepStartedEvent) Type() EventType      { return StepStarted }
func (e *OutputAppendedEvent) Type() EventType   { return OutputAppended }
func (e *ProposalReadyEvent) Type() EventType    { return ProposalReady }
func (e *ApprovalRequiredEvent) Type() EventType { return ApprovalRequired }
func (e *RunCompletedEvent) Type() EventType     { return RunCompleted }
func (e *RunCanceledEvent) Type() EventType      { return RunCanceled }
func (e *RunFailedEvent) Type() EventType        { return RunFailed }
