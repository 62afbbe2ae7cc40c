// Package deepagent implements the Deep-Agent runner. A run executes a
// sequence of tool calls strictly in order, publishing a tool-call and a
// tool-result event around each one, and ends with a completed status or,
// on the first failed call, with an error event and a failed status.
package deepagent

import (
	"context"
	"errors"
	"fmt"

	"goa.design/toolcore/runtime/agent/executor"
	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/run"
	"goa.design/toolcore/runtime/agent/toolerrors"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/workflow"
)

// RequesterID identifies the Deep-Agent runner in tool call envelopes.
const RequesterID = "deep-agent"

// ErrRunMismatch is wrapped by the error failing a run given a call that
// belongs to another run.
var ErrRunMismatch = errors.New("tool call belongs to another run")

type (
	// Request describes a Deep-Agent run.
	Request struct {
		// Goal is the prompt of the synthesized model.generate call.
		Goal string `json:"goal"`
		// SystemPrompt is forwarded to the synthesized call.
		SystemPrompt string `json:"systemPrompt,omitempty"`
		// ConnectionID selects the model connection.
		ConnectionID string `json:"connectionId,omitempty"`
		// ModelRef selects the model.
		ModelRef string `json:"modelRef,omitempty"`
		// Plan optionally lists the titles of the planned steps, one per
		// call. The plan is published after the running status and each
		// successful call completes the matching item.
		Plan []string `json:"plan,omitempty"`
	}

	// Runner executes Deep-Agent runs.
	Runner struct {
		exec     executor.Executor
		emitter  *hooks.Emitter
		tracker  *run.Tracker
		settings workflow.Settings
	}
)

// New returns a runner issuing calls through exec and publishing events
// through em.
func New(exec executor.Executor, em *hooks.Emitter, opts ...workflow.Option) *Runner {
	return &Runner{
		exec:     exec,
		emitter:  em,
		tracker:  run.NewTracker(),
		settings: workflow.Apply(opts...),
	}
}

// StartRun executes the run runID. When calls is empty a single
// model.generate call is synthesized from req. Calls missing a call id,
// requester or run id get them filled in. StartRun returns the error that
// failed the run, after the error event and the failed status were emitted.
func (r *Runner) StartRun(ctx context.Context, runID string, req Request, calls ...tools.CallEnvelope) (err error) {
	if runID == "" {
		return errors.New("run id is required")
	}
	scope, err := r.tracker.Begin(runID)
	if err != nil {
		return err
	}
	defer r.tracker.Release(scope)

	ctx, span := r.settings.Tracer.Start(ctx, "deepagent.run", "run_id", runID)
	defer func() { span.End(err) }()

	if err := r.emitter.Emit(ctx, hooks.NewStatusEvent(runID, run.StatusRunning, "")); err != nil {
		return err
	}
	if len(calls) == 0 {
		call, err := r.synthesize(runID, req)
		if err != nil {
			return r.settings.Fail(ctx, r.emitter, runID, err)
		}
		calls = []tools.CallEnvelope{call}
	}
	todos := planItems(req.Plan)
	if len(todos) > 0 {
		if err := r.emitter.Emit(ctx, hooks.NewPlanEvent(runID, todos)); err != nil {
			return err
		}
	}
	for i, call := range calls {
		if err := r.execute(ctx, runID, call); err != nil {
			return r.settings.Fail(ctx, r.emitter, runID, err)
		}
		if i < len(todos) {
			item := todos[i]
			item.Status = hooks.TodoCompleted
			if err := r.emitter.Emit(ctx, hooks.NewTodoUpdateEvent(runID, item)); err != nil {
				return err
			}
		}
	}
	r.settings.Logger.Info(ctx, "deep-agent run completed", "run_id", runID, "calls", len(calls))
	return r.emitter.Emit(ctx, hooks.NewStatusEvent(runID, run.StatusCompleted, ""))
}

// Active reports whether runID is executing.
func (r *Runner) Active(runID string) bool { return r.tracker.Active(runID) }

func (r *Runner) synthesize(runID string, req Request) (tools.CallEnvelope, error) {
	if req.Goal == "" {
		return tools.CallEnvelope{}, errors.New("deep-agent request has no goal and no tool calls")
	}
	return r.settings.Envelope(runID, RequesterID, tools.ModelGenerate, tools.ModelGenerateInput{
		Prompt:       req.Goal,
		SystemPrompt: req.SystemPrompt,
		ConnectionID: req.ConnectionID,
		ModelRef:     req.ModelRef,
	})
}

// execute runs one call. Failed results are returned as *toolerrors.ToolError.
func (r *Runner) execute(ctx context.Context, runID string, call tools.CallEnvelope) error {
	if call.RunID == "" {
		call.RunID = runID
	}
	if call.RunID != runID {
		return fmt.Errorf("%w: call %s has run id %q, expected %q", ErrRunMismatch, call.CallID, call.RunID, runID)
	}
	if call.CallID == "" {
		call.CallID = r.settings.NewID()
	}
	if call.RequesterID == "" {
		call.RequesterID = RequesterID
	}
	if err := r.emitter.Emit(ctx, hooks.NewToolCallEvent(call)); err != nil {
		return err
	}
	res, err := r.exec.ExecuteToolCall(ctx, call)
	if err != nil {
		return toolerrors.Wrap(call.ToolID, err)
	}
	if err := r.emitter.Emit(ctx, hooks.NewToolResultEvent(res)); err != nil {
		return err
	}
	if !res.OK {
		return toolerrors.FromResult(res)
	}
	if call.ToolID == tools.ModelGenerate {
		r.logPreview(ctx, runID, res)
	}
	return nil
}

// logPreview publishes a preview of a model.generate result. Failures are
// logged and ignored.
func (r *Runner) logPreview(ctx context.Context, runID string, res tools.CallResult) {
	text, err := workflow.DecodeModelText(res.Output)
	if err != nil {
		r.settings.Logger.Warn(ctx, "model output has no text", "run_id", runID, "call_id", res.CallID, "err", err)
		return
	}
	preview := workflow.Preview(text, workflow.PreviewLimit)
	if preview == "" {
		return
	}
	if err := r.emitter.Emit(ctx, hooks.NewLogEvent(runID, "info", preview)); err != nil {
		r.settings.Logger.Warn(ctx, "failed to emit model preview", "run_id", runID, "err", err)
	}
}

func planItems(titles []string) []hooks.TodoItem {
	if len(titles) == 0 {
		return nil
	}
	items := make([]hooks.TodoItem, len(titles))
	for i, t := range titles {
		items[i] = hooks.TodoItem{ID: fmt.Sprintf("step-%d", i+1), Title: t, Status: hooks.TodoPending}
	}
	return items
}
