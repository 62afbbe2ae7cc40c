// Package sdd implements the spec-driven development (SDD) runner. A run
// executes one step of the spec, plan, tasks, implement pipeline for a
// feature: it loads the governing documents through workspace.read, checks
// constitution alignment and step prerequisites, asks the model for the
// step output and publishes it as a proposal awaiting approval.
//
// Runs can be canceled with ControlRun. Cancellation is observed at the
// checkpoints surrounding the model call; a canceled run ends with a
// runCanceled event and StartRun returns nil.
package sdd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/toolcore/runtime/agent/executor"
	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/proposal"
	"goa.design/toolcore/runtime/agent/run"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/workflow"
)

const (
	// RequesterID identifies the SDD runner in tool call envelopes.
	RequesterID = "sdd-workflow"

	// ActionCancel cancels an active run.
	ActionCancel = "cancel"
)

// ErrReviewNotImplemented fails runs requesting the review step.
var ErrReviewNotImplemented = errors.New("SDD review step is not implemented")

type (
	// Request describes an SDD run.
	Request struct {
		FeatureID    string `json:"featureId"`
		Step         Step   `json:"step"`
		Goal         string `json:"goal,omitempty"`
		ConnectionID string `json:"connectionId,omitempty"`
		ModelRef     string `json:"modelRef,omitempty"`
	}

	// ControlRequest acts on an active run.
	ControlRequest struct {
		RunID  string `json:"runId"`
		Action string `json:"action"`
		Reason string `json:"reason,omitempty"`
	}

	// Runner executes SDD runs.
	Runner struct {
		exec     executor.Executor
		emitter  *hooks.Emitter
		tracker  *run.Tracker
		settings workflow.Settings
	}

	contextDoc struct {
		path    string
		content string
	}

	loadedContext struct {
		docs  []contextDoc
		index map[string]string
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

// ControlRun applies req to its run. The only action is ActionCancel, which
// records the reason on the run and returns run.ErrRunNotActive when the run
// is not executing.
func (r *Runner) ControlRun(ctx context.Context, req ControlRequest) error {
	if req.Action != ActionCancel {
		return fmt.Errorf("unsupported SDD run action %q", req.Action)
	}
	if err := r.tracker.Cancel(req.RunID, req.Reason); err != nil {
		return err
	}
	r.settings.Logger.Info(ctx, "sdd run cancel requested", "run_id", req.RunID, "reason", req.Reason)
	return nil
}

// Active reports whether runID is executing.
func (r *Runner) Active(runID string) bool { return r.tracker.Active(runID) }

// StartRun executes one step for the requested feature. A failed run emits
// runFailed and returns the error; a canceled run emits runCanceled and
// returns nil. Malformed requests are rejected before any event is emitted.
func (r *Runner) StartRun(ctx context.Context, runID string, req Request) (err error) {
	if runID == "" {
		return errors.New("run id is required")
	}
	step, err := ParseStep(string(req.Step))
	if err != nil {
		return err
	}
	paths, err := ResolveDocPaths(req.FeatureID)
	if err != nil {
		return err
	}
	scope, err := r.tracker.Begin(runID)
	if err != nil {
		return err
	}
	defer r.tracker.Release(scope)

	ctx, span := r.settings.Tracer.Start(ctx, "sdd.run", "run_id", runID, "feature_id", req.FeatureID, "step", string(step))
	defer func() { span.End(err) }()

	runErr := r.execute(ctx, scope, runID, step, req, paths)
	if runErr == nil {
		return nil
	}
	if canceled, reason := scope.Canceled(); canceled {
		r.settings.Logger.Info(ctx, "sdd run canceled", "run_id", runID, "reason", reason)
		if err := r.emitter.Emit(ctx, hooks.NewRunCanceledEvent(runID, reason)); err != nil {
			r.settings.Logger.Error(ctx, "failed to emit runCanceled", "run_id", runID, "err", err)
		}
		return nil
	}
	r.settings.Logger.Error(ctx, "sdd run failed", "run_id", runID, "step", string(step), "err", runErr)
	if err := r.emitter.Emit(ctx, hooks.NewRunFailedEvent(runID, runErr.Error())); err != nil {
		r.settings.Logger.Error(ctx, "failed to emit runFailed", "run_id", runID, "err", err)
	}
	return runErr
}

func (r *Runner) execute(ctx context.Context, scope *run.Scope, runID string, step Step, req Request, paths DocPaths) error {
	started := hooks.NewStartedEvent(runID, req.FeatureID, string(step), paths.FeatureRoot, paths.SpecPath, paths.PlanPath, paths.TasksPath)
	if err := r.emitter.Emit(ctx, started); err != nil {
		return err
	}
	if err := scope.Checkpoint(); err != nil {
		return err
	}
	loaded, err := r.loadContext(ctx, runID, step, paths)
	if err != nil {
		return err
	}
	if err := r.emitter.Emit(ctx, hooks.NewContextLoadedEvent(runID, loaded.files())); err != nil {
		return err
	}
	if err := checkAlignment(paths.alignedDocs(step), loaded); err != nil {
		return err
	}
	if err := checkPrerequisites(step, paths.prerequisites(step), loaded); err != nil {
		return err
	}
	if err := r.emitter.Emit(ctx, hooks.NewStepStartedEvent(runID, string(step))); err != nil {
		return err
	}
	if step == StepReview {
		return ErrReviewNotImplemented
	}

	if err := scope.Checkpoint(); err != nil {
		return err
	}
	text, err := r.settings.Generate(ctx, r.exec, runID, RequesterID, tools.ModelGenerateInput{
		Prompt:       buildPrompt(req, step, loaded),
		SystemPrompt: systemPrompts[step],
		ConnectionID: req.ConnectionID,
		ModelRef:     req.ModelRef,
	})
	if err != nil {
		return err
	}
	if err := scope.Checkpoint(); err != nil {
		return err
	}

	ready, err := buildProposal(runID, step, req.FeatureID, paths, text, loaded)
	if err != nil {
		return err
	}
	for _, evt := range []hooks.Event{
		hooks.NewOutputAppendedEvent(runID, string(step), text),
		ready,
		hooks.NewApprovalRequiredEvent(runID, string(step), fmt.Sprintf("Review the %s proposal for feature %s", step, req.FeatureID)),
		hooks.NewRunCompletedEvent(runID, string(step)),
	} {
		if err := r.emitter.Emit(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// loadContext reads the mandatory documents then the step documents. All
// missing mandatory documents are reported together.
func (r *Runner) loadContext(ctx context.Context, runID string, step Step, paths DocPaths) (loadedContext, error) {
	loaded := loadedContext{index: make(map[string]string)}
	read := func(p string) (bool, error) {
		content, ok, err := r.settings.ReadFile(ctx, r.exec, runID, RequesterID, p)
		if err != nil || !ok {
			return false, err
		}
		loaded.docs = append(loaded.docs, contextDoc{path: p, content: content})
		loaded.index[p] = content
		return true, nil
	}
	var missing []string
	for _, p := range MandatoryContext {
		ok, err := read(p)
		if err != nil {
			return loaded, err
		}
		if !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return loaded, fmt.Errorf("missing required context files: %s", strings.Join(missing, ", "))
	}
	for _, p := range paths.priorDocs(step) {
		if _, err := read(p); err != nil {
			return loaded, err
		}
	}
	return loaded, nil
}

func checkAlignment(docs []string, loaded loadedContext) error {
	var offending []string
	for _, p := range docs {
		content, ok := loaded.index[p]
		if ok && !HasAlignment(content) {
			offending = append(offending, p)
		}
	}
	if len(offending) > 0 {
		return fmt.Errorf("constitution alignment section missing from: %s", strings.Join(offending, ", "))
	}
	return nil
}

func checkPrerequisites(step Step, required []string, loaded loadedContext) error {
	var missing []string
	for _, p := range required {
		if _, ok := loaded.index[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("step %s requires missing files: %s", step, strings.Join(missing, ", "))
	}
	return nil
}

func buildProposal(runID string, step Step, featureID string, paths DocPaths, text string, loaded loadedContext) (*hooks.ProposalReadyEvent, error) {
	if step == StepImplement {
		parsed, err := proposal.Parse(text)
		if err != nil {
			return nil, err
		}
		summary := parsed.Summary
		if summary == "" {
			summary = fmt.Sprintf("Implementation for feature %s", featureID)
		}
		return hooks.NewProposalReadyEvent(runID, string(step), summary, parsed.Proposal, parsed.FilesChanged, 0, 0), nil
	}
	content := strings.TrimSpace(proposal.StripFences(text))
	if content == "" {
		return nil, fmt.Errorf("model returned an empty %s document", step)
	}
	content += "\n"
	docPath := paths.Doc(step)
	prior, existed := loaded.index[docPath]
	added, removed := proposal.DiffStats(prior, content)
	verb := "Create"
	if existed {
		verb = "Update"
	}
	p := proposal.Proposal{Writes: []proposal.Write{{Path: docPath, Content: content}}}
	summary := fmt.Sprintf("%s %s for feature %s", verb, docPath, featureID)
	return hooks.NewProposalReadyEvent(runID, string(step), summary, p, 1, added, removed), nil
}

func (c loadedContext) files() []string {
	out := make([]string, len(c.docs))
	for i, d := range c.docs {
		out[i] = d.path
	}
	return out
}
