// Package edit implements the Edit workflow runner: one model.generate call
// whose output is parsed into an edit proposal, checked against the request
// options and published for approval.
package edit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"goa.design/toolcore/runtime/agent/executor"
	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/proposal"
	"goa.design/toolcore/runtime/agent/run"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/workflow"
)

const (
	// RequesterID identifies the Edit runner in tool call envelopes.
	RequesterID = "edit-workflow"

	// DefaultMaxPatchBytes bounds patches when the request sets no limit.
	DefaultMaxPatchBytes = 256 << 10
)

const systemPrompt = `You are a code editing assistant. Answer with a JSON object of the form
{"summary": "<one sentence>", "proposal": {"writes": [{"path": "<workspace relative path>", "content": "<full new file content>"}], "patch": "<unified diff>"}}
Use "writes" for whole-file replacements and "patch" for a unified diff; either may be omitted.
You may instead answer with a raw unified diff and nothing else.`

type (
	// Request describes an Edit run. Attachments and options are read from
	// Inputs: "attachments" is a list of {path, content} objects and
	// "options" an object with "allowWrites" (default true) and
	// "maxPatchBytes". The conversation id is read from Metadata, then
	// Inputs, under "conversationId".
	Request struct {
		Goal         string         `json:"goal"`
		ConnectionID string         `json:"connectionId,omitempty"`
		ModelRef     string         `json:"modelRef,omitempty"`
		Inputs       map[string]any `json:"inputs,omitempty"`
		Metadata     map[string]any `json:"metadata,omitempty"`
	}

	// Attachment is a file given to the model as context.
	Attachment struct {
		Path    string
		Content string
	}

	// Options constrains the accepted proposal.
	Options struct {
		AllowWrites   bool
		MaxPatchBytes int
	}

	// Runner executes Edit runs.
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

// StartRun executes the run runID. On failure the error event and the failed
// status are emitted before the error is returned.
func (r *Runner) StartRun(ctx context.Context, runID string, req Request) (err error) {
	if runID == "" {
		return errors.New("run id is required")
	}
	scope, err := r.tracker.Begin(runID)
	if err != nil {
		return err
	}
	defer r.tracker.Release(scope)

	ctx, span := r.settings.Tracer.Start(ctx, "edit.run", "run_id", runID)
	defer func() { span.End(err) }()

	if err := r.emitter.Emit(ctx, hooks.NewStatusEvent(runID, run.StatusRunning, "")); err != nil {
		return err
	}
	evt, err := r.propose(ctx, runID, req)
	if err != nil {
		return r.settings.Fail(ctx, r.emitter, runID, err)
	}
	if err := r.emitter.Emit(ctx, evt); err != nil {
		return err
	}
	r.settings.Logger.Info(ctx, "edit proposal ready", "run_id", runID, "files_changed", evt.FilesChanged)
	return r.emitter.Emit(ctx, hooks.NewStatusEvent(runID, run.StatusCompleted, ""))
}

func (r *Runner) propose(ctx context.Context, runID string, req Request) (*hooks.EditProposalEvent, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, errors.New("edit request has no goal")
	}
	attachments := ParseAttachments(req.Inputs)
	opts := ParseOptions(req.Inputs)
	text, err := r.settings.Generate(ctx, r.exec, runID, RequesterID, tools.ModelGenerateInput{
		Prompt:       BuildPrompt(req.Goal, attachments),
		SystemPrompt: systemPrompt,
		ConnectionID: req.ConnectionID,
		ModelRef:     req.ModelRef,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := proposal.Parse(text)
	if err != nil {
		return nil, err
	}
	if parsed.Dropped > 0 {
		r.settings.Logger.Warn(ctx, "dropped malformed writes", "run_id", runID, "dropped", parsed.Dropped)
	}
	if err := Check(parsed.Proposal, opts); err != nil {
		return nil, err
	}
	return hooks.NewEditProposalEvent(runID, parsed.Summary, parsed.Proposal, parsed.FilesChanged, ConversationID(req)), nil
}

// Check enforces opts on p.
func Check(p proposal.Proposal, opts Options) error {
	if !opts.AllowWrites && len(p.Writes) > 0 {
		return fmt.Errorf("edit proposal includes %d file writes but allowWrites is false", len(p.Writes))
	}
	limit := opts.MaxPatchBytes
	if limit <= 0 {
		limit = DefaultMaxPatchBytes
	}
	if n := len(p.Patch); n > limit {
		return fmt.Errorf("edit patch is %d bytes, exceeding maxPatchBytes %d", n, limit)
	}
	return nil
}

// BuildPrompt renders the goal followed by each attachment.
func BuildPrompt(goal string, attachments []Attachment) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(goal))
	for _, a := range attachments {
		fmt.Fprintf(&b, "\n\n--- %s ---\n%s", a.Path, a.Content)
	}
	return b.String()
}

// ParseAttachments returns the well-formed attachments of inputs. Entries
// without a non-empty path or a string content are dropped.
func ParseAttachments(inputs map[string]any) []Attachment {
	items, _ := inputs["attachments"].([]any)
	var out []Attachment
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		path, _ := m["path"].(string)
		content, ok := m["content"].(string)
		if strings.TrimSpace(path) == "" || !ok {
			continue
		}
		out = append(out, Attachment{Path: path, Content: content})
	}
	return out
}

// ParseOptions returns the options of inputs. Values of the wrong type are
// ignored.
func ParseOptions(inputs map[string]any) Options {
	opts := Options{AllowWrites: true}
	m, _ := inputs["options"].(map[string]any)
	if v, ok := m["allowWrites"].(bool); ok {
		opts.AllowWrites = v
	}
	switch v := m["maxPatchBytes"].(type) {
	case float64:
		opts.MaxPatchBytes = int(v)
	case int:
		opts.MaxPatchBytes = v
	}
	return opts
}

// ConversationID returns the conversation id of req when it is a valid UUID,
// looking in Metadata first and Inputs second.
func ConversationID(req Request) string {
	for _, src := range []map[string]any{req.Metadata, req.Inputs} {
		s, ok := src["conversationId"].(string)
		if !ok {
			continue
		}
		if _, err := uuid.Parse(s); err == nil {
			return s
		}
	}
	return ""
}
