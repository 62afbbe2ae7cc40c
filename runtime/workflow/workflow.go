// Package workflow holds the helpers shared by the Deep-Agent, Edit and SDD
// runners: runner options, envelope construction, the model.generate and
// workspace.read round trips and log previews.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"goa.design/toolcore/runtime/agent/executor"
	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/run"
	"goa.design/toolcore/runtime/agent/schema"
	"goa.design/toolcore/runtime/agent/telemetry"
	"goa.design/toolcore/runtime/agent/toolerrors"
	"goa.design/toolcore/runtime/agent/tools"
)

// PreviewLimit is the maximum length in characters of a log preview.
const PreviewLimit = 240

var (
	modelOutputSchema = schema.MustCompile("model.generate output", `{
  "type": "object",
  "required": ["text"],
  "properties": {"text": {"type": "string"}}
}`)

	workspaceOutputSchema = schema.MustCompile("workspace.read output", `{
  "type": "object",
  "required": ["content"],
  "properties": {"content": {"type": "string"}}
}`)
)

type (
	// Settings carries the dependencies common to every runner.
	Settings struct {
		Logger telemetry.Logger
		Tracer telemetry.Tracer
		NewID  func() string
	}

	// Option configures runner Settings.
	Option func(*Settings)
)

// WithLogger sets the runner logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Settings) {
		if l != nil {
			s.Logger = l
		}
	}
}

// WithTracer sets the runner tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(s *Settings) {
		if t != nil {
			s.Tracer = t
		}
	}
}

// WithIDGenerator overrides the generator of tool call ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Settings) {
		if gen != nil {
			s.NewID = gen
		}
	}
}

// Apply returns the settings resulting from opts over the defaults.
func Apply(opts ...Option) Settings {
	s := Settings{
		Logger: telemetry.NewNoopLogger(),
		Tracer: telemetry.NewNoopTracer(),
		NewID:  uuid.NewString,
	}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	return s
}

// Envelope builds a call envelope with a fresh call id for toolID.
func (s Settings) Envelope(runID, requesterID string, toolID tools.Ident, input any) (tools.CallEnvelope, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return tools.CallEnvelope{}, fmt.Errorf("encode %s input: %w", toolID, err)
	}
	return tools.CallEnvelope{
		CallID:      s.NewID(),
		ToolID:      toolID,
		RequesterID: requesterID,
		RunID:       runID,
		Input:       raw,
	}, nil
}

// Generate issues one model.generate call and returns the generated text.
// A failed result yields a *toolerrors.ToolError.
func (s Settings) Generate(ctx context.Context, exec executor.Executor, runID, requesterID string, in tools.ModelGenerateInput) (string, error) {
	env, err := s.Envelope(runID, requesterID, tools.ModelGenerate, in)
	if err != nil {
		return "", err
	}
	res, err := exec.ExecuteToolCall(ctx, env)
	if err != nil {
		return "", toolerrors.Wrap(tools.ModelGenerate, err)
	}
	if !res.OK {
		return "", toolerrors.FromResult(res)
	}
	return DecodeModelText(res.Output)
}

// DecodeModelText validates a model.generate output and returns its text.
func DecodeModelText(output json.RawMessage) (string, error) {
	if err := modelOutputSchema.ValidateJSON(output); err != nil {
		return "", err
	}
	var out tools.ModelGenerateOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return "", fmt.Errorf("decode model.generate output: %w", err)
	}
	return out.Text, nil
}

// ReadFile reads path through workspace.read. A failed call reports the file
// as missing; only executor and output decoding errors are returned.
func (s Settings) ReadFile(ctx context.Context, exec executor.Executor, runID, requesterID, path string) (string, bool, error) {
	env, err := s.Envelope(runID, requesterID, tools.WorkspaceRead, tools.WorkspaceReadInput{Path: path})
	if err != nil {
		return "", false, err
	}
	res, err := exec.ExecuteToolCall(ctx, env)
	if err != nil {
		return "", false, toolerrors.Wrap(tools.WorkspaceRead, err)
	}
	if !res.OK {
		s.Logger.Debug(ctx, "workspace file unavailable", "run_id", runID, "path", path, "code", res.Error)
		return "", false, nil
	}
	if err := workspaceOutputSchema.ValidateJSON(res.Output); err != nil {
		return "", false, err
	}
	var out tools.WorkspaceReadOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		return "", false, fmt.Errorf("decode workspace.read output: %w", err)
	}
	return out.Content, true, nil
}

// Fail emits an error event followed by a failed status and returns err.
// Emission failures are logged; err is returned regardless.
func (s Settings) Fail(ctx context.Context, em *hooks.Emitter, runID string, err error) error {
	msg := err.Error()
	if emitErr := em.Emit(ctx, hooks.NewErrorEvent(runID, msg)); emitErr != nil {
		s.Logger.Error(ctx, "failed to emit error event", "run_id", runID, "err", emitErr)
	}
	if emitErr := em.Emit(ctx, hooks.NewStatusEvent(runID, run.StatusFailed, msg)); emitErr != nil {
		s.Logger.Error(ctx, "failed to emit failed status", "run_id", runID, "err", emitErr)
	}
	return err
}

// Preview collapses whitespace runs in text to single spaces and truncates
// the result to at most limit characters.
func Preview(text string, limit int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if limit <= 0 || utf8.RuneCountInString(collapsed) <= limit {
		return collapsed
	}
	const ellipsis = "..."
	if limit <= len(ellipsis) {
		return string([]rune(collapsed)[:limit])
	}
	return string([]rune(collapsed)[:limit-len(ellipsis)]) + ellipsis
}
