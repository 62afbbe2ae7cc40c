// Package broker implements the Tool Broker: the single registry mapping tool
// ids to handlers. Every call is validated, evaluated against the policy,
// audited exactly once, dispatched to at most one handler, timed and
// normalized into a tools.CallResult. Failures are reported, never retried.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"goa.design/toolcore/runtime/agent/audit"
	"goa.design/toolcore/runtime/agent/policy"
	"goa.design/toolcore/runtime/agent/telemetry"
	"goa.design/toolcore/runtime/agent/tools"
)

// Metric names recorded by the broker.
const (
	MetricCalls    = "toolcore.broker.calls"
	MetricDuration = "toolcore.broker.duration"
)

type (
	// Handler executes a tool call. The returned output must be representable
	// as JSON; it is marshaled by the broker.
	Handler func(ctx context.Context, call tools.CallEnvelope) (any, error)

	// Broker owns the tool registry and dispatches tool calls. It is safe for
	// concurrent use.
	Broker struct {
		mu       sync.RWMutex
		handlers map[tools.Ident]Handler

		policy  policy.Evaluator
		audit   audit.Sink
		now     func() time.Time
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Option configures a Broker.
	Option func(*Broker)
)

// WithPolicy sets the policy evaluator. The default allows every call.
func WithPolicy(p policy.Evaluator) Option {
	return func(b *Broker) { b.policy = p }
}

// WithAudit sets the audit sink. The default discards records.
func WithAudit(s audit.Sink) Option {
	return func(b *Broker) { b.audit = s }
}

// WithClock overrides the clock used to time handler execution.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithLogger configures the broker logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithMetrics configures the broker metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithTracer configures the broker tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(b *Broker) { b.tracer = t }
}

// New returns an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		handlers: make(map[tools.Ident]Handler),
		policy: policy.EvaluatorFunc(func(context.Context, tools.CallEnvelope) policy.Decision {
			return policy.Allow()
		}),
		audit:   audit.Discard,
		now:     time.Now,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}

// RegisterTool registers h under id, replacing any previous handler.
func (b *Broker) RegisterTool(id tools.Ident, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// UnregisterTool removes the handler registered under id. Unregistering an
// unknown id is a no-op.
func (b *Broker) UnregisterTool(id tools.Ident) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// HasTool reports whether a handler is registered under id.
func (b *Broker) HasTool(id tools.Ident) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[id]
	return ok
}

// ListTools returns the registered tool ids in lexical order.
func (b *Broker) ListTools() []tools.Ident {
	b.mu.RLock()
	ids := make([]tools.Ident, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// HandleAgentToolCall validates env, evaluates the policy, audits the
// decision and dispatches the call. The returned error is non-nil only when
// env is malformed, in which case nothing is audited.
func (b *Broker) HandleAgentToolCall(ctx context.Context, env tools.CallEnvelope) (tools.CallResult, error) {
	if err := tools.ValidateEnvelope(env); err != nil {
		return tools.CallResult{}, err
	}

	decision := b.policy.Evaluate(ctx, env)
	b.audit.LogAgentToolAccess(ctx, audit.Record{
		RunID:       env.RunID,
		ToolID:      env.ToolID,
		RequesterID: env.RequesterID,
		Allowed:     decision.Allowed,
		Reason:      decision.Reason,
	})
	if !decision.Allowed {
		b.logger.Info(ctx, "tool call denied", "run_id", env.RunID, "tool_id", env.ToolID, "reason", decision.Reason)
		return b.finish(tools.Failure(env, tools.CodePolicyDenied, 0)), nil
	}

	b.mu.RLock()
	h, ok := b.handlers[env.ToolID]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn(ctx, "tool not found", "run_id", env.RunID, "tool_id", env.ToolID)
		return b.finish(tools.Failure(env, tools.CodeToolNotFound, 0)), nil
	}

	ctx, span := b.tracer.Start(ctx, "broker.tool_call", "tool_id", env.ToolID.String(), "run_id", env.RunID, "call_id", env.CallID)
	start := b.now()
	out, err := invoke(ctx, h, env)
	if err != nil {
		elapsed := b.now().Sub(start)
		span.End(err)
		b.logger.Error(ctx, "tool execution failed", "run_id", env.RunID, "tool_id", env.ToolID, "err", err)
		return b.finish(tools.Failure(env, tools.CodeToolExecutionFailed, elapsed)), nil
	}
	raw, err := json.Marshal(out)
	elapsed := b.now().Sub(start)
	if err != nil {
		span.End(err)
		b.logger.Error(ctx, "invalid tool output", "run_id", env.RunID, "tool_id", env.ToolID, "err", err)
		return b.finish(tools.Failure(env, tools.CodeInvalidToolOutput, elapsed)), nil
	}
	span.End(nil)
	return b.finish(tools.Success(env, raw, elapsed)), nil
}

// ExecuteToolCall implements executor.Executor on top of HandleAgentToolCall.
func (b *Broker) ExecuteToolCall(ctx context.Context, env tools.CallEnvelope) (tools.CallResult, error) {
	return b.HandleAgentToolCall(ctx, env)
}

func (b *Broker) finish(res tools.CallResult) tools.CallResult {
	outcome := "ok"
	if !res.OK {
		outcome = res.Error
	}
	b.metrics.IncCounter(MetricCalls, 1, "tool", res.ToolID.String(), "outcome", outcome)
	b.metrics.RecordTimer(MetricDuration, time.Duration(res.DurationMs)*time.Millisecond, "tool", res.ToolID.String())
	return res
}

// invoke runs h, converting panics into errors.
func invoke(ctx context.Context, h Handler, env tools.CallEnvelope) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}
