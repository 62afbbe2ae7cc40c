package deepagent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/toolcore/runtime/agent/executor"
	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/policy"
	"goa.design/toolcore/runtime/agent/run"
	"goa.design/toolcore/runtime/agent/toolerrors"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/broker"
)

type recorder struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (r *recorder) HandleEvent(_ context.Context, evt hooks.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) types() []hooks.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type()
	}
	return out
}

func (r *recorder) statuses() []run.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []run.Status
	for _, e := range r.events {
		if s, ok := e.(*hooks.StatusEvent); ok {
			out = append(out, s.Status)
		}
	}
	return out
}

func newRunner(t *testing.T, exec executor.Executor) (*Runner, *recorder) {
	t.Helper()
	em := hooks.NewEmitter(nil)
	rec := &recorder{}
	_, err := em.Bus().Register(rec)
	require.NoError(t, err)
	return New(exec, em), rec
}

func newBroker() *broker.Broker {
	b := broker.New()
	b.RegisterTool("echo", func(_ context.Context, call tools.CallEnvelope) (any, error) {
		return call.Input, nil
	})
	b.RegisterTool("fail", func(context.Context, tools.CallEnvelope) (any, error) {
		return nil, errors.New("boom")
	})
	b.RegisterTool(tools.ModelGenerate, func(_ context.Context, call tools.CallEnvelope) (any, error) {
		return tools.ModelGenerateOutput{Text: "  generated\n\n   text  "}, nil
	})
	return b
}

func call(id string, tool tools.Ident) tools.CallEnvelope {
	return tools.CallEnvelope{CallID: id, ToolID: tool, Input: []byte(`{"n":1}`)}
}

func TestStartRunSucceeds(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		r, rec := newRunner(t, newBroker())
		calls := make([]tools.CallEnvelope, n)
		for i := range calls {
			calls[i] = call("", "echo")
		}
		require.NoError(t, r.StartRun(context.Background(), "run-1", Request{}, calls...))

		want := []hooks.EventType{hooks.Status}
		for i := 0; i < n; i++ {
			want = append(want, hooks.ToolCall, hooks.ToolResult)
		}
		want = append(want, hooks.Status)
		assert.Equal(t, want, rec.types())
		assert.Equal(t, []run.Status{run.StatusRunning, run.StatusCompleted}, rec.statuses())
		assert.False(t, r.Active("run-1"))
	}
}

func TestStartRunFillsCallFields(t *testing.T) {
	var seen []tools.CallEnvelope
	exec := executor.Func(func(_ context.Context, env tools.CallEnvelope) (tools.CallResult, error) {
		seen = append(seen, env)
		return tools.CallResult{CallID: env.CallID, ToolID: env.ToolID, RunID: env.RunID, OK: true, Output: []byte(`null`)}, nil
	})
	r, _ := newRunner(t, exec)
	require.NoError(t, r.StartRun(context.Background(), "run-1", Request{}, call("", "echo"), call("keep", "echo")))

	require.Len(t, seen, 2)
	assert.NotEmpty(t, seen[0].CallID)
	assert.Equal(t, "keep", seen[1].CallID)
	for _, env := range seen {
		assert.Equal(t, "run-1", env.RunID)
		assert.Equal(t, RequesterID, env.RequesterID)
	}
}

func TestStartRunFailingCall(t *testing.T) {
	r, rec := newRunner(t, newBroker())
	err := r.StartRun(context.Background(), "run-1", Request{}, call("c1", "fail"), call("c2", "echo"))
	require.Error(t, err)
	assert.Equal(t, "tool fail failed: TOOL_EXECUTION_FAILED", err.Error())
	assert.True(t, toolerrors.HasCode(err, tools.CodeToolExecutionFailed))

	assert.Equal(t, []hooks.EventType{hooks.Status, hooks.ToolCall, hooks.ToolResult, hooks.Error, hooks.Status}, rec.types())
	assert.Equal(t, []run.Status{run.StatusRunning, run.StatusFailed}, rec.statuses())
	errEvt := rec.events[3].(*hooks.ErrorEvent)
	assert.Equal(t, err.Error(), errEvt.Message)
}

func TestStartRunDeniedCall(t *testing.T) {
	b := broker.New(broker.WithPolicy(policy.EvaluatorFunc(func(context.Context, tools.CallEnvelope) policy.Decision {
		return policy.Deny("nope")
	})))
	b.RegisterTool("echo", func(context.Context, tools.CallEnvelope) (any, error) { return "ok", nil })
	r, rec := newRunner(t, b)

	err := r.StartRun(context.Background(), "run-1", Request{}, call("c1", "echo"))
	require.EqualError(t, err, "tool echo failed: POLICY_DENIED")
	assert.Equal(t, []run.Status{run.StatusRunning, run.StatusFailed}, rec.statuses())
}

func TestStartRunRejectsForeignCall(t *testing.T) {
	executed := false
	exec := executor.Func(func(context.Context, tools.CallEnvelope) (tools.CallResult, error) {
		executed = true
		return tools.CallResult{}, nil
	})
	r, rec := newRunner(t, exec)
	c := call("c1", "echo")
	c.RunID = "other"

	err := r.StartRun(context.Background(), "run-1", Request{}, c)
	require.ErrorIs(t, err, ErrRunMismatch)
	assert.False(t, executed)
	assert.Equal(t, []hooks.EventType{hooks.Status, hooks.Error, hooks.Status}, rec.types())
}

func TestStartRunExecutorError(t *testing.T) {
	exec := executor.Func(func(context.Context, tools.CallEnvelope) (tools.CallResult, error) {
		return tools.CallResult{}, errors.New("connection reset")
	})
	r, rec := newRunner(t, exec)

	err := r.StartRun(context.Background(), "run-1", Request{}, call("c1", "echo"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, []hooks.EventType{hooks.Status, hooks.ToolCall, hooks.Error, hooks.Status}, rec.types())
}

func TestStartRunSynthesizesModelCall(t *testing.T) {
	var got tools.CallEnvelope
	b := newBroker()
	b.RegisterTool(tools.ModelGenerate, func(_ context.Context, c tools.CallEnvelope) (any, error) {
		got = c
		return tools.ModelGenerateOutput{Text: "  generated\n\n   text  "}, nil
	})
	r, rec := newRunner(t, b)

	req := Request{Goal: "write a haiku", ConnectionID: "conn", ModelRef: "m1"}
	require.NoError(t, r.StartRun(context.Background(), "run-1", req))

	assert.Equal(t, tools.ModelGenerate, got.ToolID)
	assert.JSONEq(t, `{"prompt":"write a haiku","connectionId":"conn","modelRef":"m1"}`, string(got.Input))
	assert.Equal(t, []hooks.EventType{hooks.Status, hooks.ToolCall, hooks.ToolResult, hooks.Log, hooks.Status}, rec.types())
	logEvt := rec.events[3].(*hooks.LogEvent)
	assert.Equal(t, "generated text", logEvt.Message)
}

func TestStartRunWithoutGoalOrCalls(t *testing.T) {
	r, rec := newRunner(t, newBroker())
	require.Error(t, r.StartRun(context.Background(), "run-1", Request{}))
	assert.Equal(t, []run.Status{run.StatusRunning, run.StatusFailed}, rec.statuses())
}

func TestStartRunEmptyModelTextSkipsLog(t *testing.T) {
	b := broker.New()
	b.RegisterTool(tools.ModelGenerate, func(context.Context, tools.CallEnvelope) (any, error) {
		return tools.ModelGenerateOutput{Text: " \n "}, nil
	})
	r, rec := newRunner(t, b)
	require.NoError(t, r.StartRun(context.Background(), "run-1", Request{Goal: "x"}))
	assert.NotContains(t, rec.types(), hooks.Log)
}

func TestStartRunPlan(t *testing.T) {
	r, rec := newRunner(t, newBroker())
	req := Request{Plan: []string{"first", "second"}}
	require.NoError(t, r.StartRun(context.Background(), "run-1", req, call("c1", "echo"), call("c2", "echo")))

	assert.Equal(t, []hooks.EventType{
		hooks.Status, hooks.Plan,
		hooks.ToolCall, hooks.ToolResult, hooks.TodoUpdate,
		hooks.ToolCall, hooks.ToolResult, hooks.TodoUpdate,
		hooks.Status,
	}, rec.types())
	plan := rec.events[1].(*hooks.PlanEvent)
	require.Len(t, plan.Items, 2)
	assert.Equal(t, hooks.TodoPending, plan.Items[0].Status)
	upd := rec.events[4].(*hooks.TodoUpdateEvent)
	assert.Equal(t, "step-1", upd.Item.ID)
	assert.Equal(t, hooks.TodoCompleted, upd.Item.Status)
}

func TestStartRunRejectsActiveRunID(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := executor.Func(func(_ context.Context, env tools.CallEnvelope) (tools.CallResult, error) {
		close(started)
		<-release
		return tools.CallResult{CallID: env.CallID, ToolID: env.ToolID, RunID: env.RunID, OK: true, Output: []byte(`1`)}, nil
	})
	r, _ := newRunner(t, exec)

	done := make(chan error, 1)
	go func() { done <- r.StartRun(context.Background(), "run-1", Request{}, call("c1", "echo")) }()
	<-started
	require.ErrorIs(t, r.StartRun(context.Background(), "run-1", Request{}, call("c2", "echo")), run.ErrRunActive)
	close(release)
	require.NoError(t, <-done)
}
