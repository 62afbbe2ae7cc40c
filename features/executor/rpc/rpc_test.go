package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/toolcore/runtime/agent/executor"
	"goa.design/toolcore/runtime/agent/policy"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/broker"
)

func envelope(callID, tool string) tools.CallEnvelope {
	return tools.CallEnvelope{
		CallID:      callID,
		ToolID:      tools.Ident(tool),
		RequesterID: "agent",
		RunID:       "run-1",
		Input:       json.RawMessage(`{"q":"x"}`),
	}
}

// connect serves exec on one end of a pipe and returns a client bound to
// the other end.
func connect(t *testing.T, exec executor.Executor) *Client {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(exec).Serve(ctx, serverSide) }()
	c := NewClient(context.Background(), clientSide)
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-done
	})
	return c
}

func TestClientExecutesThroughBroker(t *testing.T) {
	b := broker.New(broker.WithPolicy(policy.EvaluatorFunc(func(_ context.Context, env tools.CallEnvelope) policy.Decision {
		if env.ToolID == "shell.exec" {
			return policy.Deny("no shell")
		}
		return policy.Allow()
	})))
	b.RegisterTool("echo", func(_ context.Context, call tools.CallEnvelope) (any, error) {
		return call.Input, nil
	})
	c := connect(t, b)
	ctx := context.Background()

	res, err := c.ExecuteToolCall(ctx, envelope("c1", "echo"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "c1", res.CallID)
	assert.JSONEq(t, `{"q":"x"}`, string(res.Output))

	res, err = c.ExecuteToolCall(ctx, envelope("c2", "shell.exec"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, tools.CodePolicyDenied, res.Error)

	res, err = c.ExecuteToolCall(ctx, envelope("c3", "missing"))
	require.NoError(t, err)
	assert.Equal(t, tools.CodeToolNotFound, res.Error)
}

func TestClientRejectsMalformedEnvelopeLocally(t *testing.T) {
	var calls int
	var mu sync.Mutex
	c := connect(t, executor.Func(func(context.Context, tools.CallEnvelope) (tools.CallResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return tools.CallResult{}, nil
	}))
	env := envelope("c1", "echo")
	env.RunID = ""
	_, err := c.ExecuteToolCall(context.Background(), env)
	require.ErrorIs(t, err, tools.ErrInvalidEnvelope)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestServerRejectsMalformedEnvelope(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewServer(executor.Func(func(context.Context, tools.CallEnvelope) (tools.CallResult, error) {
		t.Error("executor must not be called")
		return tools.CallResult{}, nil
	})).ServeConn(ctx, serverSide)
	conn := jsonrpc2.NewConn(ctx, newStream(clientSide), jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
		return nil, nil
	}))
	defer func() { _ = conn.Close() }()

	var out json.RawMessage
	err := conn.Call(ctx, MethodExecuteToolCall, map[string]any{"callId": "c1", "toolId": "echo"}, &out)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "invalid tool call envelope")

	err = conn.Call(ctx, "agent/other", nil, &out)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)
}

func TestExecutorErrorsAreReported(t *testing.T) {
	c := connect(t, executor.Func(func(context.Context, tools.CallEnvelope) (tools.CallResult, error) {
		return tools.CallResult{}, errors.New("broker unavailable")
	}))
	_, err := c.ExecuteToolCall(context.Background(), envelope("c1", "echo"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	assert.NotErrorIs(t, err, tools.ErrInvalidEnvelope)
}

func TestInvalidResultIsRejected(t *testing.T) {
	c := connect(t, executor.Func(func(_ context.Context, env tools.CallEnvelope) (tools.CallResult, error) {
		// ok=false without an error code violates the result schema.
		return tools.CallResult{CallID: env.CallID, ToolID: env.ToolID, RunID: env.RunID}, nil
	}))
	_, err := c.ExecuteToolCall(context.Background(), envelope("c1", "echo"))
	require.ErrorIs(t, err, tools.ErrInvalidResult)
}

func TestConcurrentCalls(t *testing.T) {
	b := broker.New()
	b.RegisterTool("echo", func(_ context.Context, call tools.CallEnvelope) (any, error) {
		return map[string]string{"callId": call.CallID}, nil
	})
	c := connect(t, b)
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			res, err := c.ExecuteToolCall(context.Background(), envelope(id, "echo"))
			if assert.NoError(t, err) {
				assert.JSONEq(t, fmt.Sprintf(`{"callId":%q}`, id), string(res.Output))
			}
		}()
	}
	wg.Wait()
}

func TestStdioClosesBothEnds(t *testing.T) {
	r, w := net.Pipe()
	rwc := Stdio(r, w)
	require.NoError(t, rwc.Close())
	_, err := r.Read(make([]byte, 1))
	assert.Error(t, err)
}
