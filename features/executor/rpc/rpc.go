// Package rpc carries tool call execution across a process boundary. The
// agent host uses Client as its executor.Executor; the process owning the
// broker serves requests with Server. Messages are JSON-RPC 2.0 framed with
// Content-Length headers.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sourcegraph/jsonrpc2"

	"goa.design/toolcore/runtime/agent/executor"
	"goa.design/toolcore/runtime/agent/telemetry"
	"goa.design/toolcore/runtime/agent/tools"
)

// MethodExecuteToolCall is the JSON-RPC method executing one tool call.
const MethodExecuteToolCall = "agent/executeToolCall"

type (
	// Server serves tool calls received over JSON-RPC connections.
	Server struct {
		exec   executor.Executor
		logger telemetry.Logger
	}

	// Client executes tool calls on a remote Server.
	Client struct {
		conn *jsonrpc2.Conn
	}

	// Option configures a Server or Client.
	Option func(*options)

	options struct {
		logger telemetry.Logger
	}

	// stdio joins a reader and a writer into an io.ReadWriteCloser.
	stdio struct {
		io.Reader
		io.WriteCloser
	}
)

var _ executor.Executor = (*Client)(nil)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Stdio returns an io.ReadWriteCloser reading from r and writing to w.
// Closing it closes w then r when r is an io.Closer.
func Stdio(r io.Reader, w io.WriteCloser) io.ReadWriteCloser {
	return &stdio{Reader: r, WriteCloser: w}
}

func (s *stdio) Close() error {
	if err := s.WriteCloser.Close(); err != nil {
		return err
	}
	if c, ok := s.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewServer returns a server delegating tool calls to exec.
func NewServer(exec executor.Executor, opts ...Option) *Server {
	o := newOptions(opts)
	return &Server{exec: exec, logger: o.logger}
}

// Serve serves requests read from rwc until the peer disconnects or ctx is
// canceled. Requests are handled concurrently.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := s.ServeConn(ctx, rwc)
	select {
	case <-conn.DisconnectNotify():
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

// ServeConn starts serving rwc and returns the connection.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) *jsonrpc2.Conn {
	h := jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle))
	return jsonrpc2.NewConn(ctx, newStream(rwc), h)
}

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method != MethodExecuteToolCall {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if req.Params == nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing tool call envelope"}
	}
	env, err := tools.DecodeEnvelope(*req.Params)
	if err != nil {
		s.logger.Warn(ctx, "rejected tool call envelope", "err", err)
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	res, err := s.exec.ExecuteToolCall(ctx, env)
	if err != nil {
		s.logger.Error(ctx, "tool call execution failed", "tool", env.ToolID.String(), "call", env.CallID, "err", err)
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
	}
	return res, nil
}

// NewClient returns a client sending tool calls over rwc. Requests from the
// server are rejected.
func NewClient(ctx context.Context, rwc io.ReadWriteCloser, opts ...Option) *Client {
	o := newOptions(opts)
	h := jsonrpc2.HandlerWithError(func(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		o.logger.Debug(ctx, "rejected executor callback", "method", req.Method)
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	})
	return &Client{conn: jsonrpc2.NewConn(ctx, newStream(rwc), h)}
}

// ExecuteToolCall implements executor.Executor. The envelope is validated
// before it is sent and the result after it is received.
func (c *Client) ExecuteToolCall(ctx context.Context, env tools.CallEnvelope) (tools.CallResult, error) {
	if err := tools.ValidateEnvelope(env); err != nil {
		return tools.CallResult{}, err
	}
	var raw json.RawMessage
	if err := c.conn.Call(ctx, MethodExecuteToolCall, env, &raw); err != nil {
		var rpcErr *jsonrpc2.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc2.CodeInvalidParams {
			return tools.CallResult{}, fmt.Errorf("%w: %s", tools.ErrInvalidEnvelope, rpcErr.Message)
		}
		return tools.CallResult{}, fmt.Errorf("execute tool call %s: %w", env.CallID, err)
	}
	return tools.DecodeResult(raw)
}

// Done returns a channel closed when the connection to the server is lost.
func (c *Client) Done() <-chan struct{} { return c.conn.DisconnectNotify() }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func newStream(rwc io.ReadWriteCloser) jsonrpc2.ObjectStream {
	return jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
}

func newOptions(opts []Option) options {
	o := options{logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
