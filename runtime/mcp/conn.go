package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/toolcore/runtime/agent/telemetry"
)

// DefaultRequestTimeout bounds how long a request waits for its response.
const DefaultRequestTimeout = 15 * time.Second

type (
	// Conn is a JSON-RPC 2.0 connection over a Content-Length framed duplex
	// stream. Outbound requests get monotonically increasing integer ids and
	// are correlated with responses through a pending map. Each request has
	// its own timeout; a timeout evicts the request without closing the
	// connection. Responses without a pending request are dropped.
	Conn struct {
		rwc     io.ReadWriteCloser
		timeout time.Duration
		logger  telemetry.Logger
		dec     *FrameDecoder

		nextID  atomic.Int64
		writeMu sync.Mutex

		mu      sync.Mutex
		pending map[int64]*pendingCall
		closed  bool
		cause   error
		done    chan struct{}
	}

	// ConnOption configures a Conn.
	ConnOption func(*Conn)

	pendingCall struct {
		method string
		ch     chan response
		timer  *time.Timer
	}

	response struct {
		result json.RawMessage
		err    error
	}
)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConnLogger sets the connection logger.
func WithConnLogger(l telemetry.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxFrameBytes bounds the size of inbound frames.
func WithMaxFrameBytes(n int) ConnOption {
	return func(c *Conn) { c.dec = NewFrameDecoder(n) }
}

// NewConn starts reading rwc and returns the connection. The connection owns
// rwc and closes it on Close or when the stream fails.
func NewConn(rwc io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		rwc:     rwc,
		timeout: DefaultRequestTimeout,
		logger:  telemetry.NewNoopLogger(),
		dec:     NewFrameDecoder(0),
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	return c
}

// Call sends a request and waits for its response, decoding the result into
// result when non-nil. Calls on a closed connection fail immediately with
// an error wrapping ErrClosed.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	p := &pendingCall{method: method, ch: make(chan response, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.cause
		c.mu.Unlock()
		return err
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() {
		if c.take(id) != nil {
			c.logger.Warn(context.Background(), "mcp request timed out", "method", method, "id", id, "timeout", c.timeout)
			p.ch <- response{err: fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.timeout)}
		}
	})
	c.mu.Unlock()

	if err := c.write(message{JSONRPC: "2.0", ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method, Params: params}); err != nil {
		c.take(id)
		return err
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return res.err
		}
		if result != nil && len(res.result) > 0 {
			if err := json.Unmarshal(res.result, result); err != nil {
				return fmt.Errorf("%w: decode %s result: %w", ErrProtocol, method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.take(id)
		return ctx.Err()
	}
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	c.mu.Lock()
	closed, cause := c.closed, c.cause
	c.mu.Unlock()
	if closed {
		return cause
	}
	return c.write(message{JSONRPC: "2.0", Method: method, Params: params})
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done returns a channel closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed, nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Close closes the connection, rejecting pending requests. Close is
// idempotent.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) write(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(EncodeFrame(data)); err != nil {
		err = fmt.Errorf("%w: write %s: %w", ErrClosed, msg.Method, err)
		c.shutdown(err)
		return err
	}
	return nil
}

func (c *Conn) readLoop() {
	buf := make([]byte, 32<<10)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			for frame, ferr := range c.dec.Feed(buf[:n]) {
				if ferr != nil {
					c.logger.Error(context.Background(), "mcp stream corrupted", "err", ferr)
					c.shutdown(fmt.Errorf("%w: %w", ErrClosed, ferr))
					return
				}
				c.dispatch(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
			}
			return
		}
	}
}

func (c *Conn) dispatch(frame []byte) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Debug(context.Background(), "mcp dropped malformed message", "err", err)
		return
	}
	if msg.Method != "" {
		c.handleServerMessage(msg)
		return
	}
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.logger.Debug(context.Background(), "mcp dropped response with non-integer id", "id", string(msg.ID))
		return
	}
	p := c.take(id)
	if p == nil {
		c.logger.Debug(context.Background(), "mcp dropped unmatched response", "id", id)
		return
	}
	if msg.Error != nil {
		p.ch <- response{err: msg.Error}
		return
	}
	p.ch <- response{result: msg.Result}
}

// handleServerMessage answers server-initiated requests with method not
// found and ignores notifications.
func (c *Conn) handleServerMessage(msg message) {
	if len(msg.ID) == 0 || string(msg.ID) == "null" {
		c.logger.Debug(context.Background(), "mcp ignored notification", "method", msg.Method)
		return
	}
	reply := message{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Error:   &RPCError{Code: JSONRPCMethodNotFound, Message: "method not found: " + msg.Method},
	}
	if err := c.write(reply); err != nil {
		c.logger.Debug(context.Background(), "mcp failed to reject server request", "method", msg.Method, "err", err)
	}
}

// take removes and returns the pending call id, nil if it is no longer
// pending. Whoever takes a call owns delivering its single response.
func (c *Conn) take(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- response{err: cause}
	}
	_ = c.rwc.Close()
	close(c.done)
}
