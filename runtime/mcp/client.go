package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"goa.design/toolcore/runtime/agent/schema"
)

var toolsListSchema = schema.MustCompile("tools/list result", `{
  "type": "object",
  "required": ["tools"],
  "properties": {
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "inputSchema": {"type": "object"},
          "outputSchema": {"type": "object"}
        }
      }
    },
    "nextCursor": {"type": "string"}
  }
}`)

type (
	// Client is an MCP client bound to one server connection. The initialize
	// handshake runs lazily before the first operation, at most once per
	// client: concurrent first callers share the in-flight handshake and a
	// failed handshake is retried by the next caller.
	Client struct {
		conn            *Conn
		info            Implementation
		protocolVersion string

		mu          sync.Mutex
		initialized bool
		server      InitializeResult
		inflight    *handshake
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)

	handshake struct {
		done chan struct{}
		err  error
	}
)

// WithClientInfo sets the client identity sent during initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) { c.info = Implementation{Name: name, Version: version} }
}

// WithProtocolVersion overrides DefaultProtocolVersion.
func WithProtocolVersion(v string) ClientOption {
	return func(c *Client) { c.protocolVersion = v }
}

// NewClient returns a client speaking over conn.
func NewClient(conn *Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:            conn,
		info:            Implementation{Name: "toolcore", Version: "dev"},
		protocolVersion: DefaultProtocolVersion,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Conn returns the underlying connection.
func (c *Client) Conn() *Conn { return c.conn }

// Initialize performs the handshake if it has not completed yet and returns
// the server's initialize result.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	c.mu.Lock()
	if c.initialized {
		res := c.server
		c.mu.Unlock()
		return res, nil
	}
	if h := c.inflight; h != nil {
		c.mu.Unlock()
		select {
		case <-h.done:
			if h.err != nil {
				return InitializeResult{}, h.err
			}
			return c.serverInfo(), nil
		case <-ctx.Done():
			return InitializeResult{}, ctx.Err()
		}
	}
	h := &handshake{done: make(chan struct{})}
	c.inflight = h
	c.mu.Unlock()

	res, err := c.handshake(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err == nil {
		c.initialized = true
		c.server = res
	}
	c.mu.Unlock()
	h.err = err
	close(h.done)
	return res, err
}

// ListTools returns every tool exposed by the server, following pagination
// cursors. Each page is validated against the tools/list schema.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if _, err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	var (
		all    []ToolDefinition
		cursor string
	)
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var raw json.RawMessage
		if err := c.conn.Call(ctx, MethodToolsList, params, &raw); err != nil {
			return nil, err
		}
		if err := toolsListSchema.ValidateJSON(raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		var page toolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("%w: decode tools/list: %w", ErrProtocol, err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes tool name. Input is sent under "arguments" only when it is
// defined. The result is normalized to a single JSON value; a tool reporting
// isError yields an error wrapping ErrToolFailed.
func (c *Client) CallTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	if _, err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	params := map[string]any{"name": name}
	if len(input) > 0 && string(input) != "null" {
		params["arguments"] = input
	}
	addTraceMeta(ctx, params)
	var result toolsCallResult
	if err := c.conn.Call(ctx, MethodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return normalizeToolResult(result)
}

// Close closes the underlying connection. Close is idempotent.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) handshake(ctx context.Context) (InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": c.protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      c.info,
	}
	var res InitializeResult
	if err := c.conn.Call(ctx, MethodInitialize, params, &res); err != nil {
		return InitializeResult{}, fmt.Errorf("mcp initialize: %w", err)
	}
	if err := c.conn.Notify(ctx, MethodInitialized, nil); err != nil {
		return InitializeResult{}, fmt.Errorf("mcp initialized notification: %w", err)
	}
	return res, nil
}

func (c *Client) serverInfo() InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}
