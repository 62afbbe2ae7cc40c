// Package mcp speaks the Model Context Protocol to external tool servers over
// a Content-Length framed JSON-RPC 2.0 byte stream, typically the stdio of a
// child process. It provides the frame codec, a request/response correlating
// connection with per-request timeouts, the MCP client performing the
// initialize handshake, and a process manager launching stdio servers.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultProtocolVersion is the MCP protocol version announced by clients.
const DefaultProtocolVersion = "2024-11-05"

// JSON-RPC canonical error codes.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MCP method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

var (
	// ErrClosed is returned by calls on a closed connection and used to
	// reject requests pending when the connection closes.
	ErrClosed = errors.New("mcp: connection closed")
	// ErrTimeout is returned when no response arrives within the request
	// timeout. The connection stays open.
	ErrTimeout = errors.New("mcp: request timed out")
	// ErrProtocol is wrapped by errors caused by malformed frames or
	// payloads that violate the protocol.
	ErrProtocol = errors.New("mcp: protocol error")
	// ErrToolFailed is wrapped by errors returned when a tool reports
	// isError.
	ErrToolFailed = errors.New("mcp: tool reported an error")
)

type (
	// RPCError is a JSON-RPC error object returned by the server.
	RPCError struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	// Implementation identifies a client or server.
	Implementation struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// InitializeResult is the server response to initialize.
	InitializeResult struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    json.RawMessage `json:"capabilities,omitempty"`
		ServerInfo      Implementation  `json:"serverInfo"`
	}

	// ToolDefinition describes a tool exposed by a server.
	ToolDefinition struct {
		Name         string          `json:"name"`
		Description  string          `json:"description,omitempty"`
		InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
		OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	}

	// message is the union of JSON-RPC requests, notifications and responses.
	message struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  any             `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}

	toolsListResult struct {
		Tools      []ToolDefinition `json:"tools"`
		NextCursor string           `json:"nextCursor,omitempty"`
	}

	toolsCallResult struct {
		Content           []contentItem   `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
		IsError           bool            `json:"isError"`
	}

	contentItem struct {
		Type     string  `json:"type"`
		Text     *string `json:"text"`
		MimeType *string `json:"mimeType"`
	}
)

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// normalizeToolResult reduces a tools/call result to a single JSON value.
// Structured content wins; otherwise the first text item is used verbatim
// when it is valid JSON and as a JSON string when it is not.
func normalizeToolResult(result toolsCallResult) (json.RawMessage, error) {
	if result.IsError {
		return nil, fmt.Errorf("%w: %s", ErrToolFailed, firstText(result.Content))
	}
	if len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null" {
		return append(json.RawMessage(nil), result.StructuredContent...), nil
	}
	for _, item := range result.Content {
		if item.Text == nil {
			continue
		}
		text := []byte(*item.Text)
		if json.Valid(text) {
			return append(json.RawMessage(nil), text...), nil
		}
		return json.Marshal(*item.Text)
	}
	return nil, fmt.Errorf("%w: tool returned no content", ErrProtocol)
}

func firstText(items []contentItem) string {
	for _, item := range items {
		if item.Text != nil && *item.Text != "" {
			return *item.Text
		}
	}
	return "no details"
}
