package bridge

import (
	"fmt"
	"net/url"
	"strings"

	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/mcp"
)

// ToolIDPrefix prefixes every tool id registered by the bridge.
const ToolIDPrefix = "mcp"

// ToolID returns the broker id of tool name exposed by server ref:
// mcp:<extensionId>:<serverId>:<toolName> with percent-encoded segments.
func ToolID(ref mcp.ServerRef, name string) tools.Ident {
	return tools.Ident(strings.Join([]string{
		ToolIDPrefix,
		escape(ref.ExtensionID),
		escape(ref.ServerID),
		escape(name),
	}, ":"))
}

// ParseToolID splits a bridge tool id into its server and tool name.
func ParseToolID(id tools.Ident) (mcp.ServerRef, string, error) {
	parts := strings.Split(string(id), ":")
	if len(parts) != 4 || parts[0] != ToolIDPrefix {
		return mcp.ServerRef{}, "", fmt.Errorf("not an mcp tool id: %q", id)
	}
	segs := make([]string, 3)
	for i, p := range parts[1:] {
		s, err := url.PathUnescape(p)
		if err != nil {
			return mcp.ServerRef{}, "", fmt.Errorf("mcp tool id %q: %w", id, err)
		}
		if s == "" {
			return mcp.ServerRef{}, "", fmt.Errorf("mcp tool id %q: empty segment", id)
		}
		segs[i] = s
	}
	return mcp.ServerRef{ExtensionID: segs[0], ServerID: segs[1]}, segs[2], nil
}

// escape percent-encodes s so it contains no ':' and round-trips through
// url.PathUnescape.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
