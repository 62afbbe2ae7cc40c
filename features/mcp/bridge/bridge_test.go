package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/broker"
	"goa.design/toolcore/runtime/mcp"
)

var testRef = mcp.ServerRef{ExtensionID: "acme.search", ServerID: "files"}

func searchTool() map[string]any {
	return map[string]any{
		"name": "search",
		"inputSchema": map[string]any{
			"type":       "object",
			"required":   []string{"query"},
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
		},
	}
}

func pingTool() map[string]any {
	return map[string]any{"name": "ping", "inputSchema": map[string]any{"type": "object"}}
}

func newTestBridge(t *testing.T, backend *fakeBackend) (*Bridge, *broker.Broker) {
	t.Helper()
	b := broker.New()
	br := New(b, backend, WithConnOptions(mcp.WithRequestTimeout(2*time.Second)))
	br.AddServer(mcp.ServerDefinition{ServerRef: testRef, Command: "fake"})
	t.Cleanup(func() { _ = br.Close() })
	return br, b
}

func call(t *testing.T, b *broker.Broker, id tools.Ident, input string) tools.CallResult {
	t.Helper()
	res, err := b.HandleAgentToolCall(context.Background(), tools.CallEnvelope{
		CallID:      "call-1",
		ToolID:      id,
		RequesterID: "agent",
		RunID:       "run-1",
		Input:       json.RawMessage(input),
	})
	require.NoError(t, err)
	return res
}

func TestToolIDRoundTrip(t *testing.T) {
	cases := []struct {
		ref  mcp.ServerRef
		name string
		want tools.Ident
	}{
		{mcp.ServerRef{ExtensionID: "ext", ServerID: "srv"}, "echo", "mcp:ext:srv:echo"},
		{mcp.ServerRef{ExtensionID: "a:b", ServerID: "s v"}, "x/y", "mcp:a%3Ab:s%20v:x%2Fy"},
		{mcp.ServerRef{ExtensionID: "ext", ServerID: "100%"}, "a+b", "mcp:ext:100%25:a%2Bb"},
	}
	for _, c := range cases {
		id := ToolID(c.ref, c.name)
		assert.Equal(t, c.want, id)
		ref, name, err := ParseToolID(id)
		require.NoError(t, err)
		assert.Equal(t, c.ref, ref)
		assert.Equal(t, c.name, name)
	}

	for _, bad := range []tools.Ident{"echo", "mcp:ext:srv", "x:ext:srv:tool", "mcp:ext::tool", "mcp:ext:srv:%zz"} {
		_, _, err := ParseToolID(bad)
		assert.Error(t, err, bad)
	}
}

func TestToolIDRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	nonEmpty := gen.AnyString().SuchThat(func(s string) bool { return s != "" })
	properties.Property("parse inverts format", prop.ForAll(
		func(ext, srv, name string) bool {
			ref, got, err := ParseToolID(ToolID(mcp.ServerRef{ExtensionID: ext, ServerID: srv}, name))
			return err == nil && ref.ExtensionID == ext && ref.ServerID == srv && got == name
		},
		nonEmpty, nonEmpty, nonEmpty,
	))
	properties.TestingRun(t)
}

func TestRefreshRegistersTools(t *testing.T) {
	backend := newFakeBackend(searchTool(), pingTool())
	br, b := newTestBridge(t, backend)

	ids, err := br.RefreshServerTools(context.Background(), testRef)
	require.NoError(t, err)
	search, ping := ToolID(testRef, "search"), ToolID(testRef, "ping")
	assert.Equal(t, []tools.Ident{search, ping}, ids)
	assert.ElementsMatch(t, []tools.Ident{ping, search}, b.ListTools())

	res := call(t, b, search, `{"query":"main.go"}`)
	require.True(t, res.OK, res.Error)
	assert.JSONEq(t, `{"query":"main.go"}`, string(res.Output))

	res = call(t, b, ping, "")
	require.True(t, res.OK, res.Error)
	assert.JSONEq(t, `{}`, string(res.Output))

	res = call(t, b, search, `{"query":42}`)
	assert.False(t, res.OK)
	assert.Equal(t, tools.CodeToolExecutionFailed, res.Error)
}

func TestRefreshReplacesStaleTools(t *testing.T) {
	backend := newFakeBackend(searchTool(), pingTool())
	br, b := newTestBridge(t, backend)
	_, err := br.RefreshServerTools(context.Background(), testRef)
	require.NoError(t, err)

	backend.setTools(pingTool())
	_, err = br.RefreshServerTools(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, []tools.Ident{ToolID(testRef, "ping")}, b.ListTools())
	assert.Equal(t, []tools.Ident{ToolID(testRef, "ping")}, br.Tools(testRef))

	launches, lists := backend.counts()
	assert.Equal(t, 1, launches, "client is cached")
	assert.Equal(t, 2, lists)
}

func TestRefreshFailureClearsTools(t *testing.T) {
	backend := newFakeBackend(searchTool())
	br, b := newTestBridge(t, backend)
	_, err := br.RefreshServerTools(context.Background(), testRef)
	require.NoError(t, err)
	require.Len(t, b.ListTools(), 1)

	backend.setFailList(true)
	_, err = br.RefreshServerTools(context.Background(), testRef)
	var rpcErr *mcp.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Empty(t, b.ListTools())
	assert.Empty(t, br.Tools(testRef))
}

func TestRefreshUnknownServer(t *testing.T) {
	br, _ := newTestBridge(t, newFakeBackend())
	_, err := br.RefreshServerTools(context.Background(), mcp.ServerRef{ExtensionID: "x", ServerID: "y"})
	require.ErrorIs(t, err, ErrUnknownServer)
}

func TestProcessExitTearsDownOnce(t *testing.T) {
	backend := newFakeBackend(searchTool())
	br, b := newTestBridge(t, backend)
	_, err := br.RefreshServerTools(context.Background(), testRef)
	require.NoError(t, err)

	proc := backend.lastProc()
	proc.exit()
	require.Eventually(t, func() bool {
		return len(b.ListTools()) == 0
	}, time.Second, 5*time.Millisecond)

	// The next refresh launches a fresh process.
	_, err = br.RefreshServerTools(context.Background(), testRef)
	require.NoError(t, err)
	launches, _ := backend.counts()
	assert.Equal(t, 2, launches)
	assert.Len(t, b.ListTools(), 1)

	// A second exit notification of the old process does not clear the
	// tools of the new one.
	proc.exit()
	assert.Len(t, b.ListTools(), 1)
}

func TestExitDuringRefreshRegistersNothing(t *testing.T) {
	many := make([]map[string]any, 0, 500)
	for i := range 500 {
		many = append(many, map[string]any{"name": fmt.Sprintf("t%d", i), "inputSchema": map[string]any{"type": "object"}})
	}
	backend := newFakeBackend(many...)
	backend.beforeList = func(p *fakeProc) { p.markExited() }
	br, b := newTestBridge(t, backend)

	_, err := br.RefreshServerTools(context.Background(), testRef)
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return len(b.ListTools()) == 0 && len(br.Tools(testRef)) == 0
	}, time.Second, 5*time.Millisecond)
	assert.False(t, b.HasTool(ToolID(testRef, "t0")))

	// The tools come back with a fresh process.
	ok, err := br.EnsureToolRegistered(context.Background(), ToolID(testRef, "t0"))
	require.NoError(t, err)
	assert.True(t, ok)
	launches, _ := backend.counts()
	assert.Equal(t, 2, launches)
	assert.Len(t, b.ListTools(), 500)
}

func TestLaunchesOfDifferentServersDoNotBlockEachOther(t *testing.T) {
	backend := newFakeBackend(pingTool())
	slow := mcp.ServerRef{ExtensionID: "acme.search", ServerID: "slow"}
	release := make(chan struct{})
	launcher := LauncherFunc(func(ctx context.Context, def mcp.ServerDefinition) (Server, error) {
		if def.ServerRef == slow {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return backend.Launch(ctx, def)
	})
	b := broker.New()
	br := New(b, launcher)
	defer func() { _ = br.Close() }()
	br.AddServer(mcp.ServerDefinition{ServerRef: testRef, Command: "fake"})
	br.AddServer(mcp.ServerDefinition{ServerRef: slow, Command: "fake"})

	slowDone := make(chan error, 1)
	go func() {
		_, err := br.RefreshServerTools(context.Background(), slow)
		slowDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids, err := br.RefreshServerTools(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, []tools.Ident{ToolID(testRef, "ping")}, ids)
	assert.Empty(t, br.Tools(slow))

	close(release)
	require.NoError(t, <-slowDone)
	assert.Equal(t, []tools.Ident{ToolID(slow, "ping")}, br.Tools(slow))
}

func TestEnsureToolRegistered(t *testing.T) {
	backend := newFakeBackend(searchTool())
	br, _ := newTestBridge(t, backend)
	ctx := context.Background()

	ok, err := br.EnsureToolRegistered(ctx, ToolID(testRef, "search"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, lists := backend.counts()
	assert.Equal(t, 1, lists)

	ok, err = br.EnsureToolRegistered(ctx, ToolID(testRef, "search"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, lists = backend.counts()
	assert.Equal(t, 1, lists, "registered tools do not trigger a refresh")

	ok, err = br.EnsureToolRegistered(ctx, ToolID(testRef, "missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = br.EnsureToolRegistered(ctx, "workspace.read")
	require.Error(t, err)
}

func TestUncompilableSchemaRejectsEveryInput(t *testing.T) {
	backend := newFakeBackend(map[string]any{
		"name":        "broken",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"$ref": "#/nowhere"}}},
	})
	br, b := newTestBridge(t, backend)
	_, err := br.RefreshServerTools(context.Background(), testRef)
	require.NoError(t, err)
	res := call(t, b, ToolID(testRef, "broken"), `{}`)
	assert.False(t, res.OK)
	assert.Equal(t, tools.CodeToolExecutionFailed, res.Error)
}

func TestOutputValidatedAgainstOutputSchema(t *testing.T) {
	backend := newFakeBackend(map[string]any{
		"name":         "count",
		"inputSchema":  map[string]any{"type": "object"},
		"outputSchema": map[string]any{"type": "object", "required": []string{"n"}},
	})
	backend.call = func(string, json.RawMessage) map[string]any {
		return map[string]any{"structuredContent": map[string]any{"m": 1}}
	}
	br, b := newTestBridge(t, backend)
	_, err := br.RefreshServerTools(context.Background(), testRef)
	require.NoError(t, err)
	res := call(t, b, ToolID(testRef, "count"), `{}`)
	assert.False(t, res.OK)
	assert.Equal(t, tools.CodeToolExecutionFailed, res.Error)
}

func TestRefreshAll(t *testing.T) {
	backend := newFakeBackend(pingTool())
	b := broker.New()
	br := New(b, backend)
	defer func() { _ = br.Close() }()
	other := mcp.ServerRef{ExtensionID: "acme.search", ServerID: "web"}
	br.AddServer(mcp.ServerDefinition{ServerRef: testRef, Command: "fake"})
	br.AddServer(mcp.ServerDefinition{ServerRef: other, Command: "fake"})
	assert.Equal(t, []mcp.ServerRef{testRef, other}, br.Servers())

	require.NoError(t, br.RefreshAll(context.Background()))
	assert.ElementsMatch(t, []tools.Ident{ToolID(testRef, "ping"), ToolID(other, "ping")}, b.ListTools())

	require.NoError(t, br.Close())
	assert.Empty(t, b.ListTools())
}
