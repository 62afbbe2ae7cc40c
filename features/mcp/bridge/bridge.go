// Package bridge registers the tools exposed by MCP servers into a tool
// broker. Each server gets one cached client bound to its live process; the
// client and every tool registered for the server are torn down exactly once
// when the process exits.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"goa.design/toolcore/runtime/agent/schema"
	"goa.design/toolcore/runtime/agent/telemetry"
	"goa.design/toolcore/runtime/agent/toolerrors"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/broker"
	"goa.design/toolcore/runtime/mcp"
)

type (
	// Registry is the subset of the broker used by the bridge.
	Registry interface {
		RegisterTool(id tools.Ident, h broker.Handler)
		UnregisterTool(id tools.Ident)
		HasTool(id tools.Ident) bool
	}

	// Server is a live MCP server: a byte stream plus an exit notification.
	Server interface {
		io.ReadWriteCloser
		Exited() <-chan struct{}
	}

	// Launcher returns the live process of a server, starting it if needed.
	Launcher interface {
		Launch(ctx context.Context, def mcp.ServerDefinition) (Server, error)
	}

	// LauncherFunc adapts a function to Launcher.
	LauncherFunc func(ctx context.Context, def mcp.ServerDefinition) (Server, error)

	// Bridge discovers MCP tools and registers them as broker handlers.
	Bridge struct {
		reg        Registry
		launcher   Launcher
		logger     telemetry.Logger
		connOpts   []mcp.ConnOption
		clientOpts []mcp.ClientOption

		mu        sync.Mutex
		defs      map[mcp.ServerRef]mcp.ServerDefinition
		clients   map[mcp.ServerRef]*entry
		tools     map[mcp.ServerRef][]tools.Ident
		launching map[mcp.ServerRef]*sync.Mutex
	}

	// Option configures a Bridge.
	Option func(*Bridge)

	entry struct {
		client *mcp.Client
		server Server
		once   sync.Once
	}
)

// ErrUnknownServer is returned for servers that were never added.
var ErrUnknownServer = errors.New("unknown mcp server")

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, def mcp.ServerDefinition) (Server, error) {
	return f(ctx, def)
}

// ProcessLauncher launches servers as stdio processes managed by m.
func ProcessLauncher(m *mcp.ProcessManager) Launcher {
	return LauncherFunc(func(ctx context.Context, def mcp.ServerDefinition) (Server, error) {
		p, err := m.Start(ctx, def)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithConnOptions sets the options of the connections opened to servers.
func WithConnOptions(opts ...mcp.ConnOption) Option {
	return func(b *Bridge) { b.connOpts = append(b.connOpts, opts...) }
}

// WithClientOptions sets the options of the clients created for servers.
func WithClientOptions(opts ...mcp.ClientOption) Option {
	return func(b *Bridge) { b.clientOpts = append(b.clientOpts, opts...) }
}

// New returns a bridge registering tools into reg and reaching servers
// through launcher.
func New(reg Registry, launcher Launcher, opts ...Option) *Bridge {
	b := &Bridge{
		reg:       reg,
		launcher:  launcher,
		logger:    telemetry.NewNoopLogger(),
		defs:      make(map[mcp.ServerRef]mcp.ServerDefinition),
		clients:   make(map[mcp.ServerRef]*entry),
		tools:     make(map[mcp.ServerRef][]tools.Ident),
		launching: make(map[mcp.ServerRef]*sync.Mutex),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// AddServer makes def known to the bridge. Adding a definition for a known
// server replaces it; the running client is kept until its process exits.
func (b *Bridge) AddServer(def mcp.ServerDefinition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defs[def.ServerRef] = def
}

// Servers returns the known servers in a stable order.
func (b *Bridge) Servers() []mcp.ServerRef {
	b.mu.Lock()
	refs := make([]mcp.ServerRef, 0, len(b.defs))
	for ref := range b.defs {
		refs = append(refs, ref)
	}
	b.mu.Unlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// Tools returns the ids currently registered for ref.
func (b *Bridge) Tools(ref mcp.ServerRef) []tools.Ident {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tools.Ident(nil), b.tools[ref]...)
}

// RefreshServerTools lists the tools of ref and replaces its registrations:
// prior ids are unregistered then the listed tools registered. Any failure
// leaves the server with no registered tools, including the exit of the
// server process while the listing is in flight.
func (b *Bridge) RefreshServerTools(ctx context.Context, ref mcp.ServerRef) ([]tools.Ident, error) {
	e, err := b.client(ctx, ref)
	if err != nil {
		b.clearTools(ref)
		return nil, err
	}
	c := e.client
	defs, err := c.ListTools(ctx)
	if err != nil {
		b.clearTools(ref)
		b.logger.Warn(ctx, "mcp tool refresh failed", "server", ref.String(), "err", err)
		return nil, fmt.Errorf("refresh %s: %w", ref, err)
	}

	ids := make([]tools.Ident, 0, len(defs))
	handlers := make(map[tools.Ident]broker.Handler, len(defs))
	for _, def := range defs {
		id := ToolID(ref, def.Name)
		if _, dup := handlers[id]; !dup {
			ids = append(ids, id)
		}
		handlers[id] = b.handler(c, id, def)
	}

	b.mu.Lock()
	if b.clients[ref] != e || !e.alive() {
		// The teardown of e already ran or is pending. Tools registered by a
		// newer client of ref stay in place.
		if b.clients[ref] == e {
			b.unregisterLocked(ref)
		}
		b.mu.Unlock()
		b.logger.Warn(ctx, "mcp server exited during refresh", "server", ref.String())
		return nil, fmt.Errorf("refresh %s: %w", ref, mcp.ErrClosed)
	}
	for _, id := range b.tools[ref] {
		b.reg.UnregisterTool(id)
	}
	for _, id := range ids {
		b.reg.RegisterTool(id, handlers[id])
	}
	b.tools[ref] = ids
	b.mu.Unlock()

	b.logger.Info(ctx, "mcp tools registered", "server", ref.String(), "count", len(ids))
	return append([]tools.Ident(nil), ids...), nil
}

// RefreshAll refreshes every known server concurrently. It returns the
// first error; servers that failed are left without tools.
func (b *Bridge) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ref := range b.Servers() {
		g.Go(func() error {
			_, err := b.RefreshServerTools(ctx, ref)
			return err
		})
	}
	return g.Wait()
}

// EnsureToolRegistered reports whether id is registered, refreshing its
// server first when it is not.
func (b *Bridge) EnsureToolRegistered(ctx context.Context, id tools.Ident) (bool, error) {
	ref, _, err := ParseToolID(id)
	if err != nil {
		return false, err
	}
	if b.reg.HasTool(id) {
		return true, nil
	}
	ids, err := b.RefreshServerTools(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, got := range ids {
		if got == id {
			return true, nil
		}
	}
	return false, nil
}

// Close tears down every client and unregisters every tool.
func (b *Bridge) Close() error {
	b.mu.Lock()
	entries := make(map[mcp.ServerRef]*entry, len(b.clients))
	for ref, e := range b.clients {
		entries[ref] = e
	}
	b.mu.Unlock()
	for ref, e := range entries {
		b.teardown(ref, e)
	}
	return nil
}

// client returns the live entry of ref, launching the server and creating
// its client when there is none. Launches of one server are serialized by
// its launch lock; b.mu is not held while a process starts.
func (b *Bridge) client(ctx context.Context, ref mcp.ServerRef) (*entry, error) {
	lock := b.launchLock(ref)
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	if e, ok := b.clients[ref]; ok && e.alive() {
		b.mu.Unlock()
		return e, nil
	}
	def, ok := b.defs[ref]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, ref)
	}

	srv, err := b.launcher.Launch(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", ref, err)
	}
	e := &entry{
		client: mcp.NewClient(mcp.NewConn(srv, b.connOpts...), b.clientOpts...),
		server: srv,
	}
	b.mu.Lock()
	b.clients[ref] = e
	b.mu.Unlock()
	go func() {
		<-srv.Exited()
		b.teardown(ref, e)
	}()
	return e, nil
}

func (b *Bridge) launchLock(ref mcp.ServerRef) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.launching[ref]
	if !ok {
		l = &sync.Mutex{}
		b.launching[ref] = l
	}
	return l
}

// alive reports whether the process of e has not exited.
func (e *entry) alive() bool {
	select {
	case <-e.server.Exited():
		return false
	default:
		return true
	}
}

// teardown closes the client of e and clears the tools of ref. It runs at
// most once per entry.
func (b *Bridge) teardown(ref mcp.ServerRef, e *entry) {
	e.once.Do(func() {
		b.mu.Lock()
		if b.clients[ref] == e {
			delete(b.clients, ref)
			b.unregisterLocked(ref)
		}
		b.mu.Unlock()
		_ = e.client.Close()
		b.logger.Info(context.Background(), "mcp client torn down", "server", ref.String())
	})
}

func (b *Bridge) clearTools(ref mcp.ServerRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregisterLocked(ref)
}

func (b *Bridge) unregisterLocked(ref mcp.ServerRef) {
	for _, id := range b.tools[ref] {
		b.reg.UnregisterTool(id)
	}
	delete(b.tools, ref)
}

// handler returns the broker handler of tool def. Input and output are
// validated against the tool's schemas; a schema that does not compile
// rejects every value.
func (b *Bridge) handler(c *mcp.Client, id tools.Ident, def mcp.ToolDefinition) broker.Handler {
	in := schema.CompileLenient(string(id)+" input", def.InputSchema)
	out := schema.CompileLenient(string(id)+" output", def.OutputSchema)
	name := def.Name
	return func(ctx context.Context, call tools.CallEnvelope) (any, error) {
		args := call.Input
		if len(args) == 0 || string(args) == "null" {
			args = nil
		}
		check := args
		if check == nil {
			check = json.RawMessage("{}")
		}
		if err := in.ValidateJSON(check); err != nil {
			return nil, toolerrors.Wrap(id, err)
		}
		res, err := c.CallTool(ctx, name, args)
		if err != nil {
			return nil, toolerrors.Wrap(id, err)
		}
		if err := out.ValidateJSON(res); err != nil {
			return nil, toolerrors.Wrap(id, err)
		}
		return res, nil
	}
}
