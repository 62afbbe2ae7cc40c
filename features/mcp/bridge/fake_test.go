package bridge

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"goa.design/toolcore/runtime/mcp"
)

type (
	// fakeBackend is the behavior shared by every process launched for a
	// server.
	fakeBackend struct {
		mu       sync.Mutex
		tools    []map[string]any
		failList bool
		launches int
		lists    int
		procs    []*fakeProc
		call     func(name string, args json.RawMessage) map[string]any
		// beforeList runs before a tools/list reply is written.
		beforeList func(p *fakeProc)
	}

	// fakeProc is an in-memory MCP server process.
	fakeProc struct {
		backend  *fakeBackend
		cr       *io.PipeReader
		cw       *io.PipeWriter
		sr       *io.PipeReader
		sw       *io.PipeWriter
		exited   chan struct{}
		once     sync.Once
		exitOnce sync.Once
	}
)

func newFakeBackend(tools ...map[string]any) *fakeBackend {
	return &fakeBackend{
		tools: tools,
		call: func(_ string, args json.RawMessage) map[string]any {
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			return map[string]any{"structuredContent": args}
		},
	}
}

func (f *fakeBackend) Launch(_ context.Context, _ mcp.ServerDefinition) (Server, error) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	p := &fakeProc{backend: f, cr: cr, cw: cw, sr: sr, sw: sw, exited: make(chan struct{})}
	f.mu.Lock()
	f.launches++
	f.procs = append(f.procs, p)
	f.mu.Unlock()
	go p.serve()
	return p, nil
}

func (f *fakeBackend) setTools(tools ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

func (f *fakeBackend) setFailList(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failList = fail
}

func (f *fakeBackend) counts() (launches, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches, f.lists
}

func (f *fakeBackend) lastProc() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

func (p *fakeProc) Read(b []byte) (int, error)  { return p.cr.Read(b) }
func (p *fakeProc) Write(b []byte) (int, error) { return p.cw.Write(b) }
func (p *fakeProc) Exited() <-chan struct{}     { return p.exited }

func (p *fakeProc) Close() error {
	p.exit()
	return nil
}

// exit simulates the process terminating.
func (p *fakeProc) exit() {
	p.once.Do(func() {
		_ = p.cw.Close()
		_ = p.sw.Close()
		_ = p.cr.Close()
		_ = p.sr.Close()
	})
	p.markExited()
}

// markExited signals the exit without closing the pipes, as when the exit
// notification overtakes the last reply.
func (p *fakeProc) markExited() {
	p.exitOnce.Do(func() { close(p.exited) })
}

func (p *fakeProc) serve() {
	dec := mcp.NewFrameDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := p.sr.Read(buf)
		for frame, ferr := range dec.Feed(buf[:n]) {
			if ferr != nil {
				return
			}
			p.handle(frame)
		}
		if err != nil {
			return
		}
	}
}

func (p *fakeProc) handle(frame []byte) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"params"`
	}
	if json.Unmarshal(frame, &req) != nil || len(req.ID) == 0 {
		return
	}
	f := p.backend
	switch req.Method {
	case mcp.MethodInitialize:
		p.reply(req.ID, map[string]any{"protocolVersion": mcp.DefaultProtocolVersion}, nil)
	case mcp.MethodToolsList:
		f.mu.Lock()
		f.lists++
		fail, tools, before := f.failList, f.tools, f.beforeList
		f.beforeList = nil
		f.mu.Unlock()
		if before != nil {
			before(p)
		}
		if fail {
			p.reply(req.ID, nil, map[string]any{"code": mcp.JSONRPCInternalError, "message": "listing failed"})
			return
		}
		if tools == nil {
			tools = []map[string]any{}
		}
		p.reply(req.ID, map[string]any{"tools": tools}, nil)
	case mcp.MethodToolsCall:
		p.reply(req.ID, f.call(req.Params.Name, req.Params.Arguments), nil)
	}
}

func (p *fakeProc) reply(id json.RawMessage, result any, rpcErr any) {
	msg := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	data, _ := json.Marshal(msg)
	_, _ = p.sw.Write(mcp.EncodeFrame(data))
}
