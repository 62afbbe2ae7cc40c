package mcp

import (
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"testing"
)

type (
	// duplex joins the two ends of a pipe pair into an io.ReadWriteCloser.
	duplex struct {
		io.Reader
		io.Writer
		closers []io.Closer
	}

	// fakeServer answers framed JSON-RPC messages written by a Conn.
	fakeServer struct {
		t       *testing.T
		w       *io.PipeWriter
		handle  func(s *fakeServer, msg map[string]any)
		writeMu sync.Mutex

		mu       sync.Mutex
		received []map[string]any
		done     chan struct{}
	}
)

func (d duplex) Close() error {
	for _, c := range d.closers {
		_ = c.Close()
	}
	return nil
}

// newFakeServer returns the client end of a pipe served by handle.
func newFakeServer(t *testing.T, handle func(s *fakeServer, msg map[string]any)) (io.ReadWriteCloser, *fakeServer) {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	s := &fakeServer{t: t, w: serverW, handle: handle, done: make(chan struct{})}
	go s.serve(serverR)
	return duplex{Reader: clientR, Writer: clientW, closers: []io.Closer{clientR, clientW}}, s
}

func (s *fakeServer) serve(r *io.PipeReader) {
	defer close(s.done)
	defer func() { _ = s.w.Close() }()
	dec := NewFrameDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		for frame, ferr := range dec.Feed(buf[:n]) {
			if ferr != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(frame, &msg) != nil {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()
			if s.handle != nil {
				s.handle(s, msg)
			}
		}
		if err != nil {
			return
		}
	}
}

// send writes v as a frame; errors are ignored since the client may have
// gone away.
func (s *fakeServer) send(v any) {
	data, _ := json.Marshal(v)
	s.sendRaw(EncodeFrame(data))
}

func (s *fakeServer) sendRaw(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.w.Write(b)
}

func (s *fakeServer) reply(msg map[string]any, result any) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": msg["id"], "result": result})
}

func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, m := range s.received {
		method, _ := m["method"].(string)
		out = append(out, method)
	}
	return out
}

func (s *fakeServer) last(method string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.received) - 1; i >= 0; i-- {
		if s.received[i]["method"] == method {
			return s.received[i]
		}
	}
	return nil
}

func idOf(msg map[string]any) int64 {
	switch v := msg["id"].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// standardHandler implements a minimal MCP server exposing tools.
func standardHandler(tools []map[string]any, call func(name string, args any) map[string]any) func(*fakeServer, map[string]any) {
	return func(s *fakeServer, msg map[string]any) {
		switch msg["method"] {
		case MethodInitialize:
			s.reply(msg, map[string]any{
				"protocolVersion": DefaultProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "fake", "version": "1"},
			})
		case MethodToolsList:
			s.reply(msg, map[string]any{"tools": tools})
		case MethodToolsCall:
			params, _ := msg["params"].(map[string]any)
			name, _ := params["name"].(string)
			s.reply(msg, call(name, params["arguments"]))
		}
	}
}
