package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"goa.design/toolcore/runtime/agent/telemetry"
)

// TransportStdio is the only supported transport.
const TransportStdio = "stdio"

type (
	// ServerRef identifies an MCP server contributed by an extension.
	ServerRef struct {
		ExtensionID string `json:"extensionId" yaml:"extensionId"`
		ServerID    string `json:"serverId" yaml:"serverId"`
	}

	// ServerDefinition describes how to launch an MCP server. Env values may
	// reference the parent environment with ${VAR}.
	ServerDefinition struct {
		ServerRef `yaml:",inline"`
		Command   string            `json:"command" yaml:"command"`
		Args      []string          `json:"args,omitempty" yaml:"args"`
		Transport string            `json:"transport,omitempty" yaml:"transport"`
		Env       map[string]string `json:"env,omitempty" yaml:"env"`
		Dir       string            `json:"dir,omitempty" yaml:"dir"`
	}

	// Process is a running stdio MCP server. It implements io.ReadWriteCloser
	// over the server's stdout and stdin.
	Process struct {
		Ref    ServerRef
		cmd    *exec.Cmd
		stdin  io.WriteCloser
		stdout io.ReadCloser

		exited    chan struct{}
		waitErr   error
		closeOnce sync.Once
	}

	// ProcessManager launches and tracks one process per server.
	ProcessManager struct {
		mu     sync.Mutex
		procs  map[ServerRef]*Process
		getenv func(string) string
		logger telemetry.Logger
	}

	// ProcessManagerOption configures a ProcessManager.
	ProcessManagerOption func(*ProcessManager)
)

// String returns "<extensionId>/<serverId>".
func (r ServerRef) String() string { return r.ExtensionID + "/" + r.ServerID }

// WithEnvLookup overrides os.Getenv for ${VAR} expansion.
func WithEnvLookup(getenv func(string) string) ProcessManagerOption {
	return func(m *ProcessManager) { m.getenv = getenv }
}

// WithProcessLogger sets the logger receiving server stderr lines.
func WithProcessLogger(l telemetry.Logger) ProcessManagerOption {
	return func(m *ProcessManager) { m.logger = l }
}

// NewProcessManager returns an empty manager.
func NewProcessManager(opts ...ProcessManagerOption) *ProcessManager {
	m := &ProcessManager{
		procs:  make(map[ServerRef]*Process),
		getenv: os.Getenv,
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the server described by def, or returns its process if it
// is already running.
func (m *ProcessManager) Start(ctx context.Context, def ServerDefinition) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[def.ServerRef]; ok && !p.hasExited() {
		return p, nil
	}
	p, err := launch(ctx, def, m.getenv, m.logger)
	if err != nil {
		return nil, err
	}
	m.procs[def.ServerRef] = p
	go func() {
		<-p.Exited()
		m.mu.Lock()
		if m.procs[p.Ref] == p {
			delete(m.procs, p.Ref)
		}
		m.mu.Unlock()
		m.logger.Info(context.Background(), "mcp server exited", "server", p.Ref.String(), "err", p.ExitErr())
	}()
	return p, nil
}

// Process returns the live process of ref.
func (m *ProcessManager) Process(ref ServerRef) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[ref]
	if !ok || p.hasExited() {
		return nil, false
	}
	return p, true
}

// Servers returns the refs of the live processes in a stable order.
func (m *ProcessManager) Servers() []ServerRef {
	m.mu.Lock()
	refs := make([]ServerRef, 0, len(m.procs))
	for ref := range m.procs {
		refs = append(refs, ref)
	}
	m.mu.Unlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// StopAll terminates every process and waits for them to exit.
func (m *ProcessManager) StopAll() {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()
	for _, p := range procs {
		_ = p.Close()
		<-p.Exited()
	}
}

// ExpandEnv resolves ${VAR} references in env against getenv and returns
// KEY=VALUE pairs sorted by key.
func ExpandEnv(env map[string]string, getenv func(string) string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(env[k], getenv))
	}
	return out
}

func launch(ctx context.Context, def ServerDefinition, getenv func(string) string, logger telemetry.Logger) (*Process, error) {
	if def.Command == "" {
		return nil, errors.New("mcp server command is required")
	}
	if def.Transport != "" && def.Transport != TransportStdio {
		return nil, fmt.Errorf("mcp server %s: unsupported transport %q", def.ServerRef, def.Transport)
	}
	cmd := exec.Command(def.Command, def.Args...)
	cmd.Dir = def.Dir
	if len(def.Env) > 0 {
		cmd.Env = append(os.Environ(), ExpandEnv(def.Env, getenv)...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", def.ServerRef, err)
	}
	p := &Process{
		Ref:    def.ServerRef,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		exited: make(chan struct{}),
	}
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Debug(ctx, "mcp server stderr", "server", def.ServerRef.String(), "line", sc.Text())
		}
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// Read reads from the server's stdout.
func (p *Process) Read(b []byte) (int, error) { return p.stdout.Read(b) }

// Write writes to the server's stdin.
func (p *Process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes stdin and kills the server if it is still running. Close is
// idempotent.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if !p.hasExited() && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	return nil
}

// Exited returns a channel closed once the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr returns the error reported by the process exit, valid after
// Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

func (p *Process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}
