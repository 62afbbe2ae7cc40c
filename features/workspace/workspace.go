// Package workspace serves the workspace.read tool from a local directory.
// Reads are confined to the root: absolute paths, parent traversal and
// symlinks escaping the root are rejected.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"goa.design/toolcore/runtime/agent/schema"
	"goa.design/toolcore/runtime/agent/telemetry"
	"goa.design/toolcore/runtime/agent/tools"
	"goa.design/toolcore/runtime/broker"
)

// DefaultMaxFileBytes bounds the size of a file returned by Read.
const DefaultMaxFileBytes = 4 << 20

// ErrNotFound is returned when the requested file does not exist.
var ErrNotFound = errors.New("workspace: file not found")

var inputSchema = schema.MustCompile("workspace.read input", `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1}
  }
}`)

type (
	// Reader reads files below a workspace root.
	Reader struct {
		root     *os.Root
		dir      string
		maxBytes int64
		logger   telemetry.Logger
	}

	// Option configures a Reader.
	Option func(*Reader)
)

// WithMaxFileBytes overrides DefaultMaxFileBytes.
func WithMaxFileBytes(n int64) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// WithLogger sets the reader logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// Open returns a reader rooted at dir.
func Open(dir string, opts ...Option) (*Reader, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", dir, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open workspace root %q: %w", abs, err)
	}
	r := &Reader{root: root, dir: abs, maxBytes: DefaultMaxFileBytes, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Dir returns the absolute workspace root.
func (r *Reader) Dir() string { return r.dir }

// Read returns the content of the workspace-relative path.
func (r *Reader) Read(ctx context.Context, path string) (string, error) {
	rel := filepath.FromSlash(path)
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("workspace: path %q escapes the workspace root", path)
	}
	f, err := r.root.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("workspace: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("workspace: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("workspace: %s is a directory", path)
	}
	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("workspace: read %s: %w", path, err)
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("workspace: %s exceeds %d bytes", path, r.maxBytes)
	}
	r.logger.Debug(ctx, "workspace read", "path", path, "bytes", len(data))
	return string(data), nil
}

// Handler returns the broker handler serving workspace.read.
func (r *Reader) Handler() broker.Handler {
	return func(ctx context.Context, call tools.CallEnvelope) (any, error) {
		if err := inputSchema.ValidateJSON(call.Input); err != nil {
			return nil, err
		}
		var in tools.WorkspaceReadInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, fmt.Errorf("decode workspace.read input: %w", err)
		}
		content, err := r.Read(ctx, in.Path)
		if err != nil {
			return nil, err
		}
		return tools.WorkspaceReadOutput{Content: content}, nil
	}
}

// Close releases the workspace root.
func (r *Reader) Close() error {
	return r.root.Close()
}
