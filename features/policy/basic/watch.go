package basic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"goa.design/toolcore/runtime/agent/telemetry"
)

// ListFile is the YAML document read by LoadFile and Watch. Exactly one of
// Allow and Block should be set.
type ListFile struct {
	Allow []string `yaml:"allow"`
	Block []string `yaml:"block"`
}

// LoadFile reads the policy list file at path and applies it to e.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var lf ListFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	switch {
	case len(lf.Allow) > 0 && len(lf.Block) > 0:
		return fmt.Errorf("policy file %s: %w", path, ErrConflictingLists)
	case len(lf.Allow) > 0:
		e.SetAllowTools(lf.Allow)
	default:
		e.SetBlockTools(lf.Block)
	}
	return nil
}

// Watch loads path and reloads it whenever it changes until ctx is canceled.
// Reload errors are logged and leave the previous lists in place. The
// directory is watched rather than the file so editors that replace the file
// atomically keep triggering reloads.
func (e *Engine) Watch(ctx context.Context, path string, logger telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if err := e.LoadFile(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch policy dir: %w", err)
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := e.LoadFile(abs); err != nil {
					logger.Warn(ctx, "policy reload failed", "path", abs, "err", err)
					continue
				}
				logger.Info(ctx, "policy reloaded", "path", abs)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn(ctx, "policy watcher error", "err", err)
			}
		}
	}()
	return nil
}
