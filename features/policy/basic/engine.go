// Package basic provides a list-based policy.Evaluator. It covers the common
// case where teams want lightweight allow or deny filtering of tool ids
// without building a bespoke policy service. A custom predicate may be
// supplied instead of the lists.
package basic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"goa.design/toolcore/runtime/agent/policy"
	"goa.design/toolcore/runtime/agent/tools"
)

// ErrConflictingLists is returned by New when both an allowlist and a
// denylist are configured without a custom predicate.
var ErrConflictingLists = errors.New("basic policy: allow and block lists are mutually exclusive")

// Options configures the basic policy engine.
type Options struct {
	// AllowTools restricts execution to these tool ids. Empty means no allowlist.
	AllowTools []string
	// BlockTools denies these tool ids.
	BlockTools []string
	// Predicate replaces the lists entirely when set. Its raw decisions are
	// schema-validated.
	Predicate policy.Predicate
}

// Engine implements policy.Evaluator with allow/block lists. Lists may be
// swapped at runtime, each call observes the lists current at evaluation.
type Engine struct {
	mu         sync.RWMutex
	allowTools map[tools.Ident]struct{}
	blockTools map[tools.Ident]struct{}
	custom     policy.Evaluator
}

// New builds a new Engine using the supplied options.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		allowTools: toSet[tools.Ident](opts.AllowTools),
		blockTools: toSet[tools.Ident](opts.BlockTools),
	}
	if opts.Predicate != nil {
		e.custom = policy.FromPredicate(opts.Predicate)
		return e, nil
	}
	if len(e.allowTools) > 0 && len(e.blockTools) > 0 {
		return nil, ErrConflictingLists
	}
	return e, nil
}

// Evaluate returns the decision for env.
func (e *Engine) Evaluate(ctx context.Context, env tools.CallEnvelope) policy.Decision {
	if e.custom != nil {
		return e.custom.Evaluate(ctx, env)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, blocked := e.blockTools[env.ToolID]; blocked {
		return policy.Deny(fmt.Sprintf("tool %s is blocked", env.ToolID))
	}
	if e.allowTools != nil {
		if _, ok := e.allowTools[env.ToolID]; !ok {
			return policy.Deny(fmt.Sprintf("tool %s is not in the allowlist", env.ToolID))
		}
	}
	return policy.Allow()
}

// SetAllowTools replaces the allowlist and clears the denylist.
func (e *Engine) SetAllowTools(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowTools = toSet[tools.Ident](ids)
	e.blockTools = nil
}

// SetBlockTools replaces the denylist and clears the allowlist.
func (e *Engine) SetBlockTools(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockTools = toSet[tools.Ident](ids)
	e.allowTools = nil
}

func toSet[T ~string](values []string) map[T]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[T]struct{}, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			set[T(trimmed)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
