// Package run defines the lifecycle primitives shared by the workflow
// runners: run status values, per-run cancellation scopes and the tracker
// holding the scopes of active runs.
//
// A scope is created when a run starts and released when it reaches a
// terminal status. Releasing removes the cancellation record as well, so a
// run id may be reused once its previous run has ended. Cancellation is
// cooperative: it records a reason on the scope and runners observe it at
// their checkpoints. In-flight tool calls are never aborted.
package run

import (
	"errors"
	"fmt"
	"sync"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	// StatusRunning indicates the run is actively executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
	// StatusCanceled indicates the run was canceled externally.
	StatusCanceled Status = "canceled"
)

var (
	// ErrRunActive is returned when starting a run whose id is still active.
	ErrRunActive = errors.New("run already active")
	// ErrRunNotActive is returned when controlling a run that is not active.
	ErrRunNotActive = errors.New("run not active")
)

type (
	// Scope is the cancellation scope of a single active run.
	Scope struct {
		runID string

		mu       sync.Mutex
		canceled bool
		reason   string
		done     chan struct{}
	}

	// CanceledError is returned by Scope.Checkpoint once the run has been
	// canceled. It carries the caller-supplied reason.
	CanceledError struct {
		RunID  string
		Reason string
	}

	// Tracker holds the scopes of active runs. It is safe for concurrent use.
	Tracker struct {
		mu     sync.Mutex
		scopes map[string]*Scope
	}
)

// IsTerminal reports whether s ends a run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

func (e *CanceledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("run %s canceled", e.RunID)
	}
	return fmt.Sprintf("run %s canceled: %s", e.RunID, e.Reason)
}

// IsCanceled reports whether err is or wraps a CanceledError.
func IsCanceled(err error) bool {
	var ce *CanceledError
	return errors.As(err, &ce)
}

// NewScope returns a scope for runID that is not tracked by any Tracker.
func NewScope(runID string) *Scope {
	return &Scope{runID: runID, done: make(chan struct{})}
}

// RunID returns the id of the scoped run.
func (s *Scope) RunID() string { return s.runID }

// Cancel marks the scope canceled. The first reason wins; later calls are
// no-ops.
func (s *Scope) Cancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	s.canceled = true
	s.reason = reason
	close(s.done)
}

// Canceled reports whether the scope was canceled and with which reason.
func (s *Scope) Canceled() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled, s.reason
}

// Done returns a channel closed when the scope is canceled.
func (s *Scope) Done() <-chan struct{} { return s.done }

// Checkpoint returns a *CanceledError if the scope has been canceled.
func (s *Scope) Checkpoint() error {
	if ok, reason := s.Canceled(); ok {
		return &CanceledError{RunID: s.runID, Reason: reason}
	}
	return nil
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{scopes: make(map[string]*Scope)}
}

// Begin creates and tracks the scope of a new run. It returns ErrRunActive if
// a run with the same id has not been released yet.
func (t *Tracker) Begin(runID string) (*Scope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.scopes[runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	s := NewScope(runID)
	t.scopes[runID] = s
	return s, nil
}

// Cancel records reason on the scope of the active run runID. It returns
// ErrRunNotActive when no such run is tracked.
func (t *Tracker) Cancel(runID, reason string) error {
	t.mu.Lock()
	s, ok := t.scopes[runID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	s.Cancel(reason)
	return nil
}

// Release stops tracking s. Releasing a scope that was already replaced or
// released is a no-op.
func (t *Tracker) Release(s *Scope) {
	if s == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.scopes[s.runID]; ok && cur == s {
		delete(t.scopes, s.runID)
	}
}

// Active reports whether runID is currently tracked.
func (t *Tracker) Active(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.scopes[runID]
	return ok
}

// Len returns the number of active runs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scopes)
}
