// Package inmem provides an in-memory implementation of runlog.Store for tests
// and the local CLI. It is not durable.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"goa.design/toolcore/runtime/agent/runlog"
)

// Store implements runlog.Store in memory.
type Store struct {
	mu     sync.Mutex
	events map[string][]*runlog.Event
}

// New returns a new in-memory run log store.
func New() *Store {
	return &Store{events: make(map[string][]*runlog.Event)}
}

// Append implements runlog.Store. IDs are 1-based per-run sequence numbers.
func (s *Store) Append(_ context.Context, e *runlog.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = strconv.Itoa(len(s.events[e.RunID]) + 1)
	ev := *e
	s.events[e.RunID] = append(s.events[e.RunID], &ev)
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	if runID == "" {
		return runlog.Page{}, errors.New("run id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[runID]
	if start >= len(all) {
		return runlog.Page{}, nil
	}
	end := min(start+limit, len(all))
	page := runlog.Page{Events: append([]*runlog.Event(nil), all[start:end]...)}
	if end < len(all) {
		page.NextCursor = page.Events[len(page.Events)-1].ID
	}
	return page, nil
}

// Runs returns the ids of every run with at least one stored event.
func (s *Store) Runs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	return ids
}
