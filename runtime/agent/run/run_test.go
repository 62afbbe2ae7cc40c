package run

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	s, err := tr.Begin("r1")
	require.NoError(t, err)
	assert.True(t, tr.Active("r1"))

	_, err = tr.Begin("r1")
	require.ErrorIs(t, err, ErrRunActive)

	tr.Release(s)
	assert.False(t, tr.Active("r1"))
	require.ErrorIs(t, tr.Cancel("r1", "late"), ErrRunNotActive)

	again, err := tr.Begin("r1")
	require.NoError(t, err, "released ids are reusable")
	ok, _ := again.Canceled()
	assert.False(t, ok, "a new scope does not inherit cancellation")
}

func TestTrackerReleaseIgnoresStaleScope(t *testing.T) {
	tr := NewTracker()
	old, err := tr.Begin("r")
	require.NoError(t, err)
	tr.Release(old)
	cur, err := tr.Begin("r")
	require.NoError(t, err)
	tr.Release(old)
	assert.True(t, tr.Active("r"))
	tr.Release(cur)
	tr.Release(nil)
	assert.Zero(t, tr.Len())
}

func TestScopeCheckpointCarriesReason(t *testing.T) {
	tr := NewTracker()
	s, err := tr.Begin("r")
	require.NoError(t, err)
	require.NoError(t, s.Checkpoint())

	require.NoError(t, tr.Cancel("r", "user requested"))
	require.NoError(t, tr.Cancel("r", "second"))
	err = s.Checkpoint()
	var ce *CanceledError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "user requested", ce.Reason)
	assert.Equal(t, "run r canceled: user requested", err.Error())
	assert.True(t, IsCanceled(err))
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestScopeConcurrentCancel(t *testing.T) {
	s := NewScope("r")
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Cancel("x")
		}()
	}
	wg.Wait()
	ok, reason := s.Canceled()
	assert.True(t, ok)
	assert.Equal(t, "x", reason)
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCanceled} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestCanceledErrorWithoutReason(t *testing.T) {
	assert.Equal(t, "run r canceled", (&CanceledError{RunID: "r"}).Error())
}
