package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/runlog"
	"goa.design/toolcore/runtime/agent/runlog/inmem"
)

// memClient adapts the in-memory store to the Mongo client interface.
type memClient struct {
	*inmem.Store
	pings int
}

func (c *memClient) Name() string { return "mem" }

func (c *memClient) Ping(context.Context) error {
	c.pings++
	return nil
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
}

func TestStoreBacksSubscriber(t *testing.T) {
	client := &memClient{Store: inmem.New()}
	store, err := NewStore(client)
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, 1, client.pings)

	sub, err := runlog.NewSubscriber(store)
	require.NoError(t, err)
	emitter := hooks.NewEmitter(nil, hooks.WithClock(func() time.Time { return time.UnixMilli(42) }))
	_, err = emitter.Bus().Register(sub)
	require.NoError(t, err)

	require.NoError(t, emitter.Emit(context.Background(), hooks.NewLogEvent("run-1", "info", "hello")))
	events, err := runlog.ReadAll(context.Background(), store, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, hooks.Log, events[0].Type())
}
