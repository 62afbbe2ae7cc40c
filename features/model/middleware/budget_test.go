package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis evaluates the test-and-set script in Go.
type fakeRedis struct {
	mu        sync.Mutex
	values    map[string]string
	published []string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{values: make(map[string]string)} }

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, _ any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel)
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Subscribe(context.Context, ...string) *redis.PubSub { return nil }

func (f *fakeRedis) EvalSha(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.values[keys[0]]
	if !ok {
		return redis.NewCmdResult(nil, redis.Nil)
	}
	if cur == args[0].(string) {
		f.values[keys[0]] = args[1].(string)
		f.published = append(f.published, keys[0]+":changed")
	}
	return redis.NewCmdResult(cur, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, "", keys, args...)
}

func (f *fakeRedis) EvalRO(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, "", keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestRedisBudgetSetIfNotExists(t *testing.T) {
	ctx := context.Background()
	rc := newFakeRedis()
	b := NewRedisBudget(rc)

	_, ok := b.Get(ctx, "tpm")
	assert.False(t, ok)

	set, err := b.SetIfNotExists(ctx, "tpm", "1000")
	require.NoError(t, err)
	assert.True(t, set)
	set, err = b.SetIfNotExists(ctx, "tpm", "2000")
	require.NoError(t, err)
	assert.False(t, set)

	v, ok := b.Get(ctx, "tpm")
	require.True(t, ok)
	assert.Equal(t, "1000", v)
	assert.Equal(t, []string{"tpm:changed"}, rc.published)
}

func TestRedisBudgetTestAndSet(t *testing.T) {
	ctx := context.Background()
	rc := newFakeRedis()
	b := NewRedisBudget(rc)

	prev, err := b.TestAndSet(ctx, "tpm", "1000", "500")
	require.NoError(t, err)
	assert.Empty(t, prev)

	rc.values["tpm"] = "1000"
	prev, err = b.TestAndSet(ctx, "tpm", "999", "500")
	require.NoError(t, err)
	assert.Equal(t, "1000", prev)
	assert.Equal(t, "1000", rc.values["tpm"])

	prev, err = b.TestAndSet(ctx, "tpm", "1000", "500")
	require.NoError(t, err)
	assert.Equal(t, "1000", prev)
	assert.Equal(t, "500", rc.values["tpm"])
}
