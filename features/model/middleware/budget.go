package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// testAndSetScript atomically replaces KEYS[1] when it holds ARGV[1] and
// announces the new value on the key's change channel.
var testAndSetScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  redis.call('PUBLISH', KEYS[1] .. ':changed', ARGV[2])
end
return cur
`)

type (
	// RedisClient is the subset of the go-redis client used by RedisBudget.
	RedisClient interface {
		redis.Scripter
		Get(ctx context.Context, key string) *redis.StringCmd
		SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
		Publish(ctx context.Context, channel string, message any) *redis.IntCmd
		Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	}

	// RedisBudget is a SharedBudget stored in Redis. Changes are announced on
	// the "<key>:changed" pub/sub channel.
	RedisBudget struct {
		client RedisClient
	}
)

var _ SharedBudget = (*RedisBudget)(nil)

// NewRedisBudget returns a shared budget backed by client.
func NewRedisBudget(client RedisClient) *RedisBudget {
	return &RedisBudget{client: client}
}

// Get returns the current value of key.
func (b *RedisBudget) Get(ctx context.Context, key string) (string, bool) {
	v, err := b.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// SetIfNotExists seeds key with value and reports whether it was set.
func (b *RedisBudget) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, err
	}
	if ok {
		b.client.Publish(ctx, changeChannel(key), value)
	}
	return ok, nil
}

// TestAndSet sets key to value when it holds test and returns the previous
// value, empty when the key does not exist.
func (b *RedisBudget) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	prev, err := testAndSetScript.Run(ctx, b.client, []string{key}, test, value).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return prev, err
}

// Subscribe notifies changes of key until ctx is canceled.
func (b *RedisBudget) Subscribe(ctx context.Context, key string) <-chan struct{} {
	ps := b.client.Subscribe(ctx, changeChannel(key))
	msgs := ps.Channel()
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func changeChannel(key string) string { return key + ":changed" }
