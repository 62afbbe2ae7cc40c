// Package redis publishes run events onto Redis streams, one stream per run,
// so UI clients can tail a run with XREAD and replay it with XRANGE.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/stream"
)

const (
	// KeyPrefix prefixes the stream key of every run.
	KeyPrefix = "toolcore:runs:"

	eventField = "event"
	typeField  = "type"

	defaultTTL    = 24 * time.Hour
	defaultMaxLen = 10000
)

type (
	// Client is the subset of the go-redis client used by the publisher.
	Client interface {
		XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
		XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
		Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
		Close() error
	}

	// Publisher is a stream.Sink appending events to Redis streams.
	Publisher struct {
		client Client
		ttl    time.Duration
		maxLen int64
		once   sync.Once
		err    error
	}

	// Option configures a Publisher.
	Option func(*Publisher)
)

var _ stream.Sink = (*Publisher)(nil)

// WithTTL sets how long a run stream is kept after its last event.
func WithTTL(ttl time.Duration) Option {
	return func(p *Publisher) { p.ttl = ttl }
}

// WithMaxLen caps the approximate number of entries kept per stream.
func WithMaxLen(n int64) Option {
	return func(p *Publisher) { p.maxLen = n }
}

// New returns a publisher writing through client. The publisher owns client
// and closes it on Close.
func New(client Client, opts ...Option) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	p := &Publisher{client: client, ttl: defaultTTL, maxLen: defaultMaxLen}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StreamKey returns the stream key of runID.
func StreamKey(runID string) string { return KeyPrefix + runID }

// Send implements stream.Sink.
func (p *Publisher) Send(ctx context.Context, env hooks.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", env.Type, err)
	}
	key := StreamKey(env.RunID)
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{eventField: data, typeField: string(env.Type)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	if p.ttl > 0 {
		if err := p.client.Expire(ctx, key, p.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// Events returns the events stored for runID, oldest first.
func (p *Publisher) Events(ctx context.Context, runID string) ([]hooks.Envelope, error) {
	msgs, err := p.client.XRange(ctx, StreamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", StreamKey(runID), err)
	}
	envs := make([]hooks.Envelope, 0, len(msgs))
	for _, m := range msgs {
		var raw []byte
		switch v := m.Values[eventField].(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			return nil, fmt.Errorf("stream entry %s has no %q field", m.ID, eventField)
		}
		var env hooks.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Close implements stream.Sink.
func (p *Publisher) Close(context.Context) error {
	p.once.Do(func() { p.err = p.client.Close() })
	return p.err
}
