// Package nats publishes run events on NATS subjects, one subject per run:
// toolcore.runs.<runId>.events. Subscribers use Watch to follow a run.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/stream"
)

const (
	// SubjectPrefix prefixes every run subject.
	SubjectPrefix = "toolcore.runs."

	// HeaderEventType carries the event type so consumers can filter
	// without decoding payloads.
	HeaderEventType = "Toolcore-Event-Type"
	// HeaderEventID carries the event id. NATS JetStream uses Nats-Msg-Id
	// for deduplication; the event id is also set there.
	HeaderEventID = "Toolcore-Event-Id"
)

type (
	// Conn is the subset of *nats.Conn used by the publisher.
	Conn interface {
		PublishMsg(m *nats.Msg) error
		Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
		FlushWithContext(ctx context.Context) error
		Close()
	}

	// Publisher is a stream.Sink publishing events to NATS.
	Publisher struct {
		conn Conn
		once sync.Once
		err  error
	}
)

var _ stream.Sink = (*Publisher)(nil)

// New returns a publisher writing through conn. The publisher owns conn and
// closes it on Close.
func New(conn Conn) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	return &Publisher{conn: conn}, nil
}

// Subject returns the subject of runID. Characters that are not valid in a
// subject token are replaced with '_'.
func Subject(runID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, runID)
	return SubjectPrefix + token + ".events"
}

// Send implements stream.Sink.
func (p *Publisher) Send(_ context.Context, env hooks.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", env.Type, err)
	}
	msg := nats.NewMsg(Subject(env.RunID))
	msg.Data = data
	msg.Header.Set(HeaderEventType, string(env.Type))
	msg.Header.Set(HeaderEventID, env.ID)
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Watch delivers the events published for runID to fn until the returned
// subscription is drained or unsubscribed. Undecodable messages are skipped.
func Watch(conn Conn, runID string, fn func(hooks.Envelope)) (*nats.Subscription, error) {
	return conn.Subscribe(Subject(runID), func(m *nats.Msg) {
		var env hooks.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			return
		}
		fn(env)
	})
}

// Close implements stream.Sink. Pending messages are flushed before the
// connection is closed.
func (p *Publisher) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.err = p.conn.FlushWithContext(ctx)
		p.conn.Close()
	})
	return p.err
}
