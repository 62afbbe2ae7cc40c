package mongo

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/runlog"
)

func TestClientAppendAssignsID(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	c := &client{coll: coll}

	e := &runlog.Event{
		EventID:   "evt-1",
		RunID:     "run-1",
		Type:      hooks.Status,
		Payload:   []byte(`{"status":"running"}`),
		Timestamp: time.Unix(1, 0),
	}
	require.NoError(t, c.Append(context.Background(), e))
	require.Len(t, coll.inserted, 1)
	doc := coll.inserted[0]
	assert.Equal(t, doc.ID.Hex(), e.ID)
	assert.Equal(t, "evt-1", doc.EventID)
	assert.Equal(t, string(hooks.Status), doc.Type)
	assert.Equal(t, time.UTC, doc.Timestamp.Location())
}

func TestClientAppendValidates(t *testing.T) {
	t.Parallel()

	valid := func() *runlog.Event {
		return &runlog.Event{EventID: "e", RunID: "r", Type: hooks.Log, Timestamp: time.Unix(1, 0)}
	}
	cases := map[string]func(*runlog.Event){
		"missing run id":    func(e *runlog.Event) { e.RunID = "" },
		"missing event id":  func(e *runlog.Event) { e.EventID = "" },
		"missing type":      func(e *runlog.Event) { e.Type = "" },
		"missing timestamp": func(e *runlog.Event) { e.Timestamp = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			coll := &fakeCollection{}
			c := &client{coll: coll}
			e := valid()
			mutate(e)
			require.Error(t, c.Append(context.Background(), e))
			assert.Empty(t, coll.inserted)
		})
	}
	require.Error(t, (&client{coll: &fakeCollection{}}).Append(context.Background(), nil))
}

func TestClientAppendDuplicateEvent(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{insertErr: mongodriver.WriteException{
		WriteErrors: mongodriver.WriteErrors{{Code: 11000, Message: "duplicate key"}},
	}}
	c := &client{coll: coll}
	err := c.Append(context.Background(), &runlog.Event{EventID: "e", RunID: "r", Type: hooks.Log, Timestamp: time.Unix(1, 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already appended")
	assert.True(t, mongodriver.IsDuplicateKeyError(err))
}

func TestClientListNextCursor(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name       string
		eventCount int
		limit      int
		wantNext   string
	}
	cases := []testCase{
		{name: "fewer_than_limit", eventCount: 2, limit: 3},
		{name: "exactly_limit_no_more", eventCount: 3, limit: 3},
		{name: "more_than_limit_has_next", eventCount: 4, limit: 3, wantNext: "000000000000000000000003"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runID := "run-1"
			docs := append(fakeEventDocuments(runID, tc.eventCount), fakeEventDocuments("other", 2)...)
			c := &client{coll: &fakeCollection{findDocs: docs}}

			page, err := c.List(context.Background(), runID, "", tc.limit)
			require.NoError(t, err)
			assert.Len(t, page.Events, min(tc.eventCount, tc.limit))
			assert.Equal(t, tc.wantNext, page.NextCursor)
			for _, e := range page.Events {
				assert.Equal(t, runID, e.RunID)
			}
			if len(page.Events) > 0 {
				assert.Equal(t, "run-1-evt-1", page.Events[0].EventID)
				assert.Equal(t, hooks.ToolCall, page.Events[0].Type)
			}

			if tc.wantNext == "" {
				return
			}

			next, err := c.List(context.Background(), runID, page.NextCursor, tc.limit)
			require.NoError(t, err)
			assert.Len(t, next.Events, tc.eventCount-tc.limit)
			assert.Empty(t, next.NextCursor)
		})
	}
}

func TestClientListValidates(t *testing.T) {
	t.Parallel()

	c := &client{coll: &fakeCollection{}}
	_, err := c.List(context.Background(), "", "", 10)
	require.Error(t, err)
	_, err = c.List(context.Background(), "run-1", "", 0)
	require.Error(t, err)
	_, err = c.List(context.Background(), "run-1", "not-hex", 10)
	require.ErrorContains(t, err, "invalid cursor")
}

func TestClientListPropagatesCursorErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("cursor failed")
	c := &client{coll: &fakeCollection{cursorErr: boom}}
	_, err := c.List(context.Background(), "run-1", "", 10)
	require.ErrorIs(t, err, boom)
}

func TestEnsureIndexes(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), coll, 0))
	require.Len(t, coll.indexes, 2)
	assert.Equal(t, bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}}, coll.indexes[0].Keys)
	require.NotNil(t, coll.indexes[1].Options)
	require.NotNil(t, coll.indexes[1].Options.Unique)
	assert.True(t, *coll.indexes[1].Options.Unique)
}

func TestEnsureIndexesRetention(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), coll, 48*time.Hour))
	require.Len(t, coll.indexes, 3)
	ttl := coll.indexes[2]
	assert.Equal(t, bson.D{{Key: "timestamp", Value: 1}}, ttl.Keys)
	require.NotNil(t, ttl.Options)
	require.NotNil(t, ttl.Options.ExpireAfterSeconds)
	assert.Equal(t, int32(48*3600), *ttl.Options.ExpireAfterSeconds)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Database: "db"})
	require.ErrorContains(t, err, "mongo client is required")
	_, err = New(Options{Client: &mongodriver.Client{}})
	require.ErrorContains(t, err, "database name is required")
	_, err = New(Options{Client: &mongodriver.Client{}, Database: "db", Retention: -time.Second})
	require.ErrorContains(t, err, "retention")
}

func TestPageFilter(t *testing.T) {
	t.Parallel()

	f, err := pageFilter("run-1", "")
	require.NoError(t, err)
	assert.Equal(t, bson.M{"run_id": "run-1"}, f)

	oid := primitive.NewObjectID()
	f, err = pageFilter("run-1", oid.Hex())
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$gt": oid}, f["_id"])
}

func fakeEventDocuments(runID string, n int) []eventDocument {
	docs := make([]eventDocument, 0, n)
	var base byte
	if runID == "other" {
		base = 100
	}
	for i := 1; i <= n; i++ {
		oid := primitive.ObjectID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, base + byte(i)}
		docs = append(docs, eventDocument{
			ID:        oid,
			EventID:   runID + "-evt-" + string(rune('0'+i)),
			RunID:     runID,
			Type:      string(hooks.ToolCall),
			Payload:   []byte(`{}`),
			Timestamp: time.Unix(int64(i), 0).UTC(),
		})
	}
	return docs
}

type fakeCollection struct {
	inserted  []eventDocument
	insertErr error
	findDocs  []eventDocument
	cursorErr error
	indexes   []mongodriver.IndexModel
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	doc := document.(eventDocument)
	c.inserted = append(c.inserted, doc)
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return &fakeCursor{}, nil
	}

	runID, _ := f["run_id"].(string)
	var after primitive.ObjectID
	if id, ok := f["_id"].(bson.M); ok {
		if gt, ok := id["$gt"].(primitive.ObjectID); ok {
			after = gt
		}
	}

	filtered := make([]eventDocument, 0, len(c.findDocs))
	for _, doc := range c.findDocs {
		if doc.RunID != runID {
			continue
		}
		if !after.IsZero() && bytes.Compare(doc.ID[:], after[:]) <= 0 {
			continue
		}
		filtered = append(filtered, doc)
	}

	var limit int64
	if len(opts) > 0 && opts[0] != nil && opts[0].Limit != nil {
		limit = *opts[0].Limit
	}
	if limit > 0 && int64(len(filtered)) > limit {
		filtered = filtered[:limit]
	}
	return &fakeCursor{docs: filtered, err: c.cursorErr}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{coll: c}
}

type fakeIndexView struct {
	coll *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...*options.CreateIndexesOptions) (string, error) {
	v.coll.indexes = append(v.coll.indexes, model)
	return "", nil
}

type fakeCursor struct {
	docs []eventDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.err != nil || c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	p, ok := val.(*eventDocument)
	if !ok {
		return nil
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error { return c.err }

func (c *fakeCursor) Close(context.Context) error { return nil }
