// Package mongo implements the low-level MongoDB client used by the run log store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/toolcore/runtime/agent/hooks"
	"goa.design/toolcore/runtime/agent/runlog"
)

type (
	// Client exposes Mongo-backed operations for the run event log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e *runlog.Event) error
		List(ctx context.Context, runID string, cursor string, limit int) (runlog.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
		// Retention expires events this long after their timestamp through a
		// TTL index. Zero keeps events forever.
		Retention time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// eventDocument is the stored form of a run event. The ObjectID gives
	// the per-run append order and doubles as the page cursor.
	eventDocument struct {
		ID        primitive.ObjectID `bson:"_id,omitempty"`
		EventID   string             `bson:"event_id"`
		RunID     string             `bson:"run_id"`
		Type      string             `bson:"type"`
		Payload   []byte             `bson:"payload"`
		Timestamp time.Time          `bson:"timestamp"`
	}

	collection interface {
		InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
		Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
		Indexes() indexView
	}

	indexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
	}

	cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	// driverCollection adapts *mongodriver.Collection to collection.
	driverCollection struct {
		*mongodriver.Collection
	}
)

const (
	defaultCollection = "toolcore_run_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// New returns a Client storing events in opts.Collection of opts.Database.
// The indexes serving page reads, event id uniqueness and retention are
// created when missing.
func New(opts Options) (Client, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("mongo client is required")
	case opts.Database == "":
		return nil, errors.New("database name is required")
	case opts.Retention < 0:
		return nil, errors.New("retention must not be negative")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	c := &client{
		mongo:   opts.Client,
		coll:    driverCollection{opts.Client.Database(opts.Database).Collection(name)},
		timeout: opts.Timeout,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()
	if err := ensureIndexes(ctx, c.coll, opts.Retention); err != nil {
		return nil, err
	}
	return c, nil
}

// Name implements health.Pinger.
func (c *client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client is not connected")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Append inserts e and sets e.ID to the hex ObjectID of the stored document.
// Appending an event id twice fails on the unique index.
func (c *client) Append(ctx context.Context, e *runlog.Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := newEventDocument(e)
	res, err := c.coll.InsertOne(ctx, doc)
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("event %s already appended: %w", e.EventID, err)
	}
	if err != nil {
		return err
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	return nil
}

// List returns up to limit events of runID stored after cursor, oldest
// first. One extra document is fetched to tell whether a next page exists.
func (c *client) List(ctx context.Context, runID string, cursor string, limit int) (page runlog.Page, err error) {
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	filter, err := pageFilter(runID, cursor)
	if err != nil {
		return runlog.Page{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)))
	if err != nil {
		return runlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return runlog.Page{}, err
		}
		page.Events = append(page.Events, doc.event())
	}
	if err := cur.Err(); err != nil {
		return runlog.Page{}, err
	}
	if len(page.Events) > limit {
		page.Events = page.Events[:limit]
		page.NextCursor = page.Events[limit-1].ID
	}
	return page, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func validateEvent(e *runlog.Event) error {
	switch {
	case e == nil:
		return errors.New("event is required")
	case e.RunID == "":
		return errors.New("run id is required")
	case e.EventID == "":
		return errors.New("event id is required")
	case e.Type == "":
		return errors.New("event type is required")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}

func newEventDocument(e *runlog.Event) eventDocument {
	return eventDocument{
		ID:        primitive.NewObjectID(),
		EventID:   e.EventID,
		RunID:     e.RunID,
		Type:      string(e.Type),
		Payload:   append([]byte(nil), e.Payload...),
		Timestamp: e.Timestamp.UTC(),
	}
}

func (d eventDocument) event() *runlog.Event {
	return &runlog.Event{
		ID:        d.ID.Hex(),
		EventID:   d.EventID,
		RunID:     d.RunID,
		Type:      hooks.EventType(d.Type),
		Payload:   append([]byte(nil), d.Payload...),
		Timestamp: d.Timestamp,
	}
}

// pageFilter selects the events of runID stored after cursor.
func pageFilter(runID, cursor string) (bson.M, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	filter := bson.M{"run_id": runID}
	if cursor == "" {
		return filter, nil
	}
	oid, err := primitive.ObjectIDFromHex(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	filter["_id"] = bson.M{"$gt": oid}
	return filter, nil
}

func ensureIndexes(ctx context.Context, coll collection, retention time.Duration) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if retention > 0 {
		models = append(models, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention / time.Second)),
		})
	}
	for _, m := range models {
		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			return fmt.Errorf("create run log index: %w", err)
		}
	}
	return nil
}

func (c driverCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.Collection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c driverCollection) Indexes() indexView {
	return c.Collection.Indexes()
}
