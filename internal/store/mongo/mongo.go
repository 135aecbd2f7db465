// Package mongo implements the datastore contract on MongoDB. Points live in
// a single collection indexed by their geohash; range subscriptions combine a
// backlog query with a collection-wide change stream fanned out to per-range
// views that synthesize ordered-child events.
package mongo

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"geostream/internal/geohash"
	"geostream/internal/store"
	"geostream/pkg/model"
)

// backlogTimeout bounds the initial range read of a subscription.
const backlogTimeout = 30 * time.Second

// Backend is a MongoDB-backed point store.
type Backend struct {
	client *mongo.Client
	coll   *mongo.Collection

	mu      sync.Mutex
	subs    map[uint64]*subscription
	nextSub uint64
	closed  bool

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

type storedDoc struct {
	ID        string         `bson:"_id"`
	Geohash   string         `bson:"g"`
	Location  model.Location `bson:"l"`
	UpdatedAt int64          `bson:"updated_at"`
}

// New connects to MongoDB, ensures the geohash index and starts the change
// stream watcher.
func New(ctx context.Context, uri, dbName, collName string) (*Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	b := &Backend{
		client:    client,
		coll:      client.Database(dbName).Collection(collName),
		subs:      make(map[uint64]*subscription),
		watchDone: make(chan struct{}),
	}
	if err := b.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	b.watchCancel = cancel
	go b.watch(watchCtx)
	return b, nil
}

func (b *Backend) ensureIndexes(ctx context.Context) error {
	_, err := b.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "g", Value: 1}},
	})
	return err
}

// record converts a stored document, treating malformed geohashes or
// coordinates as absent per the wire rule.
func record(doc storedDoc) *model.Record {
	if geohash.Validate(doc.Geohash) != nil || model.ValidateLocation(doc.Location) != nil {
		return nil
	}
	return &model.Record{Key: doc.ID, Geohash: doc.Geohash, Location: doc.Location}
}

// Set upserts a record.
func (b *Backend) Set(ctx context.Context, rec model.Record) error {
	if err := model.ValidateKey(rec.Key); err != nil {
		return err
	}
	if err := geohash.Validate(rec.Geohash); err != nil {
		return err
	}
	if err := model.ValidateLocation(rec.Location); err != nil {
		return err
	}
	if b.isClosed() {
		return store.ErrClosed
	}

	doc := storedDoc{
		ID:        rec.Key,
		Geohash:   rec.Geohash,
		Location:  rec.Location,
		UpdatedAt: time.Now().UnixMilli(),
	}
	_, err := b.coll.ReplaceOne(ctx, bson.M{"_id": rec.Key}, doc, options.Replace().SetUpsert(true))
	return err
}

// Remove deletes a key. Removing an absent key is a no-op.
func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := model.ValidateKey(key); err != nil {
		return err
	}
	if b.isClosed() {
		return store.ErrClosed
	}
	_, err := b.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// Get reads one record. Absent or malformed documents return (nil, nil).
func (b *Backend) Get(ctx context.Context, key string) (*model.Record, error) {
	if err := model.ValidateKey(key); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, store.ErrClosed
	}

	var doc storedDoc
	err := b.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record(doc), nil
}

// QueryRange returns the records whose geohash sorts within [lo, hi] in
// geohash order.
func (b *Backend) QueryRange(ctx context.Context, lo, hi string) ([]model.Record, error) {
	if b.isClosed() {
		return nil, store.ErrClosed
	}

	cursor, err := b.coll.Find(ctx,
		bson.M{"g": bson.M{"$gte": lo, "$lte": hi}},
		options.Find().SetSort(bson.D{{Key: "g", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []model.Record
	for cursor.Next(ctx) {
		var doc storedDoc
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		if rec := record(doc); rec != nil {
			out = append(out, *rec)
		}
	}
	return out, cursor.Err()
}

// Subscribe opens a range subscription. The backlog loads asynchronously once
// the first child_added callback registers; OnValue fires as soon as the
// backlog completes, immediately when it already has.
func (b *Backend) Subscribe(lo, hi string) store.RangeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := &subscription{
		backend:  b,
		id:       b.nextSub,
		view:     newRangeView(lo, hi),
		events:   make(chan delivery, 256),
		done:     make(chan struct{}),
		handlers: make(map[store.Handle]handler),
	}
	if b.closed {
		sub.detached = true
		sub.detachOnce.Do(func() { close(sub.done) })
	} else {
		b.subs[sub.id] = sub
	}
	return sub
}

// Close stops the watcher, detaches every subscription and disconnects.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	b.watchCancel()
	select {
	case <-b.watchDone:
	case <-ctx.Done():
	}
	for _, sub := range subs {
		sub.Detach()
	}
	return b.client.Disconnect(ctx)
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// watch consumes the collection change stream and fans deliveries out to
// every subscription. Each delivery carries the document's current state, or
// nil when it was deleted or is malformed.
func (b *Backend) watch(ctx context.Context) {
	defer close(b.watchDone)

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := b.coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		slog.Error("geostream: change stream open failed", "error", err)
		return
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var change struct {
			OperationType string     `bson:"operationType"`
			FullDocument  *storedDoc `bson:"fullDocument"`
			DocumentKey   struct {
				ID string `bson:"_id"`
			} `bson:"documentKey"`
		}
		if err := stream.Decode(&change); err != nil {
			slog.Warn("geostream: change stream decode failed", "error", err)
			continue
		}

		var rec *model.Record
		switch change.OperationType {
		case "insert", "update", "replace":
			if change.FullDocument != nil {
				rec = record(*change.FullDocument)
			}
		case "delete":
		default:
			continue
		}
		b.fanout(change.DocumentKey.ID, rec)
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("geostream: change stream terminated", "error", err)
	}
}

type delivery struct {
	key string
	rec *model.Record
}

func (b *Backend) fanout(key string, rec *model.Record) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- delivery{key: key, rec: rec}:
		case <-sub.done:
		}
	}
}

const (
	kindAdded = iota
	kindChanged
	kindRemoved
	kindValue
)

type handler struct {
	kind int
	rec  store.RecordFunc
	val  store.ValueFunc
}

type subscription struct {
	backend *Backend
	id      uint64
	view    *rangeView
	events  chan delivery
	done    chan struct{}

	startOnce  sync.Once
	detachOnce sync.Once

	mu          sync.Mutex
	detached    bool
	backlogDone bool
	nextHandle  store.Handle
	handlers    map[store.Handle]handler
}

func (sub *subscription) register(h handler) store.Handle {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.nextHandle++
	sub.handlers[sub.nextHandle] = h
	return sub.nextHandle
}

// OnChildAdded registers the callback and arms the subscription: the first
// registration starts the backlog load and the event pump.
func (sub *subscription) OnChildAdded(fn store.RecordFunc) store.Handle {
	h := sub.register(handler{kind: kindAdded, rec: fn})
	sub.startOnce.Do(func() { go sub.run() })
	return h
}

func (sub *subscription) OnChildChanged(fn store.RecordFunc) store.Handle {
	return sub.register(handler{kind: kindChanged, rec: fn})
}

func (sub *subscription) OnChildRemoved(fn store.RecordFunc) store.Handle {
	return sub.register(handler{kind: kindRemoved, rec: fn})
}

// OnValue registers the callback; when the backlog has already completed it
// fires immediately.
func (sub *subscription) OnValue(fn store.ValueFunc) store.Handle {
	h := sub.register(handler{kind: kindValue, val: fn})
	sub.mu.Lock()
	fireNow := sub.backlogDone && !sub.detached
	sub.mu.Unlock()
	if fireNow {
		fn()
	}
	return h
}

func (sub *subscription) Off(h store.Handle) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	delete(sub.handlers, h)
}

func (sub *subscription) Detach() {
	sub.backend.mu.Lock()
	delete(sub.backend.subs, sub.id)
	sub.backend.mu.Unlock()

	sub.mu.Lock()
	sub.detached = true
	sub.handlers = make(map[store.Handle]handler)
	sub.mu.Unlock()

	sub.detachOnce.Do(func() { close(sub.done) })
}

// run loads the backlog, fires the value barrier and then applies change
// stream deliveries to the view. Deliveries queued during the backlog load
// re-apply idempotently.
func (sub *subscription) run() {
	ctx, cancel := context.WithTimeout(context.Background(), backlogTimeout)
	backlog, err := sub.backend.QueryRange(ctx, sub.view.lo, sub.view.hi)
	cancel()
	if err != nil {
		slog.Error("geostream: range backlog load failed",
			"lo", sub.view.lo, "hi", sub.view.hi, "error", err)
		return
	}

	for _, rec := range backlog {
		rec := rec
		for _, ev := range sub.view.apply(rec.Key, &rec) {
			sub.fireChild(ev)
		}
	}

	sub.mu.Lock()
	sub.backlogDone = true
	sub.mu.Unlock()
	sub.fireValue()

	for {
		select {
		case <-sub.done:
			return
		case d := <-sub.events:
			evs := sub.view.apply(d.key, d.rec)
			for _, ev := range evs {
				sub.fireChild(ev)
			}
			if len(evs) > 0 {
				sub.fireValue()
			}
		}
	}
}

func (sub *subscription) snapshotKind(kind int) []store.Handle {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.detached {
		return nil
	}
	var out []store.Handle
	for h, entry := range sub.handlers {
		if entry.kind == kind {
			out = append(out, h)
		}
	}
	return out
}

func (sub *subscription) fireChild(ev childEvent) {
	kind := kindAdded
	switch ev.kind {
	case childChanged:
		kind = kindChanged
	case childRemoved:
		kind = kindRemoved
	}
	for _, h := range sub.snapshotKind(kind) {
		sub.mu.Lock()
		entry, ok := sub.handlers[h]
		alive := ok && !sub.detached
		sub.mu.Unlock()
		if alive {
			entry.rec(ev.rec)
		}
	}
}

func (sub *subscription) fireValue() {
	for _, h := range sub.snapshotKind(kindValue) {
		sub.mu.Lock()
		entry, ok := sub.handlers[h]
		alive := ok && !sub.detached
		sub.mu.Unlock()
		if alive {
			entry.val()
		}
	}
}
