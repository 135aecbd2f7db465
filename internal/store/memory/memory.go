// Package memory implements the datastore contract in process. Delivery is
// synchronous: every event caused by a write is dispatched before Set or
// Remove returns, which gives the engine the same ordering guarantees a
// single-threaded tree database provides. The store mutex is released around
// handler invocation, so handlers may re-enter the store.
package memory

import (
	"context"
	"sort"
	"sync"

	"geostream/internal/geohash"
	"geostream/internal/store"
	"geostream/pkg/model"
)

// Store is an in-memory realtime point store.
type Store struct {
	mu      sync.Mutex
	records map[string]model.Record
	subs    map[uint64]*subscription
	nextSub uint64
	closed  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]model.Record),
		subs:    make(map[uint64]*subscription),
	}
}

// Set writes a record and synchronously dispatches the resulting child events
// to every matching subscription.
func (s *Store) Set(_ context.Context, rec model.Record) error {
	if err := model.ValidateKey(rec.Key); err != nil {
		return err
	}
	if err := geohash.Validate(rec.Geohash); err != nil {
		return err
	}
	if err := model.ValidateLocation(rec.Location); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	old, hadOld := s.records[rec.Key]
	if hadOld && old == rec {
		s.mu.Unlock()
		return nil
	}
	s.records[rec.Key] = rec
	subs := s.snapshotSubs()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.dispatchSet(old, hadOld, rec)
	}
	return nil
}

// Remove deletes a key and synchronously dispatches child_removed to every
// subscription the record was visible in.
func (s *Store) Remove(_ context.Context, key string) error {
	if err := model.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	old, hadOld := s.records[key]
	if !hadOld {
		s.mu.Unlock()
		return nil
	}
	delete(s.records, key)
	subs := s.snapshotSubs()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.dispatchRemove(old)
	}
	return nil
}

// Get reads one record. Absent keys return (nil, nil).
func (s *Store) Get(_ context.Context, key string) (*model.Record, error) {
	if err := model.ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// QueryRange returns the records whose geohash sorts within [lo, hi] in
// geohash order.
func (s *Store) QueryRange(_ context.Context, lo, hi string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.rangeLocked(lo, hi), nil
}

// Subscribe opens a live range subscription. The backlog is replayed to each
// OnChildAdded callback as it registers.
func (s *Store) Subscribe(lo, hi string) store.RangeSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	sub := &subscription{
		store:    s,
		id:       s.nextSub,
		lo:       lo,
		hi:       hi,
		handlers: make(map[store.Handle]handler),
	}
	if !s.closed {
		s.subs[sub.id] = sub
	} else {
		sub.detached = true
	}
	return sub
}

// Close detaches every subscription and rejects further operations.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.markDetached()
	}
	s.subs = make(map[uint64]*subscription)
	return nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) snapshotSubs() []*subscription {
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (s *Store) rangeLocked(lo, hi string) []model.Record {
	var out []model.Record
	for _, rec := range s.records {
		if lo <= rec.Geohash && rec.Geohash <= hi {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Geohash != out[j].Geohash {
			return out[i].Geohash < out[j].Geohash
		}
		return out[i].Key < out[j].Key
	})
	return out
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
	store *Store
	id    uint64
	lo    string
	hi    string

	mu         sync.Mutex
	detached   bool
	nextHandle store.Handle
	handlers   map[store.Handle]handler
}

func (sub *subscription) register(h handler) store.Handle {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.nextHandle++
	sub.handlers[sub.nextHandle] = h
	return sub.nextHandle
}

// OnChildAdded registers the callback and synchronously replays the current
// in-range backlog to it in geohash order.
func (sub *subscription) OnChildAdded(fn store.RecordFunc) store.Handle {
	h := sub.register(handler{kind: kindAdded, rec: fn})

	sub.store.mu.Lock()
	backlog := sub.store.rangeLocked(sub.lo, sub.hi)
	sub.store.mu.Unlock()

	for _, rec := range backlog {
		if !sub.handlerAlive(h) {
			break
		}
		fn(rec)
	}
	return h
}

func (sub *subscription) OnChildChanged(fn store.RecordFunc) store.Handle {
	return sub.register(handler{kind: kindChanged, rec: fn})
}

func (sub *subscription) OnChildRemoved(fn store.RecordFunc) store.Handle {
	return sub.register(handler{kind: kindRemoved, rec: fn})
}

// OnValue registers the callback and fires it immediately: delivery in this
// backend is synchronous, so the backlog is always complete by the time the
// callback registers.
func (sub *subscription) OnValue(fn store.ValueFunc) store.Handle {
	h := sub.register(handler{kind: kindValue, val: fn})
	if sub.handlerAlive(h) {
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
	sub.store.mu.Lock()
	delete(sub.store.subs, sub.id)
	sub.store.mu.Unlock()
	sub.markDetached()
}

func (sub *subscription) markDetached() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.detached = true
	sub.handlers = make(map[store.Handle]handler)
}

func (sub *subscription) handlerAlive(h store.Handle) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	_, ok := sub.handlers[h]
	return !sub.detached && ok
}

func (sub *subscription) inRange(hash string) bool {
	return sub.lo <= hash && hash <= sub.hi
}

// snapshotKind returns the live callbacks of one kind in registration order.
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
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (sub *subscription) fireRecord(kind int, rec model.Record) {
	for _, h := range sub.snapshotKind(kind) {
		sub.mu.Lock()
		entry, ok := sub.handlers[h]
		alive := ok && !sub.detached
		sub.mu.Unlock()
		if alive {
			entry.rec(rec)
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

func (sub *subscription) dispatchSet(old model.Record, hadOld bool, rec model.Record) {
	oldIn := hadOld && sub.inRange(old.Geohash)
	newIn := sub.inRange(rec.Geohash)

	switch {
	case !oldIn && newIn:
		sub.fireRecord(kindAdded, rec)
	case oldIn && newIn:
		sub.fireRecord(kindChanged, rec)
	case oldIn && !newIn:
		sub.fireRecord(kindRemoved, old)
	default:
		return
	}
	sub.fireValue()
}

func (sub *subscription) dispatchRemove(old model.Record) {
	if !sub.inRange(old.Geohash) {
		return
	}
	sub.fireRecord(kindRemoved, old)
	sub.fireValue()
}
