// Package query implements the live geospatial query engine. A GeoQuery
// watches a circular region of the datastore through a reconciled set of
// geohash range subscriptions and emits key_entered, key_exited and key_moved
// events as points move relative to the circle, plus a ready barrier once the
// initial backlog of every active range has been delivered.
package query

import (
	"sort"
	"sync"
	"time"

	"geostream/internal/planner"
	"geostream/internal/store"
	"geostream/pkg/model"
)

// Callback receives query events. For EventReady the payload is the zero
// value.
type Callback func(model.KeyEvent)

// Registration is the cancellation token returned by On. Cancelling removes
// exactly the registered callback; a second Cancel is a no-op.
type Registration struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the registered callback from its query.
func (r *Registration) Cancel() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
}

type listener struct {
	fn      Callback
	removed bool
}

// emission is a queued event. When only is set the event is a replay for a
// single freshly registered listener; otherwise it goes to every listener of
// the event type.
type emission struct {
	evt     model.EventType
	payload model.KeyEvent
	only    *listener
}

// trackedLocation is the per-key cache of a live query.
type trackedLocation struct {
	location   model.Location
	distanceKm float64
	inQuery    bool
	geohash    string
}

// activeRange is one entry of the subscription manager. active=false marks it
// for lazy teardown by the next cleanup.
type activeRange struct {
	active        bool
	sub           store.RangeSubscription
	valueHandle   store.Handle
	valueDetached bool
}

// pendingOpen is a range whose subscriptions still have to be opened; the
// bookkeeping entry already exists.
type pendingOpen struct {
	key string
	r   planner.Range
}

// readTimeout bounds the point read that resolves an ambiguous child_removed.
const readTimeout = 10 * time.Second

// GeoQuery is a live query over a circular region. All state is guarded by
// mu; transitions are committed under the mutex and user callbacks are
// dispatched from the pending queue with the mutex released, so callbacks may
// re-enter the query (including Cancel).
type GeoQuery struct {
	ds  store.Datastore
	cfg Config

	mu              sync.Mutex
	center          model.Location
	radiusKm        float64
	cancelled       bool
	valueEventFired bool
	listeners       map[model.EventType][]*listener
	tracked         map[string]*trackedLocation
	ranges          map[string]*activeRange
	outstanding     map[string]struct{}
	pending         []emission

	cleanupScheduled bool
	cleanupTimer     *time.Timer
	done             chan struct{}
}

// New constructs a live query from full criteria and begins loading. A
// listener that registers later receives the current membership as
// key_entered events, and the ready event when loading has completed; other
// events that fired before it registered are not replayed.
func New(ds store.Datastore, cfg Config, criteria model.Criteria) (*GeoQuery, error) {
	if err := criteria.Validate(true); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	q := &GeoQuery{
		ds:          ds,
		cfg:         cfg,
		center:      *criteria.Center,
		radiusKm:    *criteria.RadiusKm,
		listeners:   make(map[model.EventType][]*listener),
		tracked:     make(map[string]*trackedLocation),
		ranges:      make(map[string]*activeRange),
		outstanding: make(map[string]struct{}),
		done:        make(chan struct{}),
	}

	q.mu.Lock()
	opens := q.reconcileLocked()
	q.mu.Unlock()

	go q.sweep()
	q.openRanges(opens)
	return q, nil
}

// Center returns the current query center.
func (q *GeoQuery) Center() model.Location {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.center
}

// Radius returns the current query radius in kilometers.
func (q *GeoQuery) Radius() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.radiusKm
}

// UpdateCriteria moves the circle. Absent fields keep their current value.
// Membership transitions caused by the new circle are emitted synchronously,
// before any event from the new range plan; key_moved is never emitted here
// because no location changed. The ready barrier re-arms for the new plan.
func (q *GeoQuery) UpdateCriteria(criteria model.Criteria) error {
	if err := criteria.Validate(false); err != nil {
		return err
	}

	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return model.ErrCancelled
	}
	if criteria.Center != nil {
		q.center = *criteria.Center
	}
	if criteria.RadiusKm != nil {
		q.radiusKm = *criteria.RadiusKm
	}

	for _, key := range q.sortedTrackedKeys() {
		entry := q.tracked[key]
		d := q.distanceKm(entry.location)
		inside := d <= q.radiusKm
		wasInside := entry.inQuery
		entry.distanceKm = d
		entry.inQuery = inside

		loc := entry.location
		switch {
		case inside && !wasInside:
			q.queueKeyEvent(model.EventKeyEntered, key, &loc, d)
		case !inside && wasInside:
			q.queueKeyEvent(model.EventKeyExited, key, &loc, d)
		}
	}

	q.valueEventFired = false
	opens := q.reconcileLocked()
	q.mu.Unlock()

	// A callback may cancel the query mid-dispatch; drain stops and
	// openRanges backs out on the cancelled flag.
	q.drain()
	q.openRanges(opens)
	return nil
}

// On registers a callback for one event type and returns its cancellation
// token. A key_entered listener immediately receives the current membership;
// a ready listener fires immediately when the barrier has already completed.
func (q *GeoQuery) On(evt model.EventType, cb Callback) (*Registration, error) {
	if !evt.IsValid() {
		return nil, model.ErrUnknownEventType
	}
	if cb == nil {
		return nil, model.ErrNilCallback
	}

	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return &Registration{}, nil
	}

	l := &listener{fn: cb}
	q.listeners[evt] = append(q.listeners[evt], l)

	switch evt {
	case model.EventKeyEntered:
		for _, key := range q.sortedTrackedKeys() {
			entry := q.tracked[key]
			if !entry.inQuery {
				continue
			}
			loc := entry.location
			q.pending = append(q.pending, emission{
				evt:     model.EventKeyEntered,
				payload: keyEventPayload(key, &loc, &entry.distanceKm),
				only:    l,
			})
		}
	case model.EventReady:
		if q.valueEventFired {
			q.pending = append(q.pending, emission{evt: model.EventReady, only: l})
		}
	}
	q.mu.Unlock()
	q.drain()

	return &Registration{cancel: func() { q.removeListener(evt, l) }}, nil
}

// Cancel terminates the query: all listeners are dropped, every range
// subscription is detached, tracked state is cleared and the cleanup timers
// stop. Cancel is idempotent and safe to call from inside any callback; no
// callback is dispatched after it returns.
func (q *GeoQuery) Cancel() {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}
	q.cancelled = true
	q.listeners = make(map[model.EventType][]*listener)
	q.tracked = make(map[string]*trackedLocation)
	q.outstanding = make(map[string]struct{})
	q.pending = nil

	subs := make([]store.RangeSubscription, 0, len(q.ranges))
	for _, entry := range q.ranges {
		if entry.sub != nil {
			subs = append(subs, entry.sub)
		}
	}
	q.ranges = make(map[string]*activeRange)

	if q.cleanupTimer != nil {
		q.cleanupTimer.Stop()
		q.cleanupTimer = nil
	}
	close(q.done)
	q.mu.Unlock()

	for _, sub := range subs {
		sub.Detach()
	}
}

// Cancelled reports whether the query has been terminated.
func (q *GeoQuery) Cancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled
}

func (q *GeoQuery) removeListener(evt model.EventType, l *listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l.removed {
		return
	}
	l.removed = true
	list := q.listeners[evt]
	for i, candidate := range list {
		if candidate == l {
			q.listeners[evt] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// queueKeyEvent appends an event for every listener of the type. Caller holds mu.
func (q *GeoQuery) queueKeyEvent(evt model.EventType, key string, loc *model.Location, d float64) {
	q.pending = append(q.pending, emission{evt: evt, payload: keyEventPayload(key, loc, &d)})
}

func keyEventPayload(key string, loc *model.Location, d *float64) model.KeyEvent {
	ev := model.KeyEvent{Key: key}
	if loc != nil {
		l := *loc
		ev.Location = &l
	}
	if d != nil {
		dist := *d
		ev.DistanceKm = &dist
	}
	return ev
}

func (q *GeoQuery) sortedTrackedKeys() []string {
	keys := make([]string, 0, len(q.tracked))
	for key := range q.tracked {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// drain dispatches queued emissions. The mutex is released around each
// callback so a callback may re-enter the query; the cancelled flag and the
// listener's removed flag are rechecked before every invocation.
func (q *GeoQuery) drain() {
	for {
		q.mu.Lock()
		if q.cancelled || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]

		var targets []*listener
		if e.only != nil {
			targets = []*listener{e.only}
		} else {
			targets = append(targets, q.listeners[e.evt]...)
		}
		q.mu.Unlock()

		for _, l := range targets {
			q.mu.Lock()
			cancelled := q.cancelled
			skip := cancelled || l.removed
			q.mu.Unlock()
			if cancelled {
				return
			}
			if skip {
				continue
			}
			l.fn(e.payload)
		}
	}
}
