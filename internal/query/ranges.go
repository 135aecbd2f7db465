package query

import (
	"fmt"
	"sort"
	"time"

	"geostream/internal/planner"
	"geostream/internal/store"
	"geostream/pkg/model"
)

// reconcileLocked recomputes the range plan for the current criteria and
// brings the subscription set towards it: entries no longer planned are
// marked inactive for lazy teardown, planned entries already present are
// reactivated without reopening, and missing entries are created and returned
// for opening. Caller holds mu.
func (q *GeoQuery) reconcileLocked() []pendingOpen {
	target := planner.QueryRanges(q.center, q.radiusKm*1000, q.cfg.Precision)

	targetByKey := make(map[string]planner.Range, len(target))
	for _, r := range target {
		targetByKey[r.Key()] = r
	}

	for key, entry := range q.ranges {
		_, wanted := targetByKey[key]
		entry.active = wanted
	}

	var opens []pendingOpen
	for key, r := range targetByKey {
		if _, exists := q.ranges[key]; exists {
			continue
		}
		q.ranges[key] = &activeRange{active: true}
		q.outstanding[key] = struct{}{}
		opens = append(opens, pendingOpen{key: key, r: r})
	}
	sort.Slice(opens, func(i, j int) bool { return opens[i].r.Lo < opens[j].r.Lo })

	if len(q.ranges) > q.cfg.CleanupThreshold && !q.cleanupScheduled {
		q.cleanupScheduled = true
		q.cleanupTimer = time.AfterFunc(q.cfg.CleanupDebounce, q.cleanup)
	}
	return opens
}

// openRanges opens the four datastore subscriptions of every pending range.
// It runs without the mutex: the memory backend replays each range's backlog
// synchronously during registration, and those deliveries re-enter the query
// through the child handlers. Once every range is open the ready barrier is
// synthesized if nothing remains outstanding.
func (q *GeoQuery) openRanges(opens []pendingOpen) {
	for _, po := range opens {
		sub := q.ds.Subscribe(po.r.Lo, po.r.Hi)

		q.mu.Lock()
		entry := q.ranges[po.key]
		if q.cancelled || entry == nil {
			q.mu.Unlock()
			sub.Detach()
			continue
		}
		entry.sub = sub
		q.mu.Unlock()

		sub.OnChildAdded(q.childAddedOrChanged)
		sub.OnChildChanged(q.childAddedOrChanged)
		sub.OnChildRemoved(q.childRemoved)

		rangeKey := po.key
		valueHandle := sub.OnValue(func() { q.rangeValue(rangeKey) })

		// The value event may already have fired during registration; in
		// that case the handle was unknown to rangeValue and is detached
		// here instead.
		q.mu.Lock()
		entry = q.ranges[po.key]
		detachValue := entry == nil || entry.valueDetached || q.cancelled
		if !detachValue {
			entry.valueHandle = valueHandle
		}
		q.mu.Unlock()
		if detachValue {
			sub.Off(valueHandle)
		}
	}
	q.finishLoading()
}

// rangeValue consumes the one-shot value event of a range: the range leaves
// the outstanding set and its value handle is detached. When the last
// outstanding range completes, the ready event fires.
func (q *GeoQuery) rangeValue(key string) {
	q.mu.Lock()
	entry := q.ranges[key]
	if q.cancelled || entry == nil || entry.valueDetached {
		q.mu.Unlock()
		return
	}
	entry.valueDetached = true
	sub := entry.sub
	handle := entry.valueHandle
	delete(q.outstanding, key)
	q.readyIfLoadedLocked()
	q.mu.Unlock()

	if sub != nil && handle != 0 {
		sub.Off(handle)
	}
	q.drain()
}

// finishLoading fires the ready barrier when a reconcile opened zero new
// ranges (so no value events will arrive) or every value already fired.
func (q *GeoQuery) finishLoading() {
	q.mu.Lock()
	q.readyIfLoadedLocked()
	q.mu.Unlock()
	q.drain()
}

// readyIfLoadedLocked queues the ready event once nothing is outstanding.
// Caller holds mu.
func (q *GeoQuery) readyIfLoadedLocked() {
	if q.cancelled || q.valueEventFired || len(q.outstanding) != 0 {
		return
	}
	q.valueEventFired = true
	q.pending = append(q.pending, emission{evt: model.EventReady})
}

// cleanup tears down every range marked inactive and garbage-collects
// tracked locations that are no longer covered by any remaining range. A
// tracked key still inside the query with no covering range is an internal
// state violation.
func (q *GeoQuery) cleanup() {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}
	q.cleanupScheduled = false
	q.cleanupTimer = nil

	var torndown []store.RangeSubscription
	for key, entry := range q.ranges {
		if entry.active {
			continue
		}
		if entry.sub != nil {
			torndown = append(torndown, entry.sub)
		}
		delete(q.ranges, key)
		delete(q.outstanding, key)
	}

	remaining := make([]planner.Range, 0, len(q.ranges))
	for key := range q.ranges {
		r, err := planner.ParseKey(key)
		if err != nil {
			panic(fmt.Sprintf("geostream: internal state: %v", err))
		}
		remaining = append(remaining, r)
	}

	for key, entry := range q.tracked {
		if containsHash(remaining, entry.geohash) {
			continue
		}
		if entry.inQuery {
			panic(fmt.Sprintf("geostream: internal state: cleanup dropped key %q still inside the query", key))
		}
		delete(q.tracked, key)
	}

	// Tearing down a still-loading range removes it from the outstanding
	// set, which may complete the ready barrier.
	q.readyIfLoadedLocked()
	q.mu.Unlock()

	for _, sub := range torndown {
		sub.Detach()
	}
	q.drain()
}

// sweep runs the periodic unconditional cleanup until the query is cancelled.
func (q *GeoQuery) sweep() {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.cleanup()
		}
	}
}

func containsHash(ranges []planner.Range, hash string) bool {
	for _, r := range ranges {
		if r.Contains(hash) {
			return true
		}
	}
	return false
}
