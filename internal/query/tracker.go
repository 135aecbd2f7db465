package query

import (
	"context"
	"log/slog"

	"geostream/internal/geomath"
	"geostream/internal/planner"
	"geostream/pkg/model"
)

func (q *GeoQuery) distanceKm(loc model.Location) float64 {
	return geomath.DistanceKm(loc, q.center)
}

// childAddedOrChanged reconciles one record delivery against the circle. The
// tracked entry is replaced with the new observation and at most one
// transition event is emitted: entered on an outside→inside edge, moved when
// the key stays inside at a new location, exited on an inside→outside edge.
// Re-delivery of an unchanged record emits nothing.
func (q *GeoQuery) childAddedOrChanged(rec model.Record) {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}

	d := q.distanceKm(rec.Location)
	inside := d <= q.radiusKm

	old := q.tracked[rec.Key]
	wasInside := old != nil && old.inQuery
	moved := old != nil && !old.location.Equal(rec.Location)

	q.tracked[rec.Key] = &trackedLocation{
		location:   rec.Location,
		distanceKm: d,
		inQuery:    inside,
		geohash:    rec.Geohash,
	}

	loc := rec.Location
	switch {
	case inside && !wasInside:
		q.queueKeyEvent(model.EventKeyEntered, rec.Key, &loc, d)
	case inside && wasInside && moved:
		q.queueKeyEvent(model.EventKeyMoved, rec.Key, &loc, d)
	case !inside && wasInside:
		q.queueKeyEvent(model.EventKeyExited, rec.Key, &loc, d)
	}
	q.mu.Unlock()
	q.drain()
}

// childRemoved resolves the ambiguity of a range-level removal: the key may
// be gone from the store, or it may merely have moved into another range this
// query also subscribes to. A fresh point read decides; this is the engine's
// only suspension point.
func (q *GeoQuery) childRemoved(rec model.Record) {
	q.mu.Lock()
	if q.cancelled || q.tracked[rec.Key] == nil {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	current, err := q.ds.Get(ctx, rec.Key)
	cancel()
	if err != nil {
		slog.Warn("geostream: point read after child_removed failed",
			"key", rec.Key, "error", err)
		return
	}

	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}
	switch {
	case current == nil:
		q.removeLocationLocked(rec.Key, nil)
	case q.hashInRangesLocked(current.Geohash):
		// The key moved into another subscribed range; the add from that
		// range reconciles the tracked entry.
	default:
		loc := current.Location
		q.removeLocationLocked(rec.Key, &loc)
	}
	q.mu.Unlock()
	q.drain()
}

// removeLocationLocked drops the tracked entry and emits key_exited when the
// key was inside the circle. A nil location marks a true deletion, whose exit
// carries null location and null distance. Caller holds mu.
func (q *GeoQuery) removeLocationLocked(key string, loc *model.Location) {
	entry := q.tracked[key]
	if entry == nil {
		return
	}
	delete(q.tracked, key)
	if !entry.inQuery {
		return
	}
	if loc == nil {
		q.pending = append(q.pending, emission{
			evt:     model.EventKeyExited,
			payload: model.KeyEvent{Key: key},
		})
		return
	}
	d := q.distanceKm(*loc)
	q.queueKeyEvent(model.EventKeyExited, key, loc, d)
}

// hashInRangesLocked reports whether a geohash is covered by any subscribed
// range, active or pending teardown. Caller holds mu.
func (q *GeoQuery) hashInRangesLocked(hash string) bool {
	for key := range q.ranges {
		r, err := planner.ParseKey(key)
		if err != nil {
			panic("geostream: internal state: " + err.Error())
		}
		if r.Contains(hash) {
			return true
		}
	}
	return false
}
