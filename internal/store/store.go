// Package store defines the datastore contract the live query engine runs
// against: point writes and removes plus ordered-child range subscriptions
// over the geohash field of each stored record. Backends live in the
// subpackages.
package store

import (
	"context"
	"errors"

	"geostream/pkg/model"
)

// ErrClosed is returned by operations on a closed datastore.
var ErrClosed = errors.New("datastore closed")

// Handle identifies one registered callback on a range subscription.
type Handle uint64

// RecordFunc receives a child event for a single record.
type RecordFunc func(model.Record)

// ValueFunc signals that the initial backlog of a range has been delivered.
type ValueFunc func()

// RangeSubscription is a live view over the records whose geohash sorts
// within an inclusive [lo, hi] range.
//
// OnChildAdded delivers the current backlog in geohash order and every future
// insertion or move into the range. OnChildChanged fires for mutations of a
// record that stays inside the range. OnChildRemoved fires when a record
// leaves the range, by deletion or by its geohash moving out, and carries the
// last known record. OnValue fires once the backlog has been delivered and
// again after every subsequent mutation of the range's result set; the engine
// detaches it after the first firing.
type RangeSubscription interface {
	OnChildAdded(fn RecordFunc) Handle
	OnChildChanged(fn RecordFunc) Handle
	OnChildRemoved(fn RecordFunc) Handle
	OnValue(fn ValueFunc) Handle

	// Off detaches a single callback. Unknown handles are ignored.
	Off(h Handle)

	// Detach detaches every callback and releases the subscription.
	Detach()
}

// Datastore is the realtime tree store holding one record per key.
type Datastore interface {
	// Set writes a record atomically, overwriting any previous value.
	Set(ctx context.Context, rec model.Record) error

	// Remove deletes a key. Removing an absent key is a no-op.
	Remove(ctx context.Context, key string) error

	// Get reads a single record. Absent keys return (nil, nil).
	Get(ctx context.Context, key string) (*model.Record, error)

	// QueryRange returns the records whose geohash sorts within [lo, hi],
	// ordered by geohash.
	QueryRange(ctx context.Context, lo, hi string) ([]model.Record, error)

	// Subscribe opens a live range subscription.
	Subscribe(lo, hi string) RangeSubscription

	// Close releases the backend. Subscriptions stop delivering.
	Close(ctx context.Context) error
}
