package model

import "errors"

var (
	// ErrInvalidKey is returned when a point key is malformed.
	ErrInvalidKey = errors.New("invalid key")
	// ErrInvalidLocation is returned when a latitude/longitude pair is out of range.
	ErrInvalidLocation = errors.New("invalid location")
	// ErrInvalidGeohash is returned when a geohash string is malformed.
	ErrInvalidGeohash = errors.New("invalid geohash")
	// ErrInvalidCriteria is returned when query criteria are missing or out of range.
	ErrInvalidCriteria = errors.New("invalid criteria")
	// ErrUnknownEventType is returned when registering a listener for an unknown event type.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrNilCallback is returned when registering a nil listener callback.
	ErrNilCallback = errors.New("nil callback")
	// ErrNotFound names a point that does not exist in the datastore. The
	// datastore and the index report an absent key as a nil result, not with
	// this error.
	ErrNotFound = errors.New("point not found")
	// ErrCancelled is returned when an operation is attempted on a cancelled query.
	ErrCancelled = errors.New("query cancelled")
)
