// Package geoindex is the thin outer surface of the system: it validates and
// writes points into the datastore in the stored {geohash, location} form and
// constructs live queries over them. All interesting state lives in the
// queries; the index itself is stateless beyond its handles.
package geoindex

import (
	"context"

	"geostream/internal/geohash"
	"geostream/internal/query"
	"geostream/internal/store"
	"geostream/pkg/model"
)

// Index writes and reads points and creates live queries.
type Index struct {
	ds  store.Datastore
	cfg query.Config
}

// New binds an index to a datastore with the given query policy.
func New(ds store.Datastore, cfg query.Config) *Index {
	cfg.ApplyDefaults()
	return &Index{ds: ds, cfg: cfg}
}

// Set writes a point, overwriting any previous location of the key. The
// geohash and the coordinates are stored atomically.
func (ix *Index) Set(ctx context.Context, key string, loc model.Location) error {
	if err := model.ValidateKey(key); err != nil {
		return err
	}
	if err := model.ValidateLocation(loc); err != nil {
		return err
	}
	return ix.ds.Set(ctx, model.Record{
		Key:      key,
		Geohash:  geohash.Encode(loc, ix.cfg.Precision),
		Location: loc,
	})
}

// Get reads the current location of a key, or nil when the key is absent.
func (ix *Index) Get(ctx context.Context, key string) (*model.Location, error) {
	if err := model.ValidateKey(key); err != nil {
		return nil, err
	}
	rec, err := ix.ds.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	loc := rec.Location
	return &loc, nil
}

// Remove deletes a point. Removing an absent key is a no-op.
func (ix *Index) Remove(ctx context.Context, key string) error {
	if err := model.ValidateKey(key); err != nil {
		return err
	}
	return ix.ds.Remove(ctx, key)
}

// Query constructs a live query over a circular region. Criteria must carry
// both center and radius.
func (ix *Index) Query(criteria model.Criteria) (*query.GeoQuery, error) {
	return query.New(ix.ds, ix.cfg, criteria)
}

// Store exposes the underlying datastore for read-side collaborators.
func (ix *Index) Store() store.Datastore {
	return ix.ds
}

// Precision is the geohash length of stored records.
func (ix *Index) Precision() int {
	return ix.cfg.Precision
}
