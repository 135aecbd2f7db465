package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geostream/pkg/model"
)

func rec(key, hash string, lat float64) model.Record {
	return model.Record{Key: key, Geohash: hash, Location: model.Location{Latitude: lat}}
}

func TestRangeView_AddChangeRemove(t *testing.T) {
	v := newRangeView("s0", "s~")

	r1 := rec("k", "s5", 1)
	events := v.apply("k", &r1)
	require.Len(t, events, 1)
	assert.Equal(t, childAdded, events[0].kind)
	assert.Equal(t, r1, events[0].rec)
	assert.Equal(t, 1, v.size())

	// Same record re-delivered: idempotent.
	assert.Empty(t, v.apply("k", &r1))

	// Moved within the range.
	r2 := rec("k", "s7", 2)
	events = v.apply("k", &r2)
	require.Len(t, events, 1)
	assert.Equal(t, childChanged, events[0].kind)
	assert.Equal(t, r2, events[0].rec)

	// Moved out of the range: removed carries the last in-range record.
	r3 := rec("k", "u0", 3)
	events = v.apply("k", &r3)
	require.Len(t, events, 1)
	assert.Equal(t, childRemoved, events[0].kind)
	assert.Equal(t, r2, events[0].rec)
	assert.Zero(t, v.size())

	// Further out-of-range deliveries are silent.
	assert.Empty(t, v.apply("k", &r3))
}

func TestRangeView_Delete(t *testing.T) {
	v := newRangeView("s0", "s~")

	r1 := rec("k", "s5", 1)
	require.Len(t, v.apply("k", &r1), 1)

	events := v.apply("k", nil)
	require.Len(t, events, 1)
	assert.Equal(t, childRemoved, events[0].kind)
	assert.Equal(t, r1, events[0].rec)

	// Deleting an untracked key is silent.
	assert.Empty(t, v.apply("gone", nil))
}

func TestRangeView_OutOfRangeNeverTracked(t *testing.T) {
	v := newRangeView("s0", "s~")
	outside := rec("k", "u5", 1)
	assert.Empty(t, v.apply("k", &outside))
	assert.Zero(t, v.size())
}
