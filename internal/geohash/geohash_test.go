package geohash

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geostream/pkg/model"
)

func TestEncode_KnownVectors(t *testing.T) {
	cases := []struct {
		loc       model.Location
		precision int
		want      string
	}{
		{model.Location{Latitude: 57.64911, Longitude: 10.40744}, 11, "u4pruydqqvj"},
		{model.Location{Latitude: 42.6, Longitude: -5.6}, 5, "ezs42"},
		{model.Location{Latitude: 0, Longitude: 0}, 10, "s000000000"},
		{model.Location{Latitude: 90, Longitude: 180}, 10, "zzzzzzzzzz"},
		{model.Location{Latitude: -90, Longitude: -180}, 10, "0000000000"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Encode(tc.loc, tc.precision), "loc %+v", tc.loc)
	}
}

func TestEncode_PrecisionClamping(t *testing.T) {
	loc := model.Location{Latitude: 1, Longitude: 2}
	assert.Len(t, Encode(loc, 0), DefaultPrecision)
	assert.Len(t, Encode(loc, -3), DefaultPrecision)
	assert.Len(t, Encode(loc, 1), 1)
	assert.Len(t, Encode(loc, 22), 22)
	assert.Len(t, Encode(loc, 30), MaxPrecision)
}

func TestEncode_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		loc := model.Location{
			Latitude:  rng.Float64()*180 - 90,
			Longitude: rng.Float64()*360 - 180,
		}
		precision := 1 + rng.Intn(MaxPrecision)
		first := Encode(loc, precision)
		require.Len(t, first, precision)
		assert.Equal(t, first, Encode(loc, precision))
	}
}

// Two locations inside the same cell must share the cell's prefix.
func TestEncode_SameCellSamePrefix(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		loc := model.Location{
			Latitude:  rng.Float64()*180 - 90,
			Longitude: rng.Float64()*360 - 180,
		}
		precision := 1 + rng.Intn(12)
		hash := Encode(loc, precision)

		bounds, err := CellBounds(hash)
		require.NoError(t, err)

		inside := model.Location{
			Latitude:  bounds.LatMin + (bounds.LatMax-bounds.LatMin)*rng.Float64()*0.999,
			Longitude: bounds.LonMin + (bounds.LonMax-bounds.LonMin)*rng.Float64()*0.999,
		}
		assert.Equal(t, hash, Encode(inside, precision),
			"point %+v should encode into cell %q", inside, hash)
	}
}

func TestCellBounds(t *testing.T) {
	bounds, err := CellBounds("u4pruydqqvj")
	require.NoError(t, err)
	assert.InDelta(t, 57.64911, (bounds.LatMin+bounds.LatMax)/2, 1e-4)
	assert.InDelta(t, 10.40744, (bounds.LonMin+bounds.LonMax)/2, 1e-4)

	bounds, err = CellBounds("0")
	require.NoError(t, err)
	assert.Equal(t, -90.0, bounds.LatMin)
	assert.Equal(t, -180.0, bounds.LonMin)

	_, err = CellBounds("")
	assert.ErrorIs(t, err, model.ErrInvalidGeohash)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("u4pruydqqvj"))
	assert.NoError(t, Validate("0"))
	assert.NoError(t, Validate("zzzzzzzzzzzzzzzzzzzzzz"))

	for _, bad := range []string{"", "abc", "u4i", "U4P", "u4 p", "u4~", "zzzzzzzzzzzzzzzzzzzzzzz", "héllo"} {
		assert.ErrorIs(t, Validate(bad), model.ErrInvalidGeohash, "hash %q", bad)
	}
}
