package geomath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"geostream/pkg/model"
)

func TestDistanceKm_KnownValues(t *testing.T) {
	// One degree of latitude on the 6371 km sphere.
	oneDegree := EarthMeanRadiusKm * math.Pi / 180
	assert.InDelta(t, oneDegree, DistanceKm(model.Location{Latitude: 0, Longitude: 0}, model.Location{Latitude: 1, Longitude: 0}), 1e-9)

	// Diagonal step used by the end-to-end scenarios.
	assert.InDelta(t, 157.23, DistanceKm(model.Location{Latitude: 1, Longitude: 2}, model.Location{Latitude: 2, Longitude: 3}), 0.05)

	// Antipodal points are half the circumference apart.
	assert.InDelta(t, 20015, DistanceKm(model.Location{Latitude: 0, Longitude: 0}, model.Location{Latitude: 0, Longitude: 180}), 1)
	assert.InDelta(t, 20015, DistanceKm(model.Location{Latitude: 90, Longitude: 0}, model.Location{Latitude: -90, Longitude: 0}), 1)
}

func TestDistanceKm_SymmetryAndIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		a := model.Location{Latitude: rng.Float64()*180 - 90, Longitude: rng.Float64()*360 - 180}
		b := model.Location{Latitude: rng.Float64()*180 - 90, Longitude: rng.Float64()*360 - 180}
		assert.InDelta(t, DistanceKm(a, b), DistanceKm(b, a), 1e-9)
		assert.InDelta(t, 0, DistanceKm(a, a), 1e-9)
	}

	// (0, 180) and (0, -180) are the same point after wrapping.
	assert.InDelta(t, 0, DistanceKm(
		model.Location{Latitude: 0, Longitude: 180},
		model.Location{Latitude: 0, Longitude: -180}), 1e-9)
}

func TestWrapLongitude(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{179.5, 179.5},
		{-179.5, -179.5},
		{180, 180},
		{-180, -180},
		{181, -179},
		{-181, 179},
		{360, 0},
		{-360, 0},
		{540, -180},
		{721, 1},
		{-721, -1},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, WrapLongitude(tc.in), 1e-9, "wrap(%v)", tc.in)
	}
}

func TestMetersToLongitudeDegrees(t *testing.T) {
	// ~111.3 km per degree of longitude at the equator.
	assert.InDelta(t, 1.0, MetersToLongitudeDegrees(111320, 0), 0.01)

	// Shrinks with latitude.
	atSixty := MetersToLongitudeDegrees(111320, 60)
	assert.Greater(t, atSixty, 1.8)
	assert.Less(t, atSixty, 2.2)

	// At the poles any positive distance wraps the whole parallel.
	assert.Equal(t, 360.0, MetersToLongitudeDegrees(1, 90))
	assert.Equal(t, 360.0, MetersToLongitudeDegrees(1, -90))
	assert.Equal(t, 0.0, MetersToLongitudeDegrees(0, 90))

	// Never exceeds a full wrap.
	assert.Equal(t, 360.0, MetersToLongitudeDegrees(1e9, 0))
}

func TestBoundingBoxBits(t *testing.T) {
	center := model.Location{Latitude: 35, Longitude: 24}

	// Larger circles need fewer bits.
	small := BoundingBoxBits(center, 100)
	large := BoundingBoxBits(center, 1_000_000)
	assert.Greater(t, small, large)

	// Clamped to the supported range.
	assert.Equal(t, 1, BoundingBoxBits(center, 1e12))
	assert.LessOrEqual(t, BoundingBoxBits(center, 0.001), MaxBitsPrecision)
	assert.GreaterOrEqual(t, BoundingBoxBits(model.Location{Latitude: 90, Longitude: 0}, 1000), 1)
}

// Every coordinate of the bounding box must lie on the globe, including when
// the box wraps the antimeridian or clips a pole.
func TestBoundingBoxCoordinates(t *testing.T) {
	centers := []model.Location{
		{Latitude: 1, Longitude: 2},
		{Latitude: 89.9, Longitude: 0},
		{Latitude: -89.9, Longitude: 0},
		{Latitude: 0, Longitude: 179.9},
		{Latitude: 0, Longitude: -179.9},
	}
	for _, center := range centers {
		coords := BoundingBoxCoordinates(center, 500_000)
		assert.Len(t, coords, 9)
		assert.Equal(t, center, coords[0])
		for _, c := range coords {
			assert.NoError(t, model.ValidateLocation(c), "center %+v produced %+v", center, c)
		}
	}
}
