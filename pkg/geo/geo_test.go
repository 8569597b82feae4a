package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	// Paris <-> London, roughly 344 km
	d := Distance(48.8566, 2.3522, 51.5074, -0.1278)
	assert.InDelta(t, 344000, d, 1000)

	assert.Zero(t, Distance(10, 20, 10, 20))
}

func TestDistanceShortRange(t *testing.T) {
	// ~111.32 m per 0.001 degree of latitude
	d := Distance(-23.55, -46.63, -23.551, -46.63)
	assert.InDelta(t, 111.2, d, 1)
}

func TestPointInPolygon(t *testing.T) {
	square := [][2]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}}

	assert.True(t, PointInPolygon(5, 5, square))
	assert.False(t, PointInPolygon(15, 5, square))
	assert.False(t, PointInPolygon(-1, -1, square))

	// boundary counts as inside
	assert.True(t, PointInPolygon(0, 5, square))
	assert.True(t, PointInPolygon(0, 0, square))

	// degenerate ring
	assert.False(t, PointInPolygon(1, 1, [][2]float64{{0, 0}, {1, 1}}))
}

func TestPointInPolygonConcave(t *testing.T) {
	// U shape: the notch between the arms is outside
	u := [][2]float64{{0, 0}, {10, 0}, {10, 10}, {6, 10}, {6, 4}, {4, 4}, {4, 10}, {0, 10}}

	assert.True(t, PointInPolygon(2, 2, u))
	assert.False(t, PointInPolygon(5, 7, u))
}

func TestDistanceToSegment(t *testing.T) {
	// point 0.001 deg north of a horizontal segment
	d := DistanceToSegment(0.001, 0.5, 0, 0, 0, 1)
	assert.InDelta(t, 111.2, d, 1)

	// beyond the endpoint the distance is to the endpoint itself
	d = DistanceToSegment(0, 2, 0, 0, 0, 1)
	assert.InDelta(t, Distance(0, 2, 0, 1), d, 1)
}

func TestBoundingBox(t *testing.T) {
	b := NewBoundingBox(10, 20)
	b.Extend(11, 21)
	b.Extend(9.5, 19.5)

	assert.True(t, b.Contains(10.5, 20.5, 0))
	assert.False(t, b.Contains(12, 20.5, 0))

	// margin admits nearby points
	assert.True(t, b.Contains(11.001, 21, 1000))
}
