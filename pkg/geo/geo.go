// Package geo holds the spherical geometry kernel shared by the pipeline and
// the geofence index. All functions are pure.
package geo

import "math"

// EarthRadiusMeters is the mean earth radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Distance returns the haversine distance between two WGS84 points in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// PointInPolygon runs a ray cast over the ring. A point on an edge counts as
// inside.
func PointInPolygon(lat, lon float64, ring [][2]float64) bool {
	n := len(ring)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		yi, xi := ring[i][0], ring[i][1]
		yj, xj := ring[j][0], ring[j][1]

		if onSegment(lat, lon, yi, xi, yj, xj) {
			return true
		}

		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

const segmentEpsilon = 1e-9

func onSegment(py, px, ay, ax, by, bx float64) bool {
	cross := (bx-ax)*(py-ay) - (by-ay)*(px-ax)
	if math.Abs(cross) > segmentEpsilon {
		return false
	}
	dot := (px-ax)*(bx-ax) + (py-ay)*(by-ay)
	if dot < 0 {
		return false
	}
	sq := (bx-ax)*(bx-ax) + (by-ay)*(by-ay)
	return dot <= sq
}

// DistanceToSegment returns the distance in meters from a point to the
// nearest point of the segment (a, b). Segments are short enough in practice
// that projecting in the equirectangular plane is accurate.
func DistanceToSegment(lat, lon, aLat, aLon, bLat, bLon float64) float64 {
	// project to a local plane centered at a
	cosLat := math.Cos(toRadians(aLat))
	px := toRadians(lon-aLon) * cosLat
	py := toRadians(lat - aLat)
	bx := toRadians(bLon-aLon) * cosLat
	by := toRadians(bLat - aLat)

	sq := bx*bx + by*by
	t := 0.0
	if sq > 0 {
		t = (px*bx + py*by) / sq
		t = math.Max(0, math.Min(1, t))
	}

	dx := px - t*bx
	dy := py - t*by
	return math.Sqrt(dx*dx+dy*dy) * EarthRadiusMeters
}

// BoundingBox is a lat/lon rectangle used as a containment prefilter.
type BoundingBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// Contains reports whether the point falls inside the box expanded by
// marginMeters on every side.
func (b BoundingBox) Contains(lat, lon, marginMeters float64) bool {
	dLat := marginMeters / EarthRadiusMeters * 180 / math.Pi
	cosLat := math.Cos(toRadians(lat))
	dLon := dLat
	if cosLat > 1e-6 {
		dLon = dLat / cosLat
	}
	return lat >= b.MinLat-dLat && lat <= b.MaxLat+dLat &&
		lon >= b.MinLon-dLon && lon <= b.MaxLon+dLon
}

// NewBoundingBox returns a degenerate box at the point.
func NewBoundingBox(lat, lon float64) BoundingBox {
	return BoundingBox{MinLat: lat, MaxLat: lat, MinLon: lon, MaxLon: lon}
}

// Extend grows the box to include the point.
func (b *BoundingBox) Extend(lat, lon float64) {
	b.MinLat = math.Min(b.MinLat, lat)
	b.MaxLat = math.Max(b.MaxLat, lat)
	b.MinLon = math.Min(b.MinLon, lon)
	b.MaxLon = math.Max(b.MaxLon, lon)
}
