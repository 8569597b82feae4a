package geofence

import (
	"fmt"

	"github.com/fleetwatch/fleetwatch/pkg/geo"
	"github.com/fleetwatch/fleetwatch/pkg/model"
)

// compiled is one geofence prepared for containment checks: geometry fields
// normalised and a bounding box for the prefilter.
type compiled struct {
	fence *model.Geofence
	box   geo.BoundingBox

	// circle
	centerLat, centerLon, radius float64

	// polygon / polyline
	ring   [][2]float64
	buffer float64
}

// Snapshot is an immutable view of the active geofences. Readers hold one
// pointer for the duration of a single frame evaluation; rebuilds swap the
// pointer and never mutate a published snapshot.
type Snapshot struct {
	fences []compiled

	// Version is the sum of member versions, so any single mutation changes it.
	Version int64
}

// Empty is the snapshot served before the first rebuild.
var Empty = &Snapshot{}

func compile(g *model.Geofence) (compiled, error) {
	if err := g.Geometry.Validate(); err != nil {
		return compiled{}, err
	}

	c := compiled{fence: g}
	switch g.Geometry.Type {
	case model.GeometryCircle:
		c.centerLat = g.Geometry.Center.Lat
		c.centerLon = g.Geometry.Center.Lng
		c.radius = g.Geometry.Radius
		c.box = geo.NewBoundingBox(c.centerLat, c.centerLon)

	case model.GeometryPolygon, model.GeometryPolyline:
		c.ring = make([][2]float64, 0, len(g.Geometry.Points))
		for i, p := range g.Geometry.Points {
			c.ring = append(c.ring, [2]float64{p.Lat, p.Lng})
			if i == 0 {
				c.box = geo.NewBoundingBox(p.Lat, p.Lng)
			} else {
				c.box.Extend(p.Lat, p.Lng)
			}
		}
		if g.Geometry.Type == model.GeometryPolyline {
			c.buffer = g.Geometry.Buffer
			if c.buffer <= 0 {
				c.buffer = model.DefaultPolylineBuffer
			}
		}

	default:
		return compiled{}, fmt.Errorf("unknown geometry type %q", g.Geometry.Type)
	}
	return c, nil
}

// margin is the bounding-box slack applied during the prefilter. Circles need
// their radius, polylines their corridor width; polygons none.
func (c *compiled) margin() float64 {
	switch c.fence.Geometry.Type {
	case model.GeometryCircle:
		return c.radius
	case model.GeometryPolyline:
		return c.buffer
	}
	return 0
}

func (c *compiled) contains(lat, lon float64) bool {
	if !c.box.Contains(lat, lon, c.margin()) {
		return false
	}
	switch c.fence.Geometry.Type {
	case model.GeometryCircle:
		return geo.Distance(lat, lon, c.centerLat, c.centerLon) <= c.radius
	case model.GeometryPolygon:
		return geo.PointInPolygon(lat, lon, c.ring)
	case model.GeometryPolyline:
		for i := 0; i+1 < len(c.ring); i++ {
			if geo.DistanceToSegment(lat, lon, c.ring[i][0], c.ring[i][1], c.ring[i+1][0], c.ring[i+1][1]) <= c.buffer {
				return true
			}
		}
	}
	return false
}

// Membership returns the ids of all geofences containing the point.
func (s *Snapshot) Membership(lat, lon float64) []int64 {
	var out []int64
	for i := range s.fences {
		if s.fences[i].contains(lat, lon) {
			out = append(out, s.fences[i].fence.ID)
		}
	}
	return out
}

// Geofence returns the snapshot's copy of the geofence, nil when absent.
func (s *Snapshot) Geofence(id int64) *model.Geofence {
	for i := range s.fences {
		if s.fences[i].fence.ID == id {
			return s.fences[i].fence
		}
	}
	return nil
}

// Len is the number of active geofences in the snapshot.
func (s *Snapshot) Len() int { return len(s.fences) }
