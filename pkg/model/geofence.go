package model

import "fmt"

// Geometry kinds.
const (
	GeometryPolygon  = "polygon"
	GeometryCircle   = "circle"
	GeometryPolyline = "polyline"
)

// DefaultPolylineBuffer is the corridor half-width applied to polyline
// geofences that do not override it, in meters.
const DefaultPolylineBuffer = 50.0

// LatLng is one WGS84 vertex.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geometry is the region description of a geofence. Exactly the fields for
// Type are populated.
type Geometry struct {
	Type string `json:"type"`

	// polygon / polyline
	Points []LatLng `json:"points,omitempty"`

	// circle
	Center LatLng  `json:"center,omitempty"`
	Radius float64 `json:"radius,omitempty"` // meters

	// polyline corridor half-width, meters; 0 means DefaultPolylineBuffer
	Buffer float64 `json:"buffer,omitempty"`
}

// Validate enforces the minimal vertex counts per geometry kind.
func (g *Geometry) Validate() error {
	switch g.Type {
	case GeometryPolygon:
		if len(g.Points) < 3 {
			return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(g.Points))
		}
	case GeometryCircle:
		if g.Radius <= 0 {
			return fmt.Errorf("circle radius must be positive, got %f", g.Radius)
		}
	case GeometryPolyline:
		if len(g.Points) < 2 {
			return fmt.Errorf("polyline needs at least 2 vertices, got %d", len(g.Points))
		}
	default:
		return fmt.Errorf("unknown geometry type %q", g.Type)
	}
	return nil
}

// Geofence is a named region. Version increments on every mutation and
// invalidates index snapshots.
type Geofence struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Geometry    Geometry   `json:"geometry"`
	Disabled    bool       `json:"disabled"`
	CalendarID  int64      `json:"calendarId,omitempty"`
	Version     int64      `json:"version"`
	Attributes  Attributes `json:"attributes,omitempty"`
}
