package model

import (
	"fmt"
	"time"
)

// Unit conversion factors. Positions store speed in knots.
const (
	KnotsPerKmh = 0.539957
	KnotsPerMps = 1.94384
)

// Position is one canonical telemetry sample. Immutable after write. Exactly
// one of DeviceID / UnknownDeviceID is set.
type Position struct {
	ID              int64  `json:"id"`
	DeviceID        int64  `json:"deviceId,omitempty"`
	UnknownDeviceID int64  `json:"unknownDeviceId,omitempty"`
	Protocol        string `json:"protocol"`

	ServerTime time.Time `json:"serverTime"`
	DeviceTime time.Time `json:"deviceTime"`
	FixTime    time.Time `json:"fixTime"`

	Valid     bool    `json:"valid"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"` // meters
	Speed     float64 `json:"speed"`    // knots
	Course    float64 `json:"course"`   // degrees, [0, 360)
	Accuracy  float64 `json:"accuracy"` // meters

	Attributes Attributes `json:"attributes,omitempty"`
}

// Validate rejects samples outside WGS84 bounds. (0,0) is treated as a failed
// fix, never a real location.
func (p *Position) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude out of range: %f", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude out of range: %f", p.Longitude)
	}
	if p.Latitude == 0 && p.Longitude == 0 {
		return fmt.Errorf("zero coordinates")
	}
	if p.Course < 0 || p.Course >= 360 {
		return fmt.Errorf("course out of range: %f", p.Course)
	}
	return nil
}

// SpeedKmh returns the speed in km/h for operator-facing payloads.
func (p *Position) SpeedKmh() float64 {
	return p.Speed / KnotsPerKmh
}

// Ignition reports the decoded ignition state, false when absent.
func (p *Position) Ignition() bool {
	b, _ := p.Attributes.Bool(AttrIgnition)
	return b
}
