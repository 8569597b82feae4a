package model

import "time"

// DeviceStatus is derived from frame arrival, never from wall clock alone.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusUnknown DeviceStatus = "unknown"
)

// Device is a registered tracker. The pipeline mutates Status, LastSeen,
// LastPositionID and the accumulators; everything else belongs to the admin
// plane.
type Device struct {
	ID       int64  `json:"id"`
	UniqueID string `json:"uniqueId"`
	Name     string `json:"name"`
	Protocol string `json:"protocol"`

	Status         DeviceStatus `json:"status"`
	LastSeen       time.Time    `json:"lastSeen"`
	LastPositionID int64        `json:"lastPositionId,omitempty"`

	// TotalDistance is the sum of haversine distances between consecutive
	// valid positions, in meters.
	TotalDistance float64 `json:"totalDistance"`
	Hours         float64 `json:"hours"` // engine hours, seconds with ignition held

	Motion    bool `json:"motion"`
	Overspeed bool `json:"overspeed"`

	ExpirationTime time.Time  `json:"expirationTime,omitempty"`
	GroupID        int64      `json:"groupId,omitempty"`
	Attributes     Attributes `json:"attributes,omitempty"`
}

// SpeedLimit returns the device speed limit in knots and whether one is set.
// The attribute is stored in km/h, the unit operators configure.
func (d *Device) SpeedLimit() (float64, bool) {
	if d.Attributes == nil {
		return 0, false
	}
	kmh, ok := d.Attributes.Float(AttrSpeedLimit)
	if !ok || kmh <= 0 {
		return 0, false
	}
	return kmh * KnotsPerKmh, true
}

// UnknownDevice is the admission record for telemetry from an unregistered
// unique ID. Exactly one row exists per (unique id, protocol).
type UnknownDevice struct {
	ID              int64      `json:"id"`
	UniqueID        string     `json:"uniqueId"`
	Protocol        string     `json:"protocol"`
	Port            int        `json:"port"`
	FirstSeen       time.Time  `json:"firstSeen"`
	LastSeen        time.Time  `json:"lastSeen"`
	ConnectionCount int        `json:"connectionCount"`
	LastRawFrame    string     `json:"lastRawFrame,omitempty"`
	LastDecoded     Attributes `json:"lastDecoded,omitempty"`
	Registered      bool       `json:"registered"`
	DeviceID        int64      `json:"deviceId,omitempty"` // set on adoption
}
