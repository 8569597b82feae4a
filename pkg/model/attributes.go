package model

// Attribute keys shared between decoders, the pipeline and the event engine.
const (
	AttrIgnition      = "ignition"
	AttrMotion        = "motion"
	AttrBattery       = "battery"
	AttrPower         = "power"
	AttrOdometer      = "odometer"
	AttrSatellites    = "sat"
	AttrAlarm         = "alarm"
	AttrEvent         = "event"
	AttrInput         = "input"
	AttrIndex         = "index"
	AttrArchive       = "archive"
	AttrDistance      = "distance"
	AttrTotalDistance = "totalDistance"
	AttrHours         = "hours"
	AttrSpeedLimit    = "speedLimit"
	AttrOldStatus     = "oldStatus"
	AttrWifi          = "wifi"
	AttrCell          = "cell"
	AttrAccuracy      = "accuracy"
)

// Attributes is the free-form attribute map carried by devices, positions and
// events. Values are restricted to JSON-representable types.
type Attributes map[string]interface{}

func (a Attributes) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (a Attributes) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Clone returns a shallow copy. Nested values are shared.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
