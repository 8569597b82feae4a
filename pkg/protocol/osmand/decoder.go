// Package osmand decodes the OsmAnd request/response protocol: positions
// arrive as URL-encoded form parameters or a JSON body on an HTTP endpoint.
package osmand

import (
	"bytes"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/fleetwatch/fleetwatch/pkg/model"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

const ProtocolName = "osmand"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Protocol() string {
	return ProtocolName
}

// Decode accepts either a JSON object or a URL-encoded form.
func (d *Decoder) Decode(data []byte) ([]protocol.Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, protocol.ErrEmpty
	}
	if trimmed[0] == '{' {
		return d.decodeJSON(trimmed)
	}

	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, protocol.Malformed("bad form body: %v", err)
	}
	return d.DecodeQuery(values, trimmed)
}

// DecodeQuery decodes form or query-string parameters. Used directly by the
// request/response listener which has already parsed the request.
func (d *Decoder) DecodeQuery(values url.Values, raw []byte) ([]protocol.Frame, error) {
	sourceID := first(values, "id", "deviceid", "device_id")
	if sourceID == "" {
		return nil, protocol.Malformed("missing device id")
	}

	frame := protocol.Frame{
		SourceID: sourceID,
		Protocol: ProtocolName,
		Raw:      append([]byte(nil), raw...),
	}

	latStr := values.Get("lat")
	lonStr := values.Get("lon")
	if latStr == "" || lonStr == "" {
		// heartbeat only, no position produced
		frame.Kind = protocol.KindHeartbeat
		return []protocol.Frame{frame}, nil
	}

	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil {
		return nil, protocol.Malformed("bad coordinates %q %q", latStr, lonStr)
	}

	p := &model.Position{
		Protocol:   ProtocolName,
		Latitude:   lat,
		Longitude:  lon,
		Valid:      true,
		Attributes: model.Attributes{},
	}

	if ts := values.Get("timestamp"); ts != "" {
		deviceTime, err := parseTimestamp(ts)
		if err != nil {
			return nil, protocol.Malformed("bad timestamp %q", ts)
		}
		p.DeviceTime = deviceTime
		p.FixTime = deviceTime
	}

	if v := values.Get("valid"); v != "" {
		p.Valid = v == "true" || v == "1"
	}
	if v := values.Get("speed"); v != "" {
		if mps, err := strconv.ParseFloat(v, 64); err == nil {
			p.Speed = mps * model.KnotsPerMps
		}
	}
	if v := first(values, "course", "heading"); v != "" {
		if course, err := strconv.ParseFloat(v, 64); err == nil && course >= 0 && course < 360 {
			p.Course = course
		}
	}
	if v := first(values, "altitude", "alt"); v != "" {
		if altitude, err := strconv.ParseFloat(v, 64); err == nil {
			p.Altitude = altitude
		}
	}
	if v := first(values, "accuracy", "acc"); v != "" {
		if accuracy, err := strconv.ParseFloat(v, 64); err == nil {
			p.Accuracy = accuracy
		}
	}
	if v := values.Get("battery"); v != "" {
		if battery, err := strconv.ParseFloat(v, 64); err == nil {
			p.Attributes[model.AttrBattery] = battery
		}
	}
	if v := first(values, "motion", "is_moving"); v != "" {
		p.Attributes[model.AttrMotion] = v == "true" || v == "1"
	}
	if v := values.Get("event"); v != "" {
		p.Attributes[model.AttrEvent] = v
	}
	if v := values.Get("wifi"); v != "" {
		p.Attributes[model.AttrWifi] = v
	}
	if v := values.Get("cell"); v != "" {
		p.Attributes[model.AttrCell] = v
	}

	frame.Kind = protocol.KindPosition
	frame.Position = p
	return []protocol.Frame{frame}, nil
}

type jsonCoords struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     *float64 `json:"speed"`
	Heading   *float64 `json:"heading"`
	Altitude  *float64 `json:"altitude"`
	Accuracy  *float64 `json:"accuracy"`
}

type jsonLocation struct {
	Timestamp interface{} `json:"timestamp"`
	Event     string      `json:"event"`
	IsMoving  *bool       `json:"is_moving"`
	Coords    *jsonCoords `json:"coords"`
}

type jsonBody struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"device_id"`
	DeviceID2 string        `json:"deviceid"`
	Lat       *float64      `json:"lat"`
	Lon       *float64      `json:"lon"`
	Timestamp interface{}   `json:"timestamp"`
	Speed     *float64      `json:"speed"`
	Course    *float64      `json:"course"`
	Heading   *float64      `json:"heading"`
	Altitude  *float64      `json:"altitude"`
	Accuracy  *float64      `json:"accuracy"`
	Battery   *float64      `json:"battery"`
	Valid     *bool         `json:"valid"`
	Motion    *bool         `json:"motion"`
	IsMoving  *bool         `json:"is_moving"`
	Event     string        `json:"event"`
	Location  *jsonLocation `json:"location"`
}

func (d *Decoder) decodeJSON(data []byte) ([]protocol.Frame, error) {
	var body jsonBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, protocol.Malformed("bad json body: %v", err)
	}

	sourceID := body.ID
	if sourceID == "" {
		sourceID = body.DeviceID
	}
	if sourceID == "" {
		sourceID = body.DeviceID2
	}
	if sourceID == "" {
		return nil, protocol.Malformed("missing device id")
	}

	lat, lon := body.Lat, body.Lon
	speed, course, altitude, accuracy := body.Speed, body.Course, body.Altitude, body.Accuracy
	if course == nil {
		course = body.Heading
	}
	timestamp := body.Timestamp
	event := body.Event
	motion := body.Motion
	if motion == nil {
		motion = body.IsMoving
	}

	// fields may be wrapped under location.coords
	if body.Location != nil {
		if timestamp == nil {
			timestamp = body.Location.Timestamp
		}
		if event == "" {
			event = body.Location.Event
		}
		if motion == nil {
			motion = body.Location.IsMoving
		}
		if c := body.Location.Coords; c != nil {
			if lat == nil {
				lat = c.Latitude
			}
			if lon == nil {
				lon = c.Longitude
			}
			if speed == nil {
				speed = c.Speed
			}
			if course == nil {
				course = c.Heading
			}
			if altitude == nil {
				altitude = c.Altitude
			}
			if accuracy == nil {
				accuracy = c.Accuracy
			}
		}
	}

	frame := protocol.Frame{
		SourceID: sourceID,
		Protocol: ProtocolName,
		Raw:      append([]byte(nil), data...),
	}

	if lat == nil || lon == nil {
		frame.Kind = protocol.KindHeartbeat
		return []protocol.Frame{frame}, nil
	}

	p := &model.Position{
		Protocol:   ProtocolName,
		Latitude:   *lat,
		Longitude:  *lon,
		Valid:      true,
		Attributes: model.Attributes{},
	}
	if body.Valid != nil {
		p.Valid = *body.Valid
	}
	if timestamp != nil {
		deviceTime, err := parseJSONTimestamp(timestamp)
		if err != nil {
			return nil, protocol.Malformed("bad timestamp %v", timestamp)
		}
		p.DeviceTime = deviceTime
		p.FixTime = deviceTime
	}
	if speed != nil {
		p.Speed = *speed * model.KnotsPerMps
	}
	if course != nil && *course >= 0 && *course < 360 {
		p.Course = *course
	}
	if altitude != nil {
		p.Altitude = *altitude
	}
	if accuracy != nil {
		p.Accuracy = *accuracy
	}
	if body.Battery != nil {
		p.Attributes[model.AttrBattery] = *body.Battery
	}
	if motion != nil {
		p.Attributes[model.AttrMotion] = *motion
	}
	if event != "" {
		p.Attributes[model.AttrEvent] = event
	}

	frame.Kind = protocol.KindPosition
	frame.Position = p
	return []protocol.Frame{frame}, nil
}

// parseTimestamp accepts decimal seconds, milliseconds since epoch, or
// ISO-8601.
func parseTimestamp(s string) (time.Time, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToTime(v), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseJSONTimestamp(v interface{}) (time.Time, error) {
	switch ts := v.(type) {
	case float64:
		return epochToTime(ts), nil
	case string:
		return parseTimestamp(ts)
	}
	return time.Time{}, protocol.Malformed("unsupported timestamp type %T", v)
}

func epochToTime(v float64) time.Time {
	// values beyond year 5000 in seconds are taken as milliseconds
	if v > 1e11 {
		v /= 1000
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func first(values url.Values, keys ...string) string {
	for _, k := range keys {
		if v := values.Get(k); v != "" {
			return v
		}
	}
	return ""
}
