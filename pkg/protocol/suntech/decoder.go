// Package suntech decodes the Suntech ST family: semicolon-delimited ASCII
// frames on a stream transport. Two variants are handled, the universal form
// with an STxxx header and the source ID in field 1, and the legacy form with
// the source ID in field 0.
package suntech

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fleetwatch/fleetwatch/pkg/model"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

const ProtocolName = "suntech"

var headerPattern = regexp.MustCompile(`^ST\d+(STT|ALT|EMG)$`)

type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Protocol() string {
	return ProtocolName
}

// Split frames on CR/LF. The remainder at EOF is treated as one frame so
// trackers that omit the trailing delimiter still decode.
func (d *Decoder) Split() bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

func (d *Decoder) Decode(data []byte) ([]protocol.Frame, error) {
	var frames []protocol.Frame
	for _, line := range bytes.FieldsFunc(data, func(r rune) bool { return r == '\r' || r == '\n' }) {
		frame, err := d.decodeLine(line)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return nil, protocol.ErrEmpty
	}
	return frames, nil
}

// stripControl removes control characters before the field split.
func stripControl(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		if c >= 0x20 && c < 0x7f {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (d *Decoder) decodeLine(line []byte) (protocol.Frame, error) {
	fields := strings.Split(stripControl(line), ";")
	if len(fields) < 2 {
		return protocol.Frame{}, protocol.Malformed("too few fields: %d", len(fields))
	}

	var (
		frameType string
		sourceID  string
		body      []string
	)
	if m := headerPattern.FindStringSubmatch(fields[0]); m != nil {
		// universal: header;id;sw;hw;date;time;...
		if len(fields) < 18 {
			return protocol.Frame{}, protocol.Malformed("universal frame too short: %d fields", len(fields))
		}
		frameType = m[1]
		sourceID = fields[1]
		body = fields[4:]
	} else if isDigits(fields[0]) {
		// legacy: id;sw;date;time;...
		if len(fields) < 16 {
			return protocol.Frame{}, protocol.Malformed("legacy frame too short: %d fields", len(fields))
		}
		frameType = "STT"
		sourceID = fields[0]
		body = fields[2:]
	} else {
		return protocol.Frame{}, protocol.ErrUnsupportedVariant
	}

	position, err := d.decodeBody(frameType, body)
	if err != nil {
		return protocol.Frame{}, err
	}
	position.Protocol = ProtocolName

	return protocol.Frame{
		SourceID: sourceID,
		Protocol: ProtocolName,
		Kind:     protocol.KindPosition,
		Position: position,
		Raw:      append([]byte(nil), line...),
	}, nil
}

// body layout, both variants:
// date;time;cell;lat;lon;speed;course;sats;fix;odometer;power;io;mode;seq;...
// ALT frames carry the alarm code in the mode slot.
func (d *Decoder) decodeBody(frameType string, f []string) (*model.Position, error) {
	if len(f) < 14 {
		return nil, protocol.Malformed("body too short: %d fields", len(f))
	}

	deviceTime, err := parseTimestamp(f[0], f[1])
	if err != nil {
		return nil, protocol.Malformed("bad timestamp %q %q", f[0], f[1])
	}

	lat, err1 := strconv.ParseFloat(f[3], 64)
	lon, err2 := strconv.ParseFloat(f[4], 64)
	if err1 != nil || err2 != nil {
		return nil, protocol.Malformed("bad coordinates %q %q", f[3], f[4])
	}

	speedKmh, err := strconv.ParseFloat(f[5], 64)
	if err != nil {
		return nil, protocol.Malformed("bad speed %q", f[5])
	}
	course, err := strconv.ParseFloat(f[6], 64)
	if err != nil {
		return nil, protocol.Malformed("bad course %q", f[6])
	}
	for course >= 360 {
		course -= 360
	}

	p := &model.Position{
		DeviceTime: deviceTime,
		FixTime:    deviceTime,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speedKmh * model.KnotsPerKmh,
		Course:     course,
		Attributes: model.Attributes{},
	}

	p.Valid = f[8] == "1"
	if lat == 0 && lon == 0 {
		p.Valid = false
	}

	if sats, err := strconv.Atoi(f[7]); err == nil {
		p.Attributes[model.AttrSatellites] = sats
	}
	if odometer, err := strconv.ParseFloat(f[9], 64); err == nil {
		p.Attributes[model.AttrOdometer] = odometer
	}
	if power, err := strconv.ParseFloat(f[10], 64); err == nil {
		p.Attributes[model.AttrPower] = power
	}
	if io, err := strconv.ParseUint(f[11], 2, 64); err == nil {
		p.Attributes[model.AttrInput] = io
		p.Attributes[model.AttrIgnition] = io&1 == 1
	}

	switch frameType {
	case "ALT":
		code, err := strconv.Atoi(f[12])
		if err != nil {
			return nil, protocol.Malformed("bad alert code %q", f[12])
		}
		p.Attributes[model.AttrEvent] = code
		if name, ok := alarmName(code); ok {
			p.Attributes[model.AttrAlarm] = name
		}
	case "EMG":
		p.Attributes[model.AttrAlarm] = "sos"
	}

	if seq, err := strconv.Atoi(f[13]); err == nil {
		p.Attributes[model.AttrIndex] = seq
	}

	return p, nil
}

func parseTimestamp(date, clock string) (time.Time, error) {
	return time.Parse("20060102 15:04:05", date+" "+clock)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
