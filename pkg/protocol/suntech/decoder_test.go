package suntech

import (
	"bufio"
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/pkg/model"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

func TestDecodeUniversal(t *testing.T) {
	raw := "ST300STT;907126119;04;1097B;20250908;12:44:33;33e530;-03.843813;-038.615475;000.013;000.00;11;1;26663840;14.07;000000;1;0019;295746;0.0;0;0;00000000000000;0"

	d := NewDecoder()
	frames, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	f := frames[0]
	assert.Equal(t, "907126119", f.SourceID)
	assert.Equal(t, protocol.KindPosition, f.Kind)

	p := f.Position
	require.NotNil(t, p)
	assert.True(t, p.Valid)
	assert.InDelta(t, -3.843813, p.Latitude, 1e-9)
	assert.InDelta(t, -38.615475, p.Longitude, 1e-9)
	assert.InDelta(t, 0.007, p.Speed, 1e-3)
	assert.Equal(t, time.Date(2025, 9, 8, 12, 44, 33, 0, time.UTC), p.DeviceTime)

	sats, ok := p.Attributes.Float(model.AttrSatellites)
	require.True(t, ok)
	assert.Equal(t, 11, int(sats))

	ignition, ok := p.Attributes.Bool(model.AttrIgnition)
	require.True(t, ok)
	assert.False(t, ignition)

	power, ok := p.Attributes.Float(model.AttrPower)
	require.True(t, ok)
	assert.InDelta(t, 14.07, power, 1e-9)
}

func TestDecodeLegacy(t *testing.T) {
	raw := "907126119;04;20250908;12:44:33;33e530;-03.843813;-038.615475;010.000;123.40;08;1;26663840;13.10;000001;1;0020"

	frames, err := NewDecoder().Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	p := frames[0].Position
	assert.Equal(t, "907126119", frames[0].SourceID)
	assert.InDelta(t, 10*model.KnotsPerKmh, p.Speed, 1e-4)
	assert.InDelta(t, 123.4, p.Course, 1e-9)

	ignition, ok := p.Attributes.Bool(model.AttrIgnition)
	require.True(t, ok)
	assert.True(t, ignition)
}

func TestDecodeAlert(t *testing.T) {
	raw := "ST300ALT;907126119;04;1097B;20250908;12:44:33;33e530;-03.843813;-038.615475;000.000;000.00;11;1;26663840;14.07;000000;1;0019"

	frames, err := NewDecoder().Decode([]byte(raw))
	require.NoError(t, err)

	p := frames[0].Position
	alarm, ok := p.Attributes.String(model.AttrAlarm)
	require.True(t, ok)
	assert.Equal(t, "sos", alarm)
}

func TestSpeedConversion(t *testing.T) {
	// 10 km/h must store as 5.39957 knots
	raw := "907126119;04;20250908;12:00:00;0;10.0;20.0;010.000;000.00;08;1;0;12.00;000000;1;0001"

	frames, err := NewDecoder().Decode([]byte(raw))
	require.NoError(t, err)
	assert.True(t, math.Abs(frames[0].Position.Speed-5.39957) < 1e-4)
}

func TestZeroCoordinatesInvalid(t *testing.T) {
	raw := "907126119;04;20250908;12:00:00;0;0.0;0.0;000.000;000.00;08;1;0;12.00;000000;1;0001"

	frames, err := NewDecoder().Decode([]byte(raw))
	require.NoError(t, err)
	assert.False(t, frames[0].Position.Valid)
}

func TestDecodeBatched(t *testing.T) {
	raw := "907126119;04;20250908;12:00:00;0;10.0;20.0;001.000;000.00;08;1;0;12.00;000000;1;0001\r" +
		"907126119;04;20250908;12:00:10;0;10.1;20.1;002.000;000.00;08;1;0;12.00;000000;1;0002\r"

	frames, err := NewDecoder().Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.True(t, frames[1].Position.DeviceTime.After(frames[0].Position.DeviceTime))
}

func TestDecodeErrors(t *testing.T) {
	d := NewDecoder()

	_, err := d.Decode([]byte("\r\n"))
	assert.ErrorIs(t, err, protocol.ErrEmpty)

	_, err = d.Decode([]byte("GARBAGE;frame"))
	assert.ErrorIs(t, err, protocol.ErrUnsupportedVariant)

	_, err = d.Decode([]byte("ST300STT;907126119;04"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	_, err = d.Decode([]byte("907126119;04;20250908;badtime;0;10.0;20.0;001.000;000.00;08;1;0;12.00;000000;1;0001"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestSplit(t *testing.T) {
	input := "frame-one\rframe-two\nframe-three"

	scanner := bufio.NewScanner(bytes.NewReader([]byte(input)))
	scanner.Split(NewDecoder().Split())

	var tokens []string
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"frame-one", "frame-two", "frame-three"}, tokens)
}
