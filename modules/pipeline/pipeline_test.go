package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/modules/events"
	"github.com/fleetwatch/fleetwatch/modules/geofence"
	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/model"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
	"github.com/fleetwatch/fleetwatch/pkg/protocol/suntech"
)

type capturePublisher struct {
	positions []*model.Position
	events    []*model.Event
	devices   []*model.Device
}

func (c *capturePublisher) PublishPosition(p *model.Position, _ *model.Device) {
	c.positions = append(c.positions, p)
}
func (c *capturePublisher) PublishEvent(e *model.Event)         { c.events = append(c.events, e) }
func (c *capturePublisher) PublishDeviceStatus(d *model.Device) { c.devices = append(c.devices, d) }

type testPipeline struct {
	p     *Pipeline
	store *storage.MemStore
	pub   *capturePublisher
}

func newTestPipeline(t *testing.T, fences ...*model.Geofence) *testPipeline {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemStore()
	for _, g := range fences {
		require.NoError(t, store.UpsertGeofence(ctx, g))
	}

	logger := log.NewNopLogger()
	idx := geofence.New(geofence.Config{RefreshInterval: time.Hour}, store, logger)
	require.NoError(t, services.StartAndAwaitRunning(ctx, idx))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(ctx, idx) })

	engine := events.NewEngine(events.Config{
		DedupWindow:          5 * time.Minute,
		DefaultSpeedLimitKmh: 80,
	})
	reg := registry.New(registry.Config{}, store, registry.NopPublisher{}, logger)
	pub := &capturePublisher{}

	p := New(Config{
		Partitions: 1,
		QueueSize:  64,
		Backoff: backoff.Config{
			MinBackoff: time.Millisecond,
			MaxBackoff: time.Millisecond,
			MaxRetries: 2,
		},
	}, store, reg, idx, engine, pub, logger)
	require.NoError(t, p.starting(ctx))

	return &testPipeline{p: p, store: store, pub: pub}
}

// feed routes one frame and processes it synchronously.
func (tp *testPipeline) feed(t *testing.T, frame protocol.Frame, obs registry.Observation) registry.Resolution {
	t.Helper()
	ctx := context.Background()
	res, err := tp.p.Ingest(ctx, frame, obs)
	require.NoError(t, err)
	tp.p.process(ctx, <-tp.p.queues[0])
	return res
}

func positionFrame(uniqueID string, at time.Time, lat, lon, speedKmh float64, attrs model.Attributes) protocol.Frame {
	return protocol.Frame{
		SourceID: uniqueID,
		Protocol: "suntech",
		Kind:     protocol.KindPosition,
		Position: &model.Position{
			DeviceTime: at,
			FixTime:    at,
			Valid:      true,
			Latitude:   lat,
			Longitude:  lon,
			Speed:      speedKmh * model.KnotsPerKmh,
			Attributes: attrs,
		},
	}
}

const seedFrame = `ST300STT;907126119;04;1097B;20250908;12:44:33;33e530;-03.843813;-038.615475;000.013;000.00;11;1;26663840;14.07;000000;1;0019;295746;0.0;0;0;00000000000000;0`

func TestSuntechOnboarding(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	frames, err := suntech.NewDecoder().Decode([]byte(seedFrame))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	res := tp.feed(t, frames[0], registry.Observation{Port: 5011, RawFrame: seedFrame})
	require.True(t, res.IsUnknown())

	unknown, err := tp.store.UnknownDevices(ctx)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Equal(t, "907126119", unknown[0].UniqueID)
	assert.Equal(t, "suntech", unknown[0].Protocol)
	assert.Equal(t, 5011, unknown[0].Port)

	require.Len(t, tp.pub.positions, 1)
	p := tp.pub.positions[0]
	assert.Equal(t, unknown[0].ID, p.UnknownDeviceID)
	assert.InDelta(t, -3.843813, p.Latitude, 1e-9)
	assert.InDelta(t, -38.615475, p.Longitude, 1e-9)
	assert.InDelta(t, 0.007, p.Speed, 1e-3)
	sats, _ := p.Attributes.Float(model.AttrSatellites)
	assert.Equal(t, 11.0, sats)
	assert.False(t, p.Ignition())
	power, _ := p.Attributes.Float(model.AttrPower)
	assert.Equal(t, 14.07, power)

	// no derived events beyond the unknown-device observation
	for _, e := range tp.store.Events() {
		assert.Equal(t, model.EventDeviceUnknown, e.Type)
	}
}

func TestGeofenceEnterExitDedup(t *testing.T) {
	tp := newTestPipeline(t, &model.Geofence{
		Name: "zone",
		Geometry: model.Geometry{
			Type:   model.GeometryCircle,
			Center: model.LatLng{Lat: -23.55, Lng: -46.63},
			Radius: 500,
		},
	})

	ctx := context.Background()
	d := &model.Device{UniqueID: "D", Protocol: "suntech"}
	require.NoError(t, tp.store.AddDevice(ctx, d))

	t0 := time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC)
	outside, inside := -23.56, -23.5505
	lats := []float64{outside, inside, inside, outside, inside}
	for i, lat := range lats {
		tp.feed(t, positionFrame("D", t0.Add(time.Duration(i)*time.Minute), lat, -46.63, 10, nil), registry.Observation{})
	}

	var geofenceEvents []model.EventType
	for _, e := range tp.store.Events() {
		if e.Type == model.EventGeofenceEnter || e.Type == model.EventGeofenceExit {
			geofenceEvents = append(geofenceEvents, e.Type)
		}
	}
	// enter at B, exit at D; the re-enter at E is inside the dedup window
	assert.Equal(t, []model.EventType{model.EventGeofenceEnter, model.EventGeofenceExit}, geofenceEvents)
}

func TestAccumulators(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	d := &model.Device{UniqueID: "D", Protocol: "suntech"}
	require.NoError(t, tp.store.AddDevice(ctx, d))

	on := model.Attributes{model.AttrIgnition: true}
	t0 := time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC)

	tp.feed(t, positionFrame("D", t0, -23.55, -46.63, 30, on.Clone()), registry.Observation{})
	tp.feed(t, positionFrame("D", t0.Add(time.Minute), -23.551, -46.63, 30, on.Clone()), registry.Observation{})

	got, err := tp.store.DeviceByID(ctx, d.ID)
	require.NoError(t, err)
	// ~111 m per 0.001 deg of latitude
	assert.InDelta(t, 111.2, got.TotalDistance, 1)
	assert.Equal(t, 60.0, got.Hours)
	assert.Equal(t, model.StatusOnline, got.Status)
	assert.True(t, got.Motion)

	last, err := tp.store.LastPosition(ctx, d.ID)
	require.NoError(t, err)
	dist, _ := last.Attributes.Float(model.AttrDistance)
	assert.InDelta(t, 111.2, dist, 1)
}

func TestAccumulatorsMidnightRollover(t *testing.T) {
	run := func(t0 time.Time) (float64, float64) {
		ctx := context.Background()
		tp := newTestPipeline(t)
		d := &model.Device{UniqueID: "D", Protocol: "suntech"}
		require.NoError(t, tp.store.AddDevice(ctx, d))

		on := model.Attributes{model.AttrIgnition: true}
		tp.feed(t, positionFrame("D", t0, -23.55, -46.63, 30, on.Clone()), registry.Observation{})
		tp.feed(t, positionFrame("D", t0.Add(2*time.Minute), -23.552, -46.63, 30, on.Clone()), registry.Observation{})

		got, err := tp.store.DeviceByID(ctx, d.ID)
		require.NoError(t, err)
		return got.TotalDistance, got.Hours
	}

	// a pair straddling midnight UTC accumulates the same as a pair at noon
	noonDist, noonHours := run(time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC))
	midnightDist, midnightHours := run(time.Date(2025, 9, 8, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, noonDist, midnightDist)
	assert.Equal(t, noonHours, midnightHours)
}

func TestReingestIdempotence(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	d := &model.Device{UniqueID: "907126119", Protocol: "suntech"}
	require.NoError(t, tp.store.AddDevice(ctx, d))

	decode := func() protocol.Frame {
		frames, err := suntech.NewDecoder().Decode([]byte(seedFrame))
		require.NoError(t, err)
		return frames[0]
	}
	tp.feed(t, decode(), registry.Observation{})
	tp.feed(t, decode(), registry.Observation{})

	first, err := tp.store.LastPosition(ctx, d.ID)
	require.NoError(t, err)

	// the retransmission mapped onto the same logical position
	got, err := tp.store.DeviceByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.LastPositionID)
	assert.Zero(t, got.TotalDistance)
}

func TestInvalidCoordinatesDropped(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	d := &model.Device{UniqueID: "D", Protocol: "suntech"}
	require.NoError(t, tp.store.AddDevice(ctx, d))

	frame := positionFrame("D", time.Now().UTC(), 0, 0, 10, nil)
	frame.Position.Valid = false
	tp.feed(t, frame, registry.Observation{})

	_, err := tp.store.LastPosition(ctx, d.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, tp.pub.positions)
}

func TestPartitionStability(t *testing.T) {
	tp := newTestPipeline(t)
	tp.p.queues = make([]chan work, 8)

	first := tp.p.partition("907126119")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, tp.p.partition("907126119"))
	}
}
