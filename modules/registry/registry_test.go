package registry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/model"
)

type capturePublisher struct {
	unknown []*model.UnknownDevice
	devices []*model.Device
}

func (c *capturePublisher) PublishUnknownDevice(u *model.UnknownDevice) { c.unknown = append(c.unknown, u) }
func (c *capturePublisher) PublishDeviceStatus(d *model.Device)        { c.devices = append(c.devices, d) }

func newTestRegistry(t *testing.T) (*Registry, *storage.MemStore, *capturePublisher) {
	t.Helper()
	store := storage.NewMemStore()
	pub := &capturePublisher{}
	r := New(Config{NegativeTTL: 30 * time.Second}, store, pub, log.NewNopLogger())
	return r, store, pub
}

func TestResolveRegisteredDevice(t *testing.T) {
	ctx := context.Background()
	r, store, pub := newTestRegistry(t)

	d := &model.Device{UniqueID: "907126119", Protocol: "suntech"}
	require.NoError(t, store.AddDevice(ctx, d))

	res, err := r.Resolve(ctx, "907126119", "suntech", Observation{Port: 5011})
	require.NoError(t, err)
	assert.False(t, res.IsUnknown())
	assert.Equal(t, d.ID, res.Device.ID)
	assert.Empty(t, pub.unknown)
}

func TestResolveUnknownDevice(t *testing.T) {
	ctx := context.Background()
	r, store, pub := newTestRegistry(t)

	res, err := r.Resolve(ctx, "999000111", "suntech", Observation{
		Port:     5011,
		RawFrame: "ST300STT;999000111;...",
	})
	require.NoError(t, err)
	require.True(t, res.IsUnknown())
	assert.Equal(t, 1, res.Unknown.ConnectionCount)

	// first observation emits a deviceUnknown event and a hub delta
	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventDeviceUnknown, events[0].Type)
	require.Len(t, pub.unknown, 1)

	// second frame only bumps the counters
	res, err = r.Resolve(ctx, "999000111", "suntech", Observation{Port: 5011})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Unknown.ConnectionCount)
	assert.Len(t, store.Events(), 1)
	assert.Len(t, pub.unknown, 2)
}

func TestResolveNegativeCacheExpiry(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry(t)

	now := time.Now().UTC()
	r.now = func() time.Time { return now }

	res, err := r.Resolve(ctx, "42", "osmand", Observation{})
	require.NoError(t, err)
	require.True(t, res.IsUnknown())

	// device registered out of band; the cached negative result still wins
	require.NoError(t, store.AddDevice(ctx, &model.Device{UniqueID: "42", Protocol: "osmand"}))
	res, err = r.Resolve(ctx, "42", "osmand", Observation{})
	require.NoError(t, err)
	assert.True(t, res.IsUnknown())

	// after the TTL the store is consulted again
	now = now.Add(time.Minute)
	res, err = r.Resolve(ctx, "42", "osmand", Observation{})
	require.NoError(t, err)
	assert.False(t, res.IsUnknown())
}

func TestAdopt(t *testing.T) {
	ctx := context.Background()
	r, store, pub := newTestRegistry(t)

	_, err := r.Resolve(ctx, "907126119", "suntech", Observation{Port: 5011})
	require.NoError(t, err)

	d, err := r.Adopt(ctx, "907126119", "suntech", 0, "truck-1")
	require.NoError(t, err)
	assert.Equal(t, "truck-1", d.Name)
	require.Len(t, pub.devices, 1)

	unknown, err := store.UnknownDevices(ctx)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.True(t, unknown[0].Registered)
	assert.Equal(t, d.ID, unknown[0].DeviceID)

	// the next frame resolves to the adopted device immediately
	res, err := r.Resolve(ctx, "907126119", "suntech", Observation{})
	require.NoError(t, err)
	assert.False(t, res.IsUnknown())
}

func TestAdoptHandler(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	_, err := r.Resolve(ctx, "555", "osmand", Observation{})
	require.NoError(t, err)

	router := mux.NewRouter()
	r.RegisterRoutes(router)

	body := bytes.NewBufferString(`{"uniqueId":"555","protocol":"osmand","name":"scooter"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/unknown-devices/adopt", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var d model.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "scooter", d.Name)

	// unknown identity 404s
	body = bytes.NewBufferString(`{"uniqueId":"nope","protocol":"osmand"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/unknown-devices/adopt", body)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
