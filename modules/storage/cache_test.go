package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

func newTestCache(t *testing.T) (*CachedStore, *MemStore) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	mem := NewMemStore()
	c := NewCachedStore(mem, CacheConfig{
		Endpoint:   mr.Addr(),
		Expiration: time.Minute,
	}, log.NewNopLogger())
	t.Cleanup(func() { _ = c.client.Close() })
	return c, mem
}

func TestCachedStoreDeviceReadThrough(t *testing.T) {
	ctx := context.Background()
	c, mem := newTestCache(t)

	d := &model.Device{UniqueID: "907126119", Protocol: "suntech"}
	require.NoError(t, c.AddDevice(ctx, d))

	// first read fills the cache
	got, err := c.DeviceByUniqueID(ctx, "907126119")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	// served from cache even if the backing row mutates out of band
	require.NoError(t, mem.UpdateDeviceSummary(ctx, d.ID, DeviceSummary{Status: model.StatusOnline}))
	got, err = c.DeviceByUniqueID(ctx, "907126119")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknown, got.Status)

	// a summary update through the cache invalidates
	require.NoError(t, c.UpdateDeviceSummary(ctx, d.ID, DeviceSummary{Status: model.StatusOffline}))
	got, err = c.DeviceByUniqueID(ctx, "907126119")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, got.Status)
}

func TestCachedStoreLastPosition(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	_, err := c.LastPosition(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	p := &model.Position{
		DeviceID:   7,
		DeviceTime: time.Date(2025, 9, 8, 12, 44, 33, 0, time.UTC),
		ServerTime: time.Now().UTC(),
		Latitude:   -3.843813,
		Longitude:  -38.615475,
		Valid:      true,
		Attributes: model.Attributes{model.AttrIgnition: true},
	}
	id, err := c.InsertPosition(ctx, p)
	require.NoError(t, err)

	got, err := c.LastPosition(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, p.Latitude, got.Latitude)
	assert.True(t, got.Ignition())
}

func TestCachedStoreDegradesWithoutRedis(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	d := &model.Device{UniqueID: "555", Protocol: "osmand"}
	require.NoError(t, c.AddDevice(ctx, d))

	// kill the cache client; reads must still come back from the store
	require.NoError(t, c.client.Close())

	got, err := c.DeviceByUniqueID(ctx, "555")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
}
