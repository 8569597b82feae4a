package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

func TestMemStoreDevices(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	d := &model.Device{UniqueID: "907126119", Protocol: "suntech", Name: "truck-1"}
	require.NoError(t, s.AddDevice(ctx, d))
	require.NotZero(t, d.ID)

	// duplicate unique id is rejected
	err := s.AddDevice(ctx, &model.Device{UniqueID: "907126119"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.DeviceByUniqueID(ctx, "907126119")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, model.StatusUnknown, got.Status)

	_, err = s.DeviceByUniqueID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateDeviceSummary(ctx, d.ID, DeviceSummary{
		Status:        model.StatusOnline,
		LastSeen:      now,
		TotalDistance: 1500,
		Motion:        true,
	}))
	got, err = s.DeviceByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, got.Status)
	assert.Equal(t, 1500.0, got.TotalDistance)
	assert.True(t, got.Motion)
}

func TestMemStoreUnknownDevices(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	now := time.Now().UTC()
	u, err := s.UpsertUnknownDevice(ctx, &model.UnknownDevice{
		UniqueID: "999000111", Protocol: "suntech", Port: 5011, FirstSeen: now, LastSeen: now,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, u.ConnectionCount)

	later := now.Add(time.Minute)
	u, err = s.UpsertUnknownDevice(ctx, &model.UnknownDevice{
		UniqueID: "999000111", Protocol: "suntech", Port: 5011, LastSeen: later, LastRawFrame: "ST300STT;...",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, u.ConnectionCount)
	assert.Equal(t, later, u.LastSeen)
	assert.Equal(t, "ST300STT;...", u.LastRawFrame)

	// same unique id on another protocol is a distinct record
	u2, err := s.UpsertUnknownDevice(ctx, &model.UnknownDevice{
		UniqueID: "999000111", Protocol: "osmand", LastSeen: later,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, u2.ConnectionCount)

	d := &model.Device{UniqueID: "999000111", Protocol: "suntech"}
	require.NoError(t, s.AddDevice(ctx, d))
	require.NoError(t, s.AdoptUnknownDevice(ctx, "999000111", "suntech", d.ID))

	all, err := s.UnknownDevices(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Registered)
	assert.Equal(t, d.ID, all[0].DeviceID)
	assert.False(t, all[1].Registered)
}

func TestMemStorePositionIdempotence(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	p := &model.Position{
		DeviceID:   7,
		DeviceTime: time.Date(2025, 9, 8, 12, 44, 33, 0, time.UTC),
		Latitude:   -3.843813,
		Longitude:  -38.615475,
		Valid:      true,
	}
	id1, err := s.InsertPosition(ctx, p)
	require.NoError(t, err)

	// retransmission of the same logical sample returns the original id
	id2, err := s.InsertPosition(ctx, &model.Position{
		DeviceID:   7,
		DeviceTime: p.DeviceTime,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Valid:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	last, err := s.LastPosition(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, id1, last.ID)

	// a later sample replaces the last position
	id3, err := s.InsertPosition(ctx, &model.Position{
		DeviceID:   7,
		DeviceTime: p.DeviceTime.Add(10 * time.Second),
		Latitude:   -3.84,
		Longitude:  -38.61,
		Valid:      true,
	})
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)

	last, err = s.LastPosition(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, id3, last.ID)
}

func TestMemStoreCommandTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	cmd := &model.Command{
		ID:        "cmd-1",
		DeviceID:  7,
		Type:      model.CommandReboot,
		Status:    model.CommandPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertCommand(ctx, cmd))
	assert.ErrorIs(t, s.InsertCommand(ctx, cmd), ErrConflict)

	at := time.Now().UTC()
	payload := "REBOOT"
	require.NoError(t, s.UpdateCommandStatus(ctx, "cmd-1", model.CommandPending, model.CommandSent, CommandUpdate{
		Payload: &payload,
		At:      at,
	}))

	// a second racing PENDING -> SENT transition must lose
	err := s.UpdateCommandStatus(ctx, "cmd-1", model.CommandPending, model.CommandSent, CommandUpdate{})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.CommandByID(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, model.CommandSent, got.Status)
	assert.Equal(t, "REBOOT", got.Payload)
	assert.Equal(t, at, got.SentAt)

	resp := "OK"
	require.NoError(t, s.UpdateCommandStatus(ctx, "cmd-1", model.CommandSent, model.CommandExecuted, CommandUpdate{
		Response: &resp,
		At:       at.Add(time.Second),
	}))
	got, err = s.CommandByID(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "OK", got.Response)
	assert.False(t, got.DoneAt.IsZero())
}

func TestMemStoreNextDueCommands(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	entries := []*model.QueueEntry{
		{CommandID: "low-old", DeviceID: 1, Priority: model.PriorityLow, EnqueuedAt: now.Add(-3 * time.Minute), Active: true},
		{CommandID: "high", DeviceID: 2, Priority: model.PriorityHigh, EnqueuedAt: now.Add(-time.Minute), Active: true},
		{CommandID: "normal", DeviceID: 3, Priority: model.PriorityNormal, EnqueuedAt: now.Add(-2 * time.Minute), Active: true},
		{CommandID: "backoff", DeviceID: 4, Priority: model.PriorityCritical, EnqueuedAt: now.Add(-time.Minute), NextAt: now.Add(time.Minute), Active: true},
		{CommandID: "deferred", DeviceID: 5, Priority: model.PriorityCritical, EnqueuedAt: now, EarliestAt: now.Add(time.Hour), Active: true},
		{CommandID: "inactive", DeviceID: 6, Priority: model.PriorityCritical, EnqueuedAt: now, Active: false},
	}
	for _, e := range entries {
		require.NoError(t, s.UpsertQueueEntry(ctx, e))
	}

	due, err := s.NextDueCommands(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "high", due[0].CommandID)
	assert.Equal(t, "normal", due[1].CommandID)
	assert.Equal(t, "low-old", due[2].CommandID)

	require.NoError(t, s.DeactivateQueueEntry(ctx, "high"))
	due, err = s.NextDueCommands(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "normal", due[0].CommandID)
}

func TestMemStoreGeofences(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	g := &model.Geofence{
		Name: "depot",
		Geometry: model.Geometry{
			Type:   model.GeometryCircle,
			Center: model.LatLng{Lat: 10, Lng: 20},
			Radius: 100,
		},
	}
	require.NoError(t, s.UpsertGeofence(ctx, g))
	assert.Equal(t, int64(1), g.Version)

	g.Name = "depot-2"
	require.NoError(t, s.UpsertGeofence(ctx, g))
	assert.Equal(t, int64(2), g.Version)

	// invalid geometry rejected
	err := s.UpsertGeofence(ctx, &model.Geofence{Geometry: model.Geometry{Type: model.GeometryPolygon}})
	assert.Error(t, err)

	g2 := &model.Geofence{
		Name:     "off",
		Disabled: true,
		Geometry: model.Geometry{Type: model.GeometryCircle, Center: model.LatLng{Lat: 1, Lng: 1}, Radius: 5},
	}
	require.NoError(t, s.UpsertGeofence(ctx, g2))

	active, err := s.ActiveGeofences(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "depot-2", active[0].Name)
}

func TestMemStoreRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	for i, age := range []time.Duration{-100 * 24 * time.Hour, -time.Hour} {
		_, err := s.InsertPosition(ctx, &model.Position{
			DeviceID:   int64(i + 1),
			ServerTime: now.Add(age),
			DeviceTime: now.Add(age),
			Latitude:   float64(i + 1),
			Longitude:  float64(i + 1),
		})
		require.NoError(t, err)
		_, err = s.InsertEvent(ctx, &model.Event{Type: model.EventDeviceMoving, EventTime: now.Add(age)})
		require.NoError(t, err)
	}

	cutoff := now.AddDate(0, 0, -90)
	deleted, err := s.DeletePositionsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = s.DeleteEventsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, s.Events(), 1)
}
