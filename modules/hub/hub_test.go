package hub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

func newTestHub() *Hub {
	return New(Config{
		SendBuffer:   4,
		IdleTimeout:  5 * time.Minute,
		ReapInterval: time.Minute,
		WriteTimeout: time.Second,
		ReadLimit:    64 * 1024,
	}, log.NewNopLogger())
}

// addSession attaches a bare session with no socket. The writer never runs,
// so tests inspect s.out directly.
func addSession(h *Hub, buffer int, topics ...string) *session {
	s := &session{
		id:       uuid.NewString(),
		out:      make(chan []byte, buffer),
		logger:   h.logger,
		lastSeen: h.now(),
		topics:   map[string]struct{}{},
	}
	h.mtx.Lock()
	h.sessions[s.id] = s
	h.mtx.Unlock()
	for _, t := range topics {
		h.subscribe(s, t)
	}
	return s
}

func drain(s *session) []envelope {
	var out []envelope
	for {
		select {
		case raw := <-s.out:
			var e envelope
			if err := json.Unmarshal(raw, &e); err == nil {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}

func TestTopicScoping(t *testing.T) {
	h := newTestHub()

	perDevice := addSession(h, 16, "device:1")
	aggregate := addSession(h, 16, "positions")
	other := addSession(h, 16, "device:2")
	both := addSession(h, 16, "positions", "device:1")

	h.PublishPosition(&model.Position{DeviceID: 1}, &model.Device{ID: 1})

	assert.Len(t, drain(perDevice), 1)
	assert.Len(t, drain(aggregate), 1)
	assert.Empty(t, drain(other))
	// an overlapping subscription still yields exactly one copy
	assert.Len(t, drain(both), 1)
}

func TestEventRouting(t *testing.T) {
	h := newTestHub()

	events := addSession(h, 16, "events")
	fences := addSession(h, 16, "geofences")
	device := addSession(h, 16, "device:7")

	h.PublishEvent(&model.Event{Type: model.EventGeofenceEnter, DeviceID: 7, GeofenceID: 3})

	require.Len(t, drain(events), 1)
	require.Len(t, drain(fences), 1)
	require.Len(t, drain(device), 1)

	// a non-geofence event skips the geofence topic
	h.PublishEvent(&model.Event{Type: model.EventIgnitionOn, DeviceID: 7})
	assert.Len(t, drain(events), 1)
	assert.Empty(t, drain(fences))
}

func TestUnsubscribe(t *testing.T) {
	h := newTestHub()
	s := addSession(h, 16, "devices")

	h.PublishDeviceStatus(&model.Device{ID: 9})
	require.Len(t, drain(s), 1)

	h.unsubscribe(s, "devices")
	h.PublishDeviceStatus(&model.Device{ID: 9})
	assert.Empty(t, drain(s))
}

func TestOverflowDropsSession(t *testing.T) {
	h := newTestHub()

	// slow consumer with a tiny buffer and no writer draining it
	slow := addSession(h, 2, "positions")
	healthy := addSession(h, 64, "positions")

	for i := 0; i < 10; i++ {
		h.PublishPosition(&model.Position{DeviceID: 1}, &model.Device{ID: 1})
	}

	h.mtx.RLock()
	_, slowAlive := h.sessions[slow.id]
	_, healthyAlive := h.sessions[healthy.id]
	h.mtx.RUnlock()

	assert.False(t, slowAlive)
	assert.True(t, healthyAlive)
	// the healthy session saw every publish
	assert.Len(t, drain(healthy), 10)

	// publishing continues unimpeded after the drop
	h.PublishPosition(&model.Position{DeviceID: 1}, &model.Device{ID: 1})
	assert.Len(t, drain(healthy), 1)
}

func TestReapIdleSessions(t *testing.T) {
	h := newTestHub()
	now := time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	stale := addSession(h, 16, "positions")
	fresh := addSession(h, 16, "positions")

	now = now.Add(6 * time.Minute)
	fresh.touch(now)

	require.NoError(t, h.reapIteration(nil))

	h.mtx.RLock()
	_, staleAlive := h.sessions[stale.id]
	_, freshAlive := h.sessions[fresh.id]
	h.mtx.RUnlock()
	assert.False(t, staleAlive)
	assert.True(t, freshAlive)
}

func TestEnvelopeShape(t *testing.T) {
	h := newTestHub()
	s := addSession(h, 16, "unknown_devices")

	h.PublishUnknownDevice(&model.UnknownDevice{UniqueID: "123", Protocol: "suntech"})

	msgs := drain(s)
	require.Len(t, msgs, 1)
	assert.Equal(t, "unknown_device", msgs[0].Type)
	_, err := time.Parse(time.RFC3339, msgs[0].Timestamp)
	assert.NoError(t, err)
}

func TestWebsocketRoundTrip(t *testing.T) {
	h := newTestHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEnvelope := func() envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var e envelope
		require.NoError(t, json.Unmarshal(raw, &e))
		return e
	}

	require.Equal(t, "info", readEnvelope().Type)

	// heartbeat doubles as a barrier: the reader handles messages in order,
	// so its reply means the subscribe has been applied
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]string{"type": "device_42"},
	}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "heartbeat"}))
	require.Equal(t, "heartbeat", readEnvelope().Type)

	h.PublishPosition(&model.Position{DeviceID: 42, Latitude: -23.55, Longitude: -46.63}, &model.Device{ID: 42})

	got := readEnvelope()
	assert.Equal(t, "position", got.Type)

	// malformed input earns an error frame, not a disconnect
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, "error", readEnvelope().Type)
}
