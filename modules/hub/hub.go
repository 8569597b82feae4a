// Package hub fans processed telemetry out to operator websocket sessions.
// Delivery is best-effort per session: a subscriber that cannot keep up is
// dropped so upstream throughput never degrades.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetwatch",
		Subsystem: "hub",
		Name:      "sessions",
		Help:      "Open operator sessions.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "hub",
		Name:      "dropped_sessions_total",
		Help:      "Sessions dropped for outbound buffer overflow.",
	})
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "hub",
		Name:      "messages_total",
		Help:      "Messages fanned out to sessions, by type.",
	}, []string{"type"})
)

// Server -> client message types.
const (
	msgPosition     = "position"
	msgEvent        = "event"
	msgDeviceStatus = "device_status"
	msgUnknown      = "unknown_device"
	msgInfo         = "info"
	msgHeartbeat    = "heartbeat"
	msgError        = "error"
)

// Aggregate topics. Per-device topics are "device:<id>".
const (
	topicPositions = "positions"
	topicEvents    = "events"
	topicDevices   = "devices"
	topicUnknown   = "unknown_devices"
	topicGeofences = "geofences"
)

type envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type clientMessage struct {
	Type string `json:"type"`
	Data struct {
		Type string `json:"type"`
	} `json:"data"`
}

// Hub tracks sessions and their topic subscriptions. The index is
// copy-on-write: publishers iterate subscriber slices without holding the
// write lock, and every mutation installs fresh slices.
type Hub struct {
	services.Service

	cfg      Config
	logger   log.Logger
	upgrader websocket.Upgrader

	mtx      sync.RWMutex
	sessions map[string]*session
	index    map[string][]*session

	now func() time.Time
}

func New(cfg Config, logger log.Logger) *Hub {
	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		sessions: map[string]*session{},
		index:    map[string][]*session{},
		now:      time.Now,
	}
	h.Service = services.NewTimerService(cfg.ReapInterval, nil, h.reapIteration, h.stopping)
	return h
}

func (h *Hub) stopping(_ error) error {
	h.mtx.Lock()
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mtx.Unlock()

	for _, s := range open {
		h.remove(s)
	}
	return nil
}

// RegisterRoutes mounts the websocket endpoint on the shared server.
func (h *Hub) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/socket", h.ServeHTTP)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		level.Warn(h.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	s := &session{
		id:       uuid.NewString(),
		conn:     conn,
		out:      make(chan []byte, h.cfg.SendBuffer),
		logger:   h.logger,
		lastSeen: h.now(),
		topics:   map[string]struct{}{},
	}

	h.mtx.Lock()
	h.sessions[s.id] = s
	h.mtx.Unlock()
	metricSessions.Set(float64(h.sessionCount()))

	go s.writePump(h.cfg.WriteTimeout)
	s.enqueue(h.marshal(msgInfo, map[string]string{"sessionId": s.id}))

	go h.readPump(s)
}

func (h *Hub) readPump(s *session) {
	defer h.remove(s)

	s.conn.SetReadLimit(h.cfg.ReadLimit)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch(h.now())

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.enqueue(h.marshal(msgError, map[string]string{"error": "malformed message"}))
			continue
		}

		switch msg.Type {
		case "subscribe":
			h.subscribe(s, normalizeTopic(msg.Data.Type))
		case "unsubscribe":
			h.unsubscribe(s, normalizeTopic(msg.Data.Type))
		case "heartbeat":
			s.enqueue(h.marshal(msgHeartbeat, nil))
		default:
			s.enqueue(h.marshal(msgError, map[string]string{"error": fmt.Sprintf("unknown message type %q", msg.Type)}))
		}
	}
}

func (h *Hub) subscribe(s *session, topic string) {
	if topic == "" {
		s.enqueue(h.marshal(msgError, map[string]string{"error": "missing topic"}))
		return
	}

	h.mtx.Lock()
	defer h.mtx.Unlock()

	s.mtx.Lock()
	s.topics[topic] = struct{}{}
	s.mtx.Unlock()

	subs := h.index[topic]
	for _, existing := range subs {
		if existing == s {
			return
		}
	}
	next := make([]*session, len(subs), len(subs)+1)
	copy(next, subs)
	h.index[topic] = append(next, s)
}

func (h *Hub) unsubscribe(s *session, topic string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	s.mtx.Lock()
	delete(s.topics, topic)
	s.mtx.Unlock()

	h.index[topic] = withoutSession(h.index[topic], s)
	if len(h.index[topic]) == 0 {
		delete(h.index, topic)
	}
}

// remove detaches the session from every topic and closes it.
func (h *Hub) remove(s *session) {
	h.mtx.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mtx.Unlock()
		return
	}
	delete(h.sessions, s.id)

	s.mtx.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mtx.Unlock()

	for _, t := range topics {
		h.index[t] = withoutSession(h.index[t], s)
		if len(h.index[t]) == 0 {
			delete(h.index, t)
		}
	}
	h.mtx.Unlock()

	s.close()
	metricSessions.Set(float64(h.sessionCount()))
}

func withoutSession(subs []*session, s *session) []*session {
	out := make([]*session, 0, len(subs))
	for _, existing := range subs {
		if existing != s {
			out = append(out, existing)
		}
	}
	return out
}

func (h *Hub) sessionCount() int {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return len(h.sessions)
}

// reapIteration drops sessions idle beyond the configured timeout.
func (h *Hub) reapIteration(_ context.Context) error {
	cutoff := h.now().Add(-h.cfg.IdleTimeout)

	h.mtx.RLock()
	var idle []*session
	for _, s := range h.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	h.mtx.RUnlock()

	for _, s := range idle {
		level.Info(h.logger).Log("msg", "reaping idle session", "sessionId", s.id)
		h.remove(s)
	}
	return nil
}

// publish marshals once and fans out to the union of the topics' subscribers.
// A session subscribed to both an aggregate and a per-device topic receives
// one copy. Sessions whose buffer is full are dropped, never waited on.
func (h *Hub) publish(msgType string, data interface{}, topics ...string) {
	h.mtx.RLock()
	var targets []*session
	seen := map[*session]struct{}{}
	for _, t := range topics {
		for _, s := range h.index[t] {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			targets = append(targets, s)
		}
	}
	h.mtx.RUnlock()

	if len(targets) == 0 {
		return
	}

	raw := h.marshal(msgType, data)
	metricPublished.WithLabelValues(msgType).Add(float64(len(targets)))

	var overflowed []*session
	for _, s := range targets {
		if !s.enqueue(raw) {
			overflowed = append(overflowed, s)
		}
	}
	for _, s := range overflowed {
		level.Warn(h.logger).Log("msg", "dropping slow session", "sessionId", s.id)
		metricDropped.Inc()
		h.remove(s)
	}
}

func (h *Hub) marshal(msgType string, data interface{}) []byte {
	raw, err := json.Marshal(envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		level.Error(h.logger).Log("msg", "envelope marshal failed", "type", msgType, "err", err)
		return []byte(`{"type":"error"}`)
	}
	return raw
}

func deviceTopic(id int64) string { return fmt.Sprintf("device:%d", id) }

// PublishPosition implements the pipeline fan-out.
func (h *Hub) PublishPosition(p *model.Position, d *model.Device) {
	topics := []string{topicPositions}
	if d != nil {
		topics = append(topics, deviceTopic(d.ID))
	}
	h.publish(msgPosition, p, topics...)
}

// PublishEvent implements the pipeline, events, and dispatch fan-outs.
func (h *Hub) PublishEvent(e *model.Event) {
	topics := []string{topicEvents}
	if e.DeviceID != 0 {
		topics = append(topics, deviceTopic(e.DeviceID))
	}
	if e.GeofenceID != 0 {
		topics = append(topics, topicGeofences)
	}
	h.publish(msgEvent, e, topics...)
}

// PublishDeviceStatus implements the registry and events fan-outs.
func (h *Hub) PublishDeviceStatus(d *model.Device) {
	h.publish(msgDeviceStatus, d, topicDevices, deviceTopic(d.ID))
}

// PublishUnknownDevice implements the registry fan-out.
func (h *Hub) PublishUnknownDevice(u *model.UnknownDevice) {
	h.publish(msgUnknown, u, topicUnknown)
}
