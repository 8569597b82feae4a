// Package events derives domain events from consecutive positions and runs
// the device status sweeper.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "events",
		Name:      "derived_total",
		Help:      "Events derived, by type.",
	}, []string{"type"})
	metricDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "events",
		Name:      "geofence_deduped_total",
		Help:      "Geofence events suppressed by the dedup window.",
	})
)

type dedupKey struct {
	deviceID   int64
	geofenceID int64
	eventType  model.EventType
}

// Engine is the per-frame rule evaluator. One engine is shared by all
// pipeline partitions; the dedup table is the only shared state.
type Engine struct {
	cfg Config

	mtx   sync.Mutex
	seen  map[dedupKey]time.Time
	prune time.Time
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:  cfg,
		seen: map[dedupKey]time.Time{},
	}
}

// Input is everything one evaluation sees. Prev is nil on a device's first
// frame. Entered/Exited are the geofence membership changes computed against
// the snapshot.
type Input struct {
	Device  *model.Device
	Prev    *model.Position
	Curr    *model.Position
	Entered []int64
	Exited  []int64
}

// Evaluate runs all derivation rules and returns the events to persist, in
// rule order. The triggering position id is stamped by the caller after the
// position write.
func (e *Engine) Evaluate(in Input) []*model.Event {
	var out []*model.Event
	emit := func(t model.EventType, geofenceID int64, attrs model.Attributes) {
		out = append(out, &model.Event{
			Type:       t,
			EventTime:  in.Curr.DeviceTime,
			DeviceID:   in.Device.ID,
			GeofenceID: geofenceID,
			Attributes: attrs,
		})
		metricEvents.WithLabelValues(string(t)).Inc()
	}

	if in.Prev != nil {
		if in.Prev.Speed == 0 && in.Curr.Speed > 0 {
			emit(model.EventDeviceMoving, 0, nil)
		}
		if in.Prev.Speed > 0 && in.Curr.Speed == 0 {
			emit(model.EventDeviceStopped, 0, nil)
		}

		prevIgnition := in.Prev.Ignition()
		currIgnition := in.Curr.Ignition()
		if !prevIgnition && currIgnition {
			emit(model.EventIgnitionOn, 0, nil)
		}
		if prevIgnition && !currIgnition {
			emit(model.EventIgnitionOff, 0, nil)
		}
	}

	limit := e.speedLimit(in.Device)
	if in.Curr.Speed > limit && !in.Device.Overspeed {
		emit(model.EventDeviceOverspeed, 0, model.Attributes{
			"speed":              in.Curr.Speed,
			model.AttrSpeedLimit: limit / model.KnotsPerKmh,
		})
	}

	for _, id := range in.Entered {
		if e.dedup(in.Device.ID, id, model.EventGeofenceEnter, in.Curr.DeviceTime) {
			emit(model.EventGeofenceEnter, id, nil)
		}
	}
	for _, id := range in.Exited {
		if e.dedup(in.Device.ID, id, model.EventGeofenceExit, in.Curr.DeviceTime) {
			emit(model.EventGeofenceExit, id, nil)
		}
	}

	if alarm, ok := in.Curr.Attributes.String(model.AttrAlarm); ok && alarm != "" {
		emit(model.EventAlarm, 0, model.Attributes{model.AttrAlarm: alarm})
	}

	return out
}

// Overspeed reports whether the position exceeds the device's limit; the
// pipeline uses it to maintain the latched overspeed state.
func (e *Engine) Overspeed(d *model.Device, p *model.Position) bool {
	return p.Speed > e.speedLimit(d)
}

// speedLimit returns the device threshold in knots.
func (e *Engine) speedLimit(d *model.Device) float64 {
	if limit, ok := d.SpeedLimit(); ok {
		return limit
	}
	return e.cfg.DefaultSpeedLimitKmh * model.KnotsPerKmh
}

// dedup records the event and reports whether it may be emitted. At most one
// event per (device, geofence, type) per window.
func (e *Engine) dedup(deviceID, geofenceID int64, t model.EventType, at time.Time) bool {
	key := dedupKey{deviceID: deviceID, geofenceID: geofenceID, eventType: t}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if last, ok := e.seen[key]; ok && at.Sub(last) < e.cfg.DedupWindow {
		metricDeduped.Inc()
		return false
	}
	e.seen[key] = at

	// amortised prune of stale entries
	if at.Sub(e.prune) > e.cfg.DedupWindow {
		for k, v := range e.seen {
			if at.Sub(v) >= e.cfg.DedupWindow {
				delete(e.seen, k)
			}
		}
		e.prune = at
	}
	return true
}
