// Package registry resolves wire identities to registered devices and owns
// the unknown-device admission path.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/model"
)

var (
	metricResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "registry",
		Name:      "resolutions_total",
		Help:      "Identity resolutions by outcome.",
	}, []string{"outcome"})
	metricAdoptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "registry",
		Name:      "adoptions_total",
		Help:      "Unknown devices adopted into registered devices.",
	})
)

// Publisher receives registry deltas for fan-out to operator sessions.
type Publisher interface {
	PublishUnknownDevice(u *model.UnknownDevice)
	PublishDeviceStatus(d *model.Device)
}

// NopPublisher discards deltas. Used until the hub is wired and in tests.
type NopPublisher struct{}

func (NopPublisher) PublishUnknownDevice(*model.UnknownDevice) {}
func (NopPublisher) PublishDeviceStatus(*model.Device)         {}

// Resolution is the outcome of resolving a wire identity. Exactly one of
// Device / Unknown is set.
type Resolution struct {
	Device  *model.Device
	Unknown *model.UnknownDevice
}

func (r Resolution) IsUnknown() bool { return r.Device == nil }

// Observation is what the listener knows about an unmatched frame.
type Observation struct {
	Port     int
	RawFrame string
	Decoded  model.Attributes
}

// Registry is the device resolver.
type Registry struct {
	services.Service

	cfg    Config
	store  storage.Store
	pub    Publisher
	logger log.Logger

	mtx      sync.Mutex
	negative map[string]time.Time // unique id -> expiry of the "not registered" result

	now func() time.Time
}

func New(cfg Config, store storage.Store, pub Publisher, logger log.Logger) *Registry {
	if pub == nil {
		pub = NopPublisher{}
	}
	r := &Registry{
		cfg:      cfg,
		store:    store,
		pub:      pub,
		logger:   logger,
		negative: map[string]time.Time{},
		now:      time.Now,
	}
	r.Service = services.NewIdleService(nil, nil)
	return r
}

// Resolve maps a unique id to a registered device, falling back to the
// unknown-device record for that (unique id, protocol) pair. Positions and
// events for unmatched identities reference the unknown record.
func (r *Registry) Resolve(ctx context.Context, uniqueID, protocol string, obs Observation) (Resolution, error) {
	if uniqueID == "" {
		return Resolution{}, errors.New("empty unique id")
	}

	if !r.negativeCached(uniqueID) {
		d, err := r.store.DeviceByUniqueID(ctx, uniqueID)
		switch {
		case err == nil:
			metricResolutions.WithLabelValues("known").Inc()
			return Resolution{Device: d}, nil
		case errors.Is(err, storage.ErrNotFound):
			r.cacheNegative(uniqueID)
		default:
			return Resolution{}, fmt.Errorf("device lookup: %w", err)
		}
	}

	now := r.now().UTC()
	u, err := r.store.UpsertUnknownDevice(ctx, &model.UnknownDevice{
		UniqueID:     uniqueID,
		Protocol:     protocol,
		Port:         obs.Port,
		FirstSeen:    now,
		LastSeen:     now,
		LastRawFrame: obs.RawFrame,
		LastDecoded:  obs.Decoded,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("unknown device upsert: %w", err)
	}

	metricResolutions.WithLabelValues("unknown").Inc()
	if u.ConnectionCount == 1 {
		if _, err := r.store.InsertEvent(ctx, &model.Event{
			Type:      model.EventDeviceUnknown,
			EventTime: now,
			Attributes: model.Attributes{
				"uniqueId": uniqueID,
				"protocol": protocol,
				"port":     obs.Port,
			},
		}); err != nil {
			level.Warn(r.logger).Log("msg", "unknown device event write failed", "uniqueId", uniqueID, "err", err)
		}
		level.Info(r.logger).Log("msg", "unknown device observed", "uniqueId", uniqueID, "protocol", protocol, "port", obs.Port)
	}
	r.pub.PublishUnknownDevice(u)
	return Resolution{Unknown: u}, nil
}

// Adopt promotes an unknown device. When deviceID is zero a fresh device is
// registered for the unique id first.
func (r *Registry) Adopt(ctx context.Context, uniqueID, protocol string, deviceID int64, name string) (*model.Device, error) {
	if deviceID == 0 {
		d := &model.Device{
			UniqueID: uniqueID,
			Protocol: protocol,
			Name:     name,
		}
		if err := r.store.AddDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("register device: %w", err)
		}
		deviceID = d.ID
	}

	if err := r.store.AdoptUnknownDevice(ctx, uniqueID, protocol, deviceID); err != nil {
		return nil, fmt.Errorf("adopt: %w", err)
	}
	r.dropNegative(uniqueID)

	d, err := r.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	metricAdoptions.Inc()
	level.Info(r.logger).Log("msg", "unknown device adopted", "uniqueId", uniqueID, "deviceId", deviceID)
	r.pub.PublishDeviceStatus(d)
	return d, nil
}

func (r *Registry) negativeCached(uniqueID string) bool {
	if r.cfg.NegativeTTL <= 0 {
		return false
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	expiry, ok := r.negative[uniqueID]
	if !ok {
		return false
	}
	if r.now().After(expiry) {
		delete(r.negative, uniqueID)
		return false
	}
	return true
}

func (r *Registry) cacheNegative(uniqueID string) {
	if r.cfg.NegativeTTL <= 0 {
		return
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.negative[uniqueID] = r.now().Add(r.cfg.NegativeTTL)
}

func (r *Registry) dropNegative(uniqueID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.negative, uniqueID)
}
