package events

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/model"
)

// Publisher receives derived deltas for fan-out.
type Publisher interface {
	PublishEvent(e *model.Event)
	PublishDeviceStatus(d *model.Device)
}

// NopPublisher discards deltas.
type NopPublisher struct{}

func (NopPublisher) PublishEvent(*model.Event)         {}
func (NopPublisher) PublishDeviceStatus(*model.Device) {}

// Sweeper transitions devices online/offline from frame recency. It is the
// timer-driven complement of the per-frame path: a device that simply stops
// sending has no frame to flip its status on.
type Sweeper struct {
	services.Service

	cfg    Config
	store  storage.Store
	pub    Publisher
	logger log.Logger

	now func() time.Time
}

func NewSweeper(cfg Config, store storage.Store, pub Publisher, logger log.Logger) *Sweeper {
	if pub == nil {
		pub = NopPublisher{}
	}
	s := &Sweeper{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		logger: logger,
		now:    time.Now,
	}
	s.Service = services.NewTimerService(cfg.SweepInterval, nil, s.iteration, nil)
	return s
}

func (s *Sweeper) iteration(ctx context.Context) error {
	if err := s.sweep(ctx); err != nil {
		level.Error(s.logger).Log("msg", "status sweep failed", "err", err)
	}
	// errors are logged, never fatal to the service
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) error {
	devices, err := s.store.Devices(ctx)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	for _, d := range devices {
		next := s.nextStatus(d, now)
		if next == d.Status {
			continue
		}
		if err := s.transition(ctx, d, next, now); err != nil {
			level.Error(s.logger).Log("msg", "status transition failed", "deviceId", d.ID, "err", err)
		}
	}
	return nil
}

// nextStatus applies the recency windows. Between the online and offline
// windows the current status is kept.
func (s *Sweeper) nextStatus(d *model.Device, now time.Time) model.DeviceStatus {
	if d.LastSeen.IsZero() {
		return d.Status
	}
	age := now.Sub(d.LastSeen)
	switch {
	case age <= s.cfg.OnlineWindow:
		return model.StatusOnline
	case age > s.cfg.OfflineWindow:
		return model.StatusOffline
	}
	return d.Status
}

func (s *Sweeper) transition(ctx context.Context, d *model.Device, next model.DeviceStatus, now time.Time) error {
	old := d.Status
	err := s.store.UpdateDeviceSummary(ctx, d.ID, storage.DeviceSummary{
		Status:         next,
		LastPositionID: d.LastPositionID,
		LastSeen:       d.LastSeen,
		TotalDistance:  d.TotalDistance,
		Hours:          d.Hours,
		Motion:         d.Motion,
		Overspeed:      d.Overspeed,
	})
	if err != nil {
		return err
	}

	eventType := model.EventDeviceOffline
	if next == model.StatusOnline {
		eventType = model.EventDeviceOnline
	}
	e := &model.Event{
		Type:      eventType,
		EventTime: now,
		DeviceID:  d.ID,
		Attributes: model.Attributes{
			model.AttrOldStatus: string(old),
		},
	}
	if _, err := s.store.InsertEvent(ctx, e); err != nil {
		return err
	}
	metricEvents.WithLabelValues(string(eventType)).Inc()

	d.Status = next
	s.pub.PublishEvent(e)
	s.pub.PublishDeviceStatus(d)
	level.Debug(s.logger).Log("msg", "device status changed", "deviceId", d.ID, "from", old, "to", next)
	return nil
}
