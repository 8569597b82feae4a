// Package storage is the narrow persistence facade the core runs on. It is
// append-heavy: positions and events are immutable once written, devices and
// commands receive small transactional updates.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic concurrency check fails.
	ErrConflict = errors.New("conflict")
)

var metricRetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fleetwatch",
	Subsystem: "storage",
	Name:      "retention_deleted_total",
	Help:      "Rows removed by the retention compactor.",
}, []string{"table"})

// DeviceSummary is the transactional device update applied by the pipeline
// after each persisted position.
type DeviceSummary struct {
	Status         model.DeviceStatus
	LastPositionID int64
	LastSeen       time.Time
	TotalDistance  float64
	Hours          float64
	Motion         bool
	Overspeed      bool
}

// CommandUpdate carries the optional fields of a status transition.
type CommandUpdate struct {
	RetryCount *int
	Payload    *string
	Response   *string
	Error      *string
	At         time.Time
}

// Store is the persistence facade. Implementations must be usable under
// cold-cache conditions without correctness loss.
type Store interface {
	// devices
	AddDevice(ctx context.Context, d *model.Device) error
	DeviceByID(ctx context.Context, id int64) (*model.Device, error)
	DeviceByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error)
	Devices(ctx context.Context) ([]*model.Device, error)
	UpdateDeviceSummary(ctx context.Context, deviceID int64, s DeviceSummary) error

	// unknown devices
	UpsertUnknownDevice(ctx context.Context, u *model.UnknownDevice) (*model.UnknownDevice, error)
	UnknownDevices(ctx context.Context) ([]*model.UnknownDevice, error)
	AdoptUnknownDevice(ctx context.Context, uniqueID, protocol string, deviceID int64) error

	// positions
	InsertPosition(ctx context.Context, p *model.Position) (int64, error)
	PositionByID(ctx context.Context, id int64) (*model.Position, error)
	LastPosition(ctx context.Context, deviceID int64) (*model.Position, error)

	// events
	InsertEvent(ctx context.Context, e *model.Event) (int64, error)

	// geofences
	UpsertGeofence(ctx context.Context, g *model.Geofence) error
	DeleteGeofence(ctx context.Context, id int64) error
	ActiveGeofences(ctx context.Context) ([]*model.Geofence, error)

	// commands
	InsertCommand(ctx context.Context, c *model.Command) error
	CommandByID(ctx context.Context, id string) (*model.Command, error)
	UpdateCommandStatus(ctx context.Context, id string, from, to model.CommandStatus, u CommandUpdate) error
	CommandsInStatus(ctx context.Context, status model.CommandStatus, olderThan time.Time) ([]*model.Command, error)

	// command queue
	UpsertQueueEntry(ctx context.Context, e *model.QueueEntry) error
	DeactivateQueueEntry(ctx context.Context, commandID string) error
	NextDueCommands(ctx context.Context, now time.Time, limit int) ([]*model.QueueEntry, error)

	// templates and schedules
	InsertTemplate(ctx context.Context, t *model.CommandTemplate) error
	TemplateByID(ctx context.Context, id int64) (*model.CommandTemplate, error)
	IncrementTemplateUse(ctx context.Context, id int64) error
	InsertScheduledCommand(ctx context.Context, s *model.ScheduledCommand) error
	DueScheduledCommands(ctx context.Context, now time.Time) ([]*model.ScheduledCommand, error)
	UpdateScheduledCommand(ctx context.Context, s *model.ScheduledCommand) error

	// retention
	DeletePositionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service wraps a Store with the retention compactor loop.
type Service struct {
	services.Service

	Store Store

	cfg    Config
	logger log.Logger
}

// New creates the configured store backend and its service wrapper.
func New(cfg Config, logger log.Logger) (*Service, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case BackendInmemory:
		store = NewMemStore()
	case BackendPostgres:
		store, err = NewPostgresStore(cfg.Postgres, logger)
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Endpoint != "" {
		store = NewCachedStore(store, cfg.Cache, logger)
	}

	s := &Service{
		Store:  store,
		cfg:    cfg,
		logger: logger,
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s, nil
}

func (s *Service) running(ctx context.Context) error {
	if s.cfg.Retention.Days <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.Retention.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runRetention(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) stopping(_ error) error {
	if closer, ok := s.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *Service) runRetention(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.Retention.Days)

	positions, err := s.Store.DeletePositionsBefore(ctx, cutoff)
	if err != nil {
		level.Error(s.logger).Log("msg", "retention sweep failed", "table", "positions", "err", err)
	} else {
		metricRetentionDeleted.WithLabelValues("positions").Add(float64(positions))
	}

	events, err := s.Store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		level.Error(s.logger).Log("msg", "retention sweep failed", "table", "events", "err", err)
		return
	}
	metricRetentionDeleted.WithLabelValues("events").Add(float64(events))

	if positions > 0 || events > 0 {
		level.Info(s.logger).Log("msg", "retention sweep complete", "cutoff", cutoff, "positions", positions, "events", events)
	}
}
