// Package geofence maintains the in-memory spatial index the pipeline
// evaluates positions against.
package geofence

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/fleetwatch/fleetwatch/modules/storage"
)

var (
	metricSnapshotSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetwatch",
		Subsystem: "geofence",
		Name:      "snapshot_size",
		Help:      "Active geofences in the current snapshot.",
	})
	metricRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "geofence",
		Name:      "snapshot_rebuilds_total",
		Help:      "Snapshot rebuilds.",
	})
	metricSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "geofence",
		Name:      "geometry_skipped_total",
		Help:      "Geofences excluded from a snapshot due to invalid geometry.",
	})
)

// Index serves the current geofence snapshot. Reads are a single atomic
// pointer load; rebuilds publish a fresh snapshot without touching the old
// one.
type Index struct {
	services.Service

	cfg    Config
	store  storage.Store
	logger log.Logger

	snapshot atomic.Pointer[Snapshot]
	dirty    chan struct{}
}

func New(cfg Config, store storage.Store, logger log.Logger) *Index {
	i := &Index{
		cfg:    cfg,
		store:  store,
		logger: logger,
		dirty:  make(chan struct{}, 1),
	}
	i.snapshot.Store(Empty)
	i.Service = services.NewBasicService(i.starting, i.running, nil)
	return i
}

func (i *Index) starting(ctx context.Context) error {
	return i.rebuild(ctx)
}

func (i *Index) running(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-i.dirty:
		case <-ctx.Done():
			return nil
		}
		if err := i.rebuild(ctx); err != nil {
			level.Error(i.logger).Log("msg", "geofence snapshot rebuild failed", "err", err)
		}
	}
}

// Snapshot returns the current immutable snapshot.
func (i *Index) Snapshot() *Snapshot {
	return i.snapshot.Load()
}

// Invalidate schedules an asynchronous rebuild. Safe to call from any
// goroutine; coalesces while a rebuild is pending.
func (i *Index) Invalidate() {
	select {
	case i.dirty <- struct{}{}:
	default:
	}
}

func (i *Index) rebuild(ctx context.Context) error {
	active, err := i.store.ActiveGeofences(ctx)
	if err != nil {
		return err
	}

	next := &Snapshot{fences: make([]compiled, 0, len(active))}
	for _, g := range active {
		c, err := compile(g)
		if err != nil {
			metricSkipped.Inc()
			level.Warn(i.logger).Log("msg", "skipping geofence with invalid geometry", "id", g.ID, "name", g.Name, "err", err)
			continue
		}
		next.fences = append(next.fences, c)
		next.Version += g.Version
	}

	i.snapshot.Store(next)
	metricRebuilds.Inc()
	metricSnapshotSize.Set(float64(next.Len()))
	return nil
}
