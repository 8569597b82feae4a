package storage

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

var (
	metricCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "storage",
		Name:      "cache_hits_total",
		Help:      "Read-through cache hits.",
	}, []string{"key"})
	metricCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "storage",
		Name:      "cache_misses_total",
		Help:      "Read-through cache misses.",
	}, []string{"key"})
)

// CachedStore fronts the hot read paths with Redis. The underlying store is
// always authoritative: cache failures degrade to direct reads and writes
// invalidate before returning.
type CachedStore struct {
	Store

	client *redis.Client
	cfg    CacheConfig
	logger log.Logger
}

func NewCachedStore(next Store, cfg CacheConfig, logger log.Logger) *CachedStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Endpoint,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &CachedStore{
		Store:  next,
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

func (c *CachedStore) Close() error {
	var errs []error
	if err := c.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if closer, ok := c.Store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deviceUIDKey(uniqueID string) string { return "fw:device:uid:" + uniqueID }
func deviceIDKey(id int64) string         { return "fw:device:id:" + strconv.FormatInt(id, 10) }
func lastPositionKey(deviceID int64) string {
	return "fw:lastpos:" + strconv.FormatInt(deviceID, 10)
}

// get unmarshals key into out, returning false on miss or any cache error.
func (c *CachedStore) get(ctx context.Context, key, kind string, out interface{}) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			level.Warn(c.logger).Log("msg", "cache read failed", "key", key, "err", err)
		}
		metricCacheMisses.WithLabelValues(kind).Inc()
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		level.Warn(c.logger).Log("msg", "cache entry corrupt", "key", key, "err", err)
		metricCacheMisses.WithLabelValues(kind).Inc()
		return false
	}
	metricCacheHits.WithLabelValues(kind).Inc()
	return true
}

func (c *CachedStore) set(ctx context.Context, key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.cfg.Expiration).Err(); err != nil {
		level.Warn(c.logger).Log("msg", "cache write failed", "key", key, "err", err)
	}
}

func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		level.Warn(c.logger).Log("msg", "cache invalidation failed", "err", err)
	}
}

func (c *CachedStore) DeviceByID(ctx context.Context, id int64) (*model.Device, error) {
	var d model.Device
	if c.get(ctx, deviceIDKey(id), "device", &d) {
		return &d, nil
	}
	out, err := c.Store.DeviceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, deviceIDKey(id), out)
	return out, nil
}

func (c *CachedStore) DeviceByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error) {
	var d model.Device
	if c.get(ctx, deviceUIDKey(uniqueID), "device", &d) {
		return &d, nil
	}
	out, err := c.Store.DeviceByUniqueID(ctx, uniqueID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, deviceUIDKey(uniqueID), out)
	return out, nil
}

func (c *CachedStore) UpdateDeviceSummary(ctx context.Context, deviceID int64, s DeviceSummary) error {
	if err := c.Store.UpdateDeviceSummary(ctx, deviceID, s); err != nil {
		return err
	}
	d, err := c.Store.DeviceByID(ctx, deviceID)
	if err != nil {
		c.invalidate(ctx, deviceIDKey(deviceID))
		return nil
	}
	c.invalidate(ctx, deviceIDKey(deviceID), deviceUIDKey(d.UniqueID))
	return nil
}

func (c *CachedStore) AddDevice(ctx context.Context, d *model.Device) error {
	if err := c.Store.AddDevice(ctx, d); err != nil {
		return err
	}
	c.invalidate(ctx, deviceUIDKey(d.UniqueID), deviceIDKey(d.ID))
	return nil
}

func (c *CachedStore) InsertPosition(ctx context.Context, p *model.Position) (int64, error) {
	id, err := c.Store.InsertPosition(ctx, p)
	if err != nil {
		return 0, err
	}
	if p.DeviceID != 0 {
		cached := *p
		cached.ID = id
		c.set(ctx, lastPositionKey(p.DeviceID), &cached)
	}
	return id, nil
}

func (c *CachedStore) LastPosition(ctx context.Context, deviceID int64) (*model.Position, error) {
	var p model.Position
	if c.get(ctx, lastPositionKey(deviceID), "position", &p) {
		return &p, nil
	}
	out, err := c.Store.LastPosition(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, lastPositionKey(deviceID), out)
	return out, nil
}

func (c *CachedStore) AdoptUnknownDevice(ctx context.Context, uniqueID, protocol string, deviceID int64) error {
	if err := c.Store.AdoptUnknownDevice(ctx, uniqueID, protocol, deviceID); err != nil {
		return err
	}
	c.invalidate(ctx, deviceUIDKey(uniqueID), deviceIDKey(deviceID))
	return nil
}
