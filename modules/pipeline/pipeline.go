// Package pipeline is the position processing core: per-device ordered
// canonicalization, accumulator maintenance, geofence evaluation, event
// derivation, durable write, and fan-out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetwatch/fleetwatch/modules/events"
	"github.com/fleetwatch/fleetwatch/modules/geofence"
	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/geo"
	"github.com/fleetwatch/fleetwatch/pkg/model"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

var (
	metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "pipeline",
		Name:      "frames_total",
		Help:      "Frames processed, by protocol and outcome.",
	}, []string{"protocol", "outcome"})
	metricProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetwatch",
		Subsystem: "pipeline",
		Name:      "process_duration_seconds",
		Help:      "Per-frame processing time.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Publisher receives the pipeline's fan-out.
type Publisher interface {
	PublishPosition(p *model.Position, d *model.Device)
	PublishEvent(e *model.Event)
	PublishDeviceStatus(d *model.Device)
}

// NopPublisher discards fan-out.
type NopPublisher struct{}

func (NopPublisher) PublishPosition(*model.Position, *model.Device) {}
func (NopPublisher) PublishEvent(*model.Event)                      {}
func (NopPublisher) PublishDeviceStatus(*model.Device)              {}

// Acker receives decoded command results so the dispatcher can advance the
// command state machine.
type Acker interface {
	HandleResult(ctx context.Context, deviceID int64, result string)
}

type work struct {
	frame protocol.Frame
	res   registry.Resolution
}

// Pipeline is the hash-partitioned frame processor. Frames for one unique id
// always land on the same partition, which yields per-device total order.
type Pipeline struct {
	services.Service

	cfg      Config
	store    storage.Store
	registry *registry.Registry
	index    *geofence.Index
	engine   *events.Engine
	pub      Publisher
	logger   log.Logger

	queues []chan work
	wg     sync.WaitGroup
	dead   *deadLetter

	mtx   sync.RWMutex
	acker Acker

	now func() time.Time
}

func New(cfg Config, store storage.Store, reg *registry.Registry, index *geofence.Index, engine *events.Engine, pub Publisher, logger log.Logger) *Pipeline {
	if pub == nil {
		pub = NopPublisher{}
	}
	p := &Pipeline{
		cfg:      cfg,
		store:    store,
		registry: reg,
		index:    index,
		engine:   engine,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
	}
	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p
}

// SetAcker wires the command dispatcher after construction. The dispatcher
// depends on the pipeline's listeners for live links, so the two are created
// before they are connected.
func (p *Pipeline) SetAcker(a Acker) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.acker = a
}

func (p *Pipeline) getAcker() Acker {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.acker
}

func (p *Pipeline) starting(context.Context) error {
	if p.cfg.DeadLetterPath != "" {
		dead, err := openDeadLetter(p.cfg.DeadLetterPath)
		if err != nil {
			return fmt.Errorf("open dead letter: %w", err)
		}
		p.dead = dead
	}

	n := p.cfg.partitions()
	p.queues = make([]chan work, n)
	for i := range p.queues {
		p.queues[i] = make(chan work, p.cfg.QueueSize)
	}
	return nil
}

func (p *Pipeline) running(ctx context.Context) error {
	for _, q := range p.queues {
		p.wg.Add(1)
		go p.worker(q)
	}

	<-ctx.Done()
	// closing the queues lets workers drain in-flight frames before exiting
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
	return nil
}

func (p *Pipeline) stopping(_ error) error {
	if p.dead != nil {
		return p.dead.close()
	}
	return nil
}

// Ingest resolves the frame's identity and routes it to its partition. Blocks
// when the partition is full, backpressuring the listener. The resolution is
// returned so stream listeners can register the live link.
func (p *Pipeline) Ingest(ctx context.Context, frame protocol.Frame, obs registry.Observation) (registry.Resolution, error) {
	res, err := p.registry.Resolve(ctx, frame.SourceID, frame.Protocol, obs)
	if err != nil {
		return registry.Resolution{}, err
	}

	select {
	case p.queues[p.partition(frame.SourceID)] <- work{frame: frame, res: res}:
		return res, nil
	case <-ctx.Done():
		return res, ctx.Err()
	}
}

func (p *Pipeline) partition(uniqueID string) int {
	return int(xxhash.Sum64String(uniqueID) % uint64(len(p.queues)))
}

func (p *Pipeline) worker(q chan work) {
	defer p.wg.Done()
	for w := range q {
		start := time.Now()
		// frames in flight at shutdown still commit, so processing is not
		// bound to the service context
		p.process(context.Background(), w)
		metricProcessDuration.Observe(time.Since(start).Seconds())
	}
}

func (p *Pipeline) process(ctx context.Context, w work) {
	switch w.frame.Kind {
	case protocol.KindHeartbeat:
		p.processHeartbeat(ctx, w)
	case protocol.KindCommandResult:
		p.processCommandResult(ctx, w)
	case protocol.KindPosition:
		p.processPosition(ctx, w)
	}
}

func (p *Pipeline) processHeartbeat(ctx context.Context, w work) {
	d := w.res.Device
	if d == nil {
		// registry already refreshed the unknown record
		metricFrames.WithLabelValues(w.frame.Protocol, "heartbeat").Inc()
		return
	}

	now := p.now().UTC()
	err := p.store.UpdateDeviceSummary(ctx, d.ID, storage.DeviceSummary{
		Status:         model.StatusOnline,
		LastPositionID: d.LastPositionID,
		LastSeen:       now,
		TotalDistance:  d.TotalDistance,
		Hours:          d.Hours,
		Motion:         d.Motion,
		Overspeed:      d.Overspeed,
	})
	if err != nil {
		level.Warn(p.logger).Log("msg", "heartbeat summary update failed", "deviceId", d.ID, "err", err)
		return
	}
	if d.Status != model.StatusOnline {
		d.Status = model.StatusOnline
		p.pub.PublishDeviceStatus(d)
	}
	d.LastSeen = now
	metricFrames.WithLabelValues(w.frame.Protocol, "heartbeat").Inc()
}

func (p *Pipeline) processCommandResult(ctx context.Context, w work) {
	if w.res.Device == nil {
		metricFrames.WithLabelValues(w.frame.Protocol, "dropped").Inc()
		return
	}
	if a := p.getAcker(); a != nil {
		a.HandleResult(ctx, w.res.Device.ID, w.frame.Result)
	}
	metricFrames.WithLabelValues(w.frame.Protocol, "command_result").Inc()
}

func (p *Pipeline) processPosition(ctx context.Context, w work) {
	pos := w.frame.Position
	if pos == nil {
		metricFrames.WithLabelValues(w.frame.Protocol, "dropped").Inc()
		return
	}
	pos.Protocol = w.frame.Protocol
	pos.ServerTime = p.now().UTC()
	if pos.DeviceTime.IsZero() {
		pos.DeviceTime = pos.ServerTime
	}
	if pos.FixTime.IsZero() {
		pos.FixTime = pos.DeviceTime
	}

	if err := pos.Validate(); err != nil {
		metricFrames.WithLabelValues(w.frame.Protocol, "invalid").Inc()
		level.Debug(p.logger).Log("msg", "dropping invalid position", "uniqueId", w.frame.SourceID, "err", err)
		return
	}

	if w.res.IsUnknown() {
		p.persistUnknownPosition(ctx, w, pos)
		return
	}

	d := w.res.Device
	pos.DeviceID = d.ID

	prev, err := p.store.LastPosition(ctx, d.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		level.Warn(p.logger).Log("msg", "previous position fetch failed", "deviceId", d.ID, "err", err)
		prev = nil
	}

	p.accumulate(d, prev, pos)

	snapshot := p.index.Snapshot()
	entered, exited := membershipDelta(snapshot, prev, pos)

	derived := p.engine.Evaluate(events.Input{
		Device:  d,
		Prev:    prev,
		Curr:    pos,
		Entered: entered,
		Exited:  exited,
	})

	if !p.persist(ctx, w, d, pos, derived) {
		return
	}

	d.Status = model.StatusOnline
	d.LastSeen = pos.ServerTime
	d.LastPositionID = pos.ID
	d.Motion = pos.Speed > 0
	d.Overspeed = p.engine.Overspeed(d, pos)

	p.pub.PublishPosition(pos, d)
	for _, e := range derived {
		p.pub.PublishEvent(e)
	}
	p.pub.PublishDeviceStatus(d)
	metricFrames.WithLabelValues(w.frame.Protocol, "ok").Inc()
}

// accumulate maintains the travelled-distance and engine-hour counters and
// stamps the per-frame deltas into the position attributes.
func (p *Pipeline) accumulate(d *model.Device, prev, curr *model.Position) {
	if curr.Attributes == nil {
		curr.Attributes = model.Attributes{}
	}

	var distance float64
	if prev != nil && prev.Valid && curr.Valid {
		distance = geo.Distance(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
		d.TotalDistance += distance
	}
	curr.Attributes[model.AttrDistance] = distance
	curr.Attributes[model.AttrTotalDistance] = d.TotalDistance

	if prev != nil && prev.Ignition() && curr.Ignition() {
		if elapsed := curr.DeviceTime.Sub(prev.DeviceTime); elapsed > 0 {
			d.Hours += elapsed.Seconds()
		}
	}
	curr.Attributes[model.AttrHours] = d.Hours
}

// membershipDelta compares geofence membership of the previous and current
// points against one snapshot. Invalid fixes contribute no membership.
func membershipDelta(s *geofence.Snapshot, prev, curr *model.Position) (entered, exited []int64) {
	var currSet []int64
	if curr.Valid {
		currSet = s.Membership(curr.Latitude, curr.Longitude)
	}
	var prevSet []int64
	if prev != nil && prev.Valid {
		prevSet = s.Membership(prev.Latitude, prev.Longitude)
	}

	in := func(set []int64, id int64) bool {
		for _, v := range set {
			if v == id {
				return true
			}
		}
		return false
	}
	for _, id := range currSet {
		if !in(prevSet, id) {
			entered = append(entered, id)
		}
	}
	for _, id := range prevSet {
		if !in(currSet, id) {
			exited = append(exited, id)
		}
	}
	return entered, exited
}

// persist writes the position, its events, and the device summary, retrying
// transient failures. On exhaustion the frame spills to the dead-letter log
// and the partition moves on.
func (p *Pipeline) persist(ctx context.Context, w work, d *model.Device, pos *model.Position, derived []*model.Event) bool {
	err := p.withRetries(ctx, func() error {
		id, err := p.store.InsertPosition(ctx, pos)
		if err != nil {
			return err
		}
		pos.ID = id

		for _, e := range derived {
			if e.PositionID == 0 {
				e.PositionID = id
			}
			if _, err := p.store.InsertEvent(ctx, e); err != nil {
				return err
			}
		}

		return p.store.UpdateDeviceSummary(ctx, d.ID, storage.DeviceSummary{
			Status:         model.StatusOnline,
			LastPositionID: id,
			LastSeen:       pos.ServerTime,
			TotalDistance:  d.TotalDistance,
			Hours:          d.Hours,
			Motion:         pos.Speed > 0,
			Overspeed:      p.engine.Overspeed(d, pos),
		})
	})
	if err == nil {
		return true
	}

	metricFrames.WithLabelValues(w.frame.Protocol, "dead_letter").Inc()
	level.Error(p.logger).Log("msg", "frame failed all write retries", "uniqueId", w.frame.SourceID, "err", err)
	if p.dead != nil {
		if derr := p.dead.append(deadLetterRecord{
			At:       p.now().UTC(),
			UniqueID: w.frame.SourceID,
			Protocol: w.frame.Protocol,
			Reason:   err.Error(),
			Position: pos,
			Raw:      string(w.frame.Raw),
		}); derr != nil {
			level.Error(p.logger).Log("msg", "dead letter append failed", "err", derr)
		}
	}
	return false
}

func (p *Pipeline) persistUnknownPosition(ctx context.Context, w work, pos *model.Position) {
	pos.UnknownDeviceID = w.res.Unknown.ID
	err := p.withRetries(ctx, func() error {
		id, err := p.store.InsertPosition(ctx, pos)
		if err != nil {
			return err
		}
		pos.ID = id
		return nil
	})
	if err != nil {
		metricFrames.WithLabelValues(w.frame.Protocol, "dead_letter").Inc()
		if p.dead != nil {
			_ = p.dead.append(deadLetterRecord{
				At:       p.now().UTC(),
				UniqueID: w.frame.SourceID,
				Protocol: w.frame.Protocol,
				Reason:   err.Error(),
				Position: pos,
				Raw:      string(w.frame.Raw),
			})
		}
		return
	}
	p.pub.PublishPosition(pos, nil)
	metricFrames.WithLabelValues(w.frame.Protocol, "ok_unknown").Inc()
}

func (p *Pipeline) withRetries(ctx context.Context, fn func() error) error {
	b := backoff.New(ctx, p.cfg.Backoff)
	var err error
	for b.Ongoing() {
		if err = fn(); err == nil {
			return nil
		}
		b.Wait()
	}
	if err == nil {
		err = b.Err()
	}
	return err
}
