// Package dispatch owns the outbound command queue: durable, priority
// ordered, retry aware, with at most one command in flight per device.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetwatch/fleetwatch/modules/ingest"
	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/model"
	"github.com/fleetwatch/fleetwatch/pkg/protocol/registry"
)

var (
	metricDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetwatch",
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Command dispatch attempts by outcome.",
	}, []string{"outcome"})
	metricInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetwatch",
		Subsystem: "dispatch",
		Name:      "in_flight",
		Help:      "Devices with a command awaiting acknowledgement.",
	})
)

// Publisher receives command lifecycle events for fan-out.
type Publisher interface {
	PublishEvent(e *model.Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishEvent(*model.Event) {}

// Dispatcher pulls ready queue entries and pushes encoded commands down live
// links. Per-device exclusivity is enforced by the in-flight table: a device
// with a SENT command takes no further work until the command resolves.
type Dispatcher struct {
	services.Service

	cfg    Config
	store  storage.Store
	links  *ingest.Links
	pub    Publisher
	logger log.Logger

	wake chan struct{}

	mtx      sync.Mutex
	inFlight map[int64]string // device id -> command id with status SENT/DELIVERED

	now func() time.Time
}

func New(cfg Config, store storage.Store, links *ingest.Links, pub Publisher, logger log.Logger) *Dispatcher {
	if pub == nil {
		pub = NopPublisher{}
	}
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		links:    links,
		pub:      pub,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		inFlight: map[int64]string{},
		now:      time.Now,
	}
	d.Service = services.NewBasicService(nil, d.running, nil)
	return d
}

func (d *Dispatcher) running(ctx context.Context) error {
	dispatchTicker := time.NewTicker(d.cfg.PollInterval)
	defer dispatchTicker.Stop()
	sweepTicker := time.NewTicker(d.cfg.SweepInterval)
	defer sweepTicker.Stop()
	scheduleTicker := time.NewTicker(d.cfg.ScheduleInterval)
	defer scheduleTicker.Stop()

	for {
		select {
		case <-dispatchTicker.C:
			d.dispatchOnce(ctx)
		case <-d.wake:
			d.dispatchOnce(ctx)
		case <-sweepTicker.C:
			d.sweepTimeouts(ctx)
		case <-scheduleTicker.C:
			d.fireScheduled(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Wake nudges the loop after an enqueue; coalesces while a round is pending.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dispatchOnce pulls up to MaxBatch ready entries in (priority desc, enqueue
// asc) order and attempts each one.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	now := d.now().UTC()
	entries, err := d.store.NextDueCommands(ctx, now, d.cfg.MaxBatch)
	if err != nil {
		level.Error(d.logger).Log("msg", "queue read failed", "err", err)
		return
	}

	for _, entry := range entries {
		if d.deviceBusy(entry.DeviceID) {
			continue
		}
		d.attempt(ctx, entry, now)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, entry *model.QueueEntry, now time.Time) {
	cmd, err := d.store.CommandByID(ctx, entry.CommandID)
	if errors.Is(err, storage.ErrNotFound) {
		_ = d.store.DeactivateQueueEntry(ctx, entry.CommandID)
		return
	}
	if err != nil {
		level.Error(d.logger).Log("msg", "command read failed", "commandId", entry.CommandID, "err", err)
		return
	}

	if cmd.Status.Terminal() {
		_ = d.store.DeactivateQueueEntry(ctx, cmd.ID)
		return
	}
	if cmd.Status != model.CommandPending {
		return
	}

	// expiry check on dequeue
	if cmd.Expired(now) {
		d.transition(ctx, cmd.ID, model.CommandPending, model.CommandExpired, storage.CommandUpdate{At: now})
		_ = d.store.DeactivateQueueEntry(ctx, cmd.ID)
		metricDispatched.WithLabelValues("expired").Inc()
		return
	}

	device, err := d.store.DeviceByID(ctx, cmd.DeviceID)
	if err != nil {
		level.Error(d.logger).Log("msg", "device read failed", "commandId", cmd.ID, "deviceId", cmd.DeviceID, "err", err)
		return
	}

	link, ok := d.links.Get(device.UniqueID)
	if !ok {
		// device offline: stay PENDING, come back later
		entry.NextAt = now.Add(d.cfg.OfflineRetryInterval)
		if err := d.store.UpsertQueueEntry(ctx, entry); err != nil {
			level.Error(d.logger).Log("msg", "queue reschedule failed", "commandId", cmd.ID, "err", err)
		}
		metricDispatched.WithLabelValues("offline").Inc()
		return
	}

	enc, err := registry.Encoder(device.Protocol)
	if err != nil {
		d.failTerminal(ctx, cmd, now, err.Error())
		return
	}
	payload, err := enc.Encode(cmd)
	if err != nil {
		// unsupported command for this protocol: FAILED without retry
		d.failTerminal(ctx, cmd, now, err.Error())
		return
	}

	if !d.markInFlight(cmd.DeviceID, cmd.ID) {
		return
	}

	// claim the command before touching the wire: if the guarded update
	// loses (e.g. an operator cancel got there first), nothing may be sent
	// and the device slot must be released
	if !d.transition(ctx, cmd.ID, model.CommandPending, model.CommandSent, storage.CommandUpdate{
		Payload: &payload,
		At:      now,
	}) {
		d.clearInFlight(cmd.DeviceID, cmd.ID)
		if cur, err := d.store.CommandByID(ctx, cmd.ID); err == nil && cur.Status.Terminal() {
			_ = d.store.DeactivateQueueEntry(ctx, cmd.ID)
		}
		metricDispatched.WithLabelValues("lost_claim").Inc()
		return
	}

	entry.Attempts++
	entry.LastAt = now
	entry.NextAt = now.Add(d.cfg.AckTimeout)
	if err := d.store.UpsertQueueEntry(ctx, entry); err != nil {
		level.Error(d.logger).Log("msg", "queue update failed", "commandId", cmd.ID, "err", err)
	}

	if err := link.Send(payload); err != nil {
		level.Warn(d.logger).Log("msg", "command send failed", "commandId", cmd.ID, "deviceId", cmd.DeviceID, "err", err)
		d.clearInFlight(cmd.DeviceID, cmd.ID)
		d.handleSendFailure(ctx, cmd, err.Error())
		metricDispatched.WithLabelValues("send_failed").Inc()
		return
	}

	metricDispatched.WithLabelValues("sent").Inc()
	level.Debug(d.logger).Log("msg", "command sent", "commandId", cmd.ID, "deviceId", cmd.DeviceID, "payload", payload)
	d.emitEvent(ctx, model.EventQueuedCommandSent, cmd, now, nil)
}

// handleSendFailure walks SENT -> FAILED and, when retries remain, FAILED ->
// PENDING with exponential backoff.
func (d *Dispatcher) handleSendFailure(ctx context.Context, cmd *model.Command, reason string) {
	now := d.now().UTC()
	d.transition(ctx, cmd.ID, model.CommandSent, model.CommandFailed, storage.CommandUpdate{
		Error: &reason,
		At:    now,
	})

	if cmd.RetryCount >= cmd.MaxRetries {
		_ = d.store.DeactivateQueueEntry(ctx, cmd.ID)
		metricDispatched.WithLabelValues("failed").Inc()
		return
	}
	d.requeue(ctx, cmd, now)
}

// requeue performs FAILED -> PENDING with retry_count+1 and backoff.
func (d *Dispatcher) requeue(ctx context.Context, cmd *model.Command, now time.Time) {
	retries := cmd.RetryCount + 1
	d.transition(ctx, cmd.ID, model.CommandFailed, model.CommandPending, storage.CommandUpdate{
		RetryCount: &retries,
		At:         now,
	})

	entry := &model.QueueEntry{
		CommandID:  cmd.ID,
		DeviceID:   cmd.DeviceID,
		Priority:   cmd.Priority,
		EnqueuedAt: cmd.CreatedAt,
		Attempts:   retries,
		LastAt:     now,
		NextAt:     now.Add(d.retryDelay(cmd.RetryCount)),
		Active:     true,
	}
	if err := d.store.UpsertQueueEntry(ctx, entry); err != nil {
		level.Error(d.logger).Log("msg", "requeue failed", "commandId", cmd.ID, "err", err)
	}
	metricDispatched.WithLabelValues("requeued").Inc()
}

// retryDelay is min(2^retry seconds, MaxRetryBackoff).
func (d *Dispatcher) retryDelay(retry int) time.Duration {
	if retry > 20 {
		return d.cfg.MaxRetryBackoff
	}
	delay := time.Duration(1<<uint(retry)) * time.Second
	if delay > d.cfg.MaxRetryBackoff {
		return d.cfg.MaxRetryBackoff
	}
	return delay
}

func (d *Dispatcher) failTerminal(ctx context.Context, cmd *model.Command, now time.Time, reason string) {
	d.transition(ctx, cmd.ID, cmd.Status, model.CommandFailed, storage.CommandUpdate{
		Error: &reason,
		At:    now,
	})
	_ = d.store.DeactivateQueueEntry(ctx, cmd.ID)
	metricDispatched.WithLabelValues("unsupported").Inc()
}

// HandleResult consumes a decoded command response frame. Pipeline calls it
// for KindCommandResult frames.
func (d *Dispatcher) HandleResult(ctx context.Context, deviceID int64, result string) {
	d.mtx.Lock()
	commandID, ok := d.inFlight[deviceID]
	d.mtx.Unlock()
	if !ok {
		level.Debug(d.logger).Log("msg", "result for idle device", "deviceId", deviceID, "result", result)
		return
	}

	cmd, err := d.store.CommandByID(ctx, commandID)
	if err != nil {
		level.Error(d.logger).Log("msg", "command read failed", "commandId", commandID, "err", err)
		return
	}

	now := d.now().UTC()
	switch cmd.Status {
	case model.CommandSent:
		d.transition(ctx, cmd.ID, model.CommandSent, model.CommandExecuted, storage.CommandUpdate{
			Response: &result,
			At:       now,
		})
	case model.CommandDelivered:
		d.transition(ctx, cmd.ID, model.CommandDelivered, model.CommandExecuted, storage.CommandUpdate{
			Response: &result,
			At:       now,
		})
	default:
		return
	}

	_ = d.store.DeactivateQueueEntry(ctx, cmd.ID)
	d.clearInFlight(deviceID, commandID)
	metricDispatched.WithLabelValues("executed").Inc()
	d.emitEvent(ctx, model.EventCommandResult, cmd, now, model.Attributes{"result": result})
}

// sweepTimeouts handles SENT commands with no acknowledgement within
// AckTimeout and DELIVERED commands with no execution within ExecTimeout.
func (d *Dispatcher) sweepTimeouts(ctx context.Context) {
	now := d.now().UTC()

	stale, err := d.store.CommandsInStatus(ctx, model.CommandSent, now.Add(-d.cfg.AckTimeout))
	if err != nil {
		level.Error(d.logger).Log("msg", "timeout sweep failed", "err", err)
		return
	}
	for _, cmd := range stale {
		d.clearInFlight(cmd.DeviceID, cmd.ID)
		if cmd.RetryCount < cmd.MaxRetries {
			// an ack may land between the stale query and here; requeue
			// only if the command is still ours to fail
			if d.transition(ctx, cmd.ID, model.CommandSent, model.CommandFailed, storage.CommandUpdate{At: now}) {
				d.requeue(ctx, cmd, now)
			}
			continue
		}
		d.transition(ctx, cmd.ID, model.CommandSent, model.CommandTimeout, storage.CommandUpdate{At: now})
		_ = d.store.DeactivateQueueEntry(ctx, cmd.ID)
		metricDispatched.WithLabelValues("timeout").Inc()
	}

	delivered, err := d.store.CommandsInStatus(ctx, model.CommandDelivered, now.Add(-d.cfg.ExecTimeout))
	if err != nil {
		level.Error(d.logger).Log("msg", "timeout sweep failed", "err", err)
		return
	}
	for _, cmd := range delivered {
		d.clearInFlight(cmd.DeviceID, cmd.ID)
		d.transition(ctx, cmd.ID, model.CommandDelivered, model.CommandTimeout, storage.CommandUpdate{At: now})
		_ = d.store.DeactivateQueueEntry(ctx, cmd.ID)
		metricDispatched.WithLabelValues("timeout").Inc()
	}
}

// fireScheduled enqueues a fresh command for every due schedule.
func (d *Dispatcher) fireScheduled(ctx context.Context) {
	now := d.now().UTC()
	due, err := d.store.DueScheduledCommands(ctx, now)
	if err != nil {
		level.Error(d.logger).Log("msg", "schedule read failed", "err", err)
		return
	}

	for _, sc := range due {
		_, err := d.Enqueue(ctx, EnqueueRequest{
			DeviceID:   sc.DeviceID,
			Type:       sc.Type,
			Priority:   sc.Priority,
			Params:     sc.Params,
			MaxRetries: &sc.MaxRetries,
		})
		if err != nil {
			level.Error(d.logger).Log("msg", "scheduled enqueue failed", "scheduleId", sc.ID, "err", err)
			continue
		}

		sc.FireCount++
		if sc.RepeatInterval > 0 && (sc.MaxRepeats == 0 || sc.FireCount < sc.MaxRepeats) {
			sc.EarliestAt = now.Add(sc.RepeatInterval)
		} else {
			sc.Disabled = true
		}
		if err := d.store.UpdateScheduledCommand(ctx, sc); err != nil {
			level.Error(d.logger).Log("msg", "schedule update failed", "scheduleId", sc.ID, "err", err)
		}
	}
}

// transition performs the guarded status update and reports whether it
// landed. A false return means the command moved under us (or the store
// failed) and the caller must not act as if the transition happened.
func (d *Dispatcher) transition(ctx context.Context, id string, from, to model.CommandStatus, u storage.CommandUpdate) bool {
	if !from.CanTransition(to) {
		level.Error(d.logger).Log("msg", "illegal transition suppressed", "commandId", id, "from", from, "to", to)
		return false
	}
	if err := d.store.UpdateCommandStatus(ctx, id, from, to, u); err != nil {
		level.Warn(d.logger).Log("msg", "status transition failed", "commandId", id, "from", from, "to", to, "err", err)
		return false
	}
	return true
}

func (d *Dispatcher) deviceBusy(deviceID int64) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	_, ok := d.inFlight[deviceID]
	return ok
}

func (d *Dispatcher) markInFlight(deviceID int64, commandID string) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.inFlight[deviceID]; ok {
		return false
	}
	d.inFlight[deviceID] = commandID
	metricInFlight.Set(float64(len(d.inFlight)))
	return true
}

func (d *Dispatcher) clearInFlight(deviceID int64, commandID string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.inFlight[deviceID] == commandID {
		delete(d.inFlight, deviceID)
		metricInFlight.Set(float64(len(d.inFlight)))
	}
}

func (d *Dispatcher) emitEvent(ctx context.Context, t model.EventType, cmd *model.Command, at time.Time, attrs model.Attributes) {
	if attrs == nil {
		attrs = model.Attributes{}
	}
	attrs["commandId"] = cmd.ID
	attrs["commandType"] = cmd.Type

	e := &model.Event{
		Type:       t,
		EventTime:  at,
		DeviceID:   cmd.DeviceID,
		Attributes: attrs,
	}
	if _, err := d.store.InsertEvent(ctx, e); err != nil {
		level.Warn(d.logger).Log("msg", "command event write failed", "commandId", cmd.ID, "err", err)
		return
	}
	d.pub.PublishEvent(e)
}
