package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

// MemStore is the in-memory Store used by tests and single-node development
// setups. All methods are safe for concurrent use.
type MemStore struct {
	mtx sync.RWMutex

	nextID int64

	devices        map[int64]*model.Device
	devicesByUID   map[string]int64
	unknownDevices map[string]*model.UnknownDevice // keyed by uniqueID + "/" + protocol

	positions    map[int64]*model.Position
	positionKeys map[string]int64 // logical key -> position id
	lastPosition map[int64]int64  // device id -> position id

	events []*model.Event

	geofences map[int64]*model.Geofence

	commands  map[string]*model.Command
	queue     map[string]*model.QueueEntry
	templates map[int64]*model.CommandTemplate
	schedules map[int64]*model.ScheduledCommand
}

func NewMemStore() *MemStore {
	return &MemStore{
		devices:        map[int64]*model.Device{},
		devicesByUID:   map[string]int64{},
		unknownDevices: map[string]*model.UnknownDevice{},
		positions:      map[int64]*model.Position{},
		positionKeys:   map[string]int64{},
		lastPosition:   map[int64]int64{},
		geofences:      map[int64]*model.Geofence{},
		commands:       map[string]*model.Command{},
		queue:          map[string]*model.QueueEntry{},
		templates:      map[int64]*model.CommandTemplate{},
		schedules:      map[int64]*model.ScheduledCommand{},
	}
}

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemStore) AddDevice(_ context.Context, d *model.Device) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.devicesByUID[d.UniqueID]; ok {
		return fmt.Errorf("%w: device %q", ErrConflict, d.UniqueID)
	}
	if d.ID == 0 {
		d.ID = m.id()
	}
	if d.Status == "" {
		d.Status = model.StatusUnknown
	}
	cp := *d
	m.devices[d.ID] = &cp
	m.devicesByUID[d.UniqueID] = d.ID
	return nil
}

func (m *MemStore) DeviceByID(_ context.Context, id int64) (*model.Device, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) DeviceByUniqueID(_ context.Context, uniqueID string) (*model.Device, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	id, ok := m.devicesByUID[uniqueID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.devices[id]
	return &cp, nil
}

func (m *MemStore) Devices(_ context.Context) ([]*model.Device, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]*model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) UpdateDeviceSummary(_ context.Context, deviceID int64, s DeviceSummary) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Status = s.Status
	d.LastPositionID = s.LastPositionID
	d.LastSeen = s.LastSeen
	d.TotalDistance = s.TotalDistance
	d.Hours = s.Hours
	d.Motion = s.Motion
	d.Overspeed = s.Overspeed
	return nil
}

func unknownKey(uniqueID, protocol string) string {
	return uniqueID + "/" + protocol
}

func (m *MemStore) UpsertUnknownDevice(_ context.Context, u *model.UnknownDevice) (*model.UnknownDevice, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	key := unknownKey(u.UniqueID, u.Protocol)
	existing, ok := m.unknownDevices[key]
	if !ok {
		cp := *u
		cp.ID = m.id()
		cp.ConnectionCount = 1
		m.unknownDevices[key] = &cp
		out := cp
		return &out, nil
	}

	existing.LastSeen = u.LastSeen
	existing.ConnectionCount++
	existing.Port = u.Port
	if u.LastRawFrame != "" {
		existing.LastRawFrame = u.LastRawFrame
	}
	if u.LastDecoded != nil {
		existing.LastDecoded = u.LastDecoded
	}
	out := *existing
	return &out, nil
}

func (m *MemStore) UnknownDevices(_ context.Context) ([]*model.UnknownDevice, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]*model.UnknownDevice, 0, len(m.unknownDevices))
	for _, u := range m.unknownDevices {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) AdoptUnknownDevice(_ context.Context, uniqueID, protocol string, deviceID int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	u, ok := m.unknownDevices[unknownKey(uniqueID, protocol)]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.devices[deviceID]; !ok {
		return ErrNotFound
	}
	u.Registered = true
	u.DeviceID = deviceID
	return nil
}

func positionKey(p *model.Position) string {
	return fmt.Sprintf("%d/%d/%d/%.6f/%.6f", p.DeviceID, p.UnknownDeviceID, p.DeviceTime.UnixNano(), p.Latitude, p.Longitude)
}

func (m *MemStore) InsertPosition(_ context.Context, p *model.Position) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	key := positionKey(p)
	if id, ok := m.positionKeys[key]; ok {
		return id, nil
	}

	cp := *p
	cp.ID = m.id()
	cp.Attributes = p.Attributes.Clone()
	m.positions[cp.ID] = &cp
	m.positionKeys[key] = cp.ID
	if cp.DeviceID != 0 {
		m.lastPosition[cp.DeviceID] = cp.ID
	}
	return cp.ID, nil
}

func (m *MemStore) PositionByID(_ context.Context, id int64) (*model.Position, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) LastPosition(_ context.Context, deviceID int64) (*model.Position, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	id, ok := m.lastPosition[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.positions[id]
	return &cp, nil
}

func (m *MemStore) InsertEvent(_ context.Context, e *model.Event) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := *e
	cp.ID = m.id()
	cp.Attributes = e.Attributes.Clone()
	m.events = append(m.events, &cp)
	return cp.ID, nil
}

// Events returns all persisted events, oldest first. Test helper.
func (m *MemStore) Events() []*model.Event {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]*model.Event, 0, len(m.events))
	for _, e := range m.events {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

func (m *MemStore) UpsertGeofence(_ context.Context, g *model.Geofence) error {
	if err := g.Geometry.Validate(); err != nil {
		return err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if g.ID == 0 {
		g.ID = m.id()
	}
	g.Version++
	cp := *g
	m.geofences[g.ID] = &cp
	return nil
}

func (m *MemStore) DeleteGeofence(_ context.Context, id int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.geofences[id]; !ok {
		return ErrNotFound
	}
	delete(m.geofences, id)
	return nil
}

func (m *MemStore) ActiveGeofences(_ context.Context) ([]*model.Geofence, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]*model.Geofence, 0, len(m.geofences))
	for _, g := range m.geofences {
		if g.Disabled {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) InsertCommand(_ context.Context, c *model.Command) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.commands[c.ID]; ok {
		return fmt.Errorf("%w: command %s", ErrConflict, c.ID)
	}
	cp := *c
	m.commands[c.ID] = &cp
	return nil
}

func (m *MemStore) CommandByID(_ context.Context, id string) (*model.Command, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) UpdateCommandStatus(_ context.Context, id string, from, to model.CommandStatus, u CommandUpdate) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	c, ok := m.commands[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return fmt.Errorf("%w: command %s is %s, not %s", ErrConflict, id, c.Status, from)
	}

	c.Status = to
	applyCommandUpdate(c, to, u)
	return nil
}

func applyCommandUpdate(c *model.Command, to model.CommandStatus, u CommandUpdate) {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch to {
	case model.CommandSent:
		c.SentAt = at
	case model.CommandDelivered:
		c.DeliveredAt = at
	case model.CommandExecuted:
		c.ExecutedAt = at
		c.DoneAt = at
	case model.CommandFailed, model.CommandTimeout, model.CommandCancelled, model.CommandExpired:
		c.DoneAt = at
	}
	if u.RetryCount != nil {
		c.RetryCount = *u.RetryCount
	}
	if u.Payload != nil {
		c.Payload = *u.Payload
	}
	if u.Response != nil {
		c.Response = *u.Response
	}
	if u.Error != nil {
		c.Error = *u.Error
	}
}

func (m *MemStore) CommandsInStatus(_ context.Context, status model.CommandStatus, olderThan time.Time) ([]*model.Command, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var out []*model.Command
	for _, c := range m.commands {
		if c.Status != status {
			continue
		}
		if !olderThan.IsZero() && c.SentAt.After(olderThan) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) UpsertQueueEntry(_ context.Context, e *model.QueueEntry) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := *e
	m.queue[e.CommandID] = &cp
	return nil
}

func (m *MemStore) DeactivateQueueEntry(_ context.Context, commandID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e, ok := m.queue[commandID]
	if !ok {
		return ErrNotFound
	}
	e.Active = false
	return nil
}

func (m *MemStore) NextDueCommands(_ context.Context, now time.Time, limit int) ([]*model.QueueEntry, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var out []*model.QueueEntry
	for _, e := range m.queue {
		if !e.Ready(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) InsertTemplate(_ context.Context, t *model.CommandTemplate) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if t.ID == 0 {
		t.ID = m.id()
	}
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *MemStore) TemplateByID(_ context.Context, id int64) (*model.CommandTemplate, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) IncrementTemplateUse(_ context.Context, id int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	t, ok := m.templates[id]
	if !ok {
		return ErrNotFound
	}
	t.UseCount++
	return nil
}

func (m *MemStore) InsertScheduledCommand(_ context.Context, s *model.ScheduledCommand) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if s.ID == 0 {
		s.ID = m.id()
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemStore) DueScheduledCommands(_ context.Context, now time.Time) ([]*model.ScheduledCommand, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var out []*model.ScheduledCommand
	for _, s := range m.schedules {
		if s.Disabled || now.Before(s.EarliestAt) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) UpdateScheduledCommand(_ context.Context, s *model.ScheduledCommand) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemStore) DeletePositionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var deleted int64
	for id, p := range m.positions {
		if p.ServerTime.Before(cutoff) {
			delete(m.positions, id)
			delete(m.positionKeys, positionKey(p))
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemStore) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	kept := m.events[:0]
	var deleted int64
	for _, e := range m.events {
		if e.EventTime.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}
