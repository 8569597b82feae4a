package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/modules/ingest"
	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/model"
)

type fakeLink struct {
	sent []string
	fail bool
}

func (f *fakeLink) Send(payload string) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeLink) RemoteAddr() string { return "test" }

type testDispatcher struct {
	d      *Dispatcher
	store  *storage.MemStore
	links  *ingest.Links
	device *model.Device
	now    time.Time
}

func newTestDispatcher(t *testing.T) *testDispatcher {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemStore()
	device := &model.Device{UniqueID: "907126119", Protocol: "suntech"}
	require.NoError(t, store.AddDevice(ctx, device))

	links := ingest.NewLinks()
	d := New(Config{
		MaxBatch:             16,
		PollInterval:         5 * time.Second,
		OfflineRetryInterval: 15 * time.Second,
		AckTimeout:           5 * time.Minute,
		ExecTimeout:          10 * time.Minute,
		SweepInterval:        30 * time.Second,
		MaxRetryBackoff:      300 * time.Second,
		DefaultMaxRetries:    3,
		ScheduleInterval:     30 * time.Second,
	}, store, links, NopPublisher{}, log.NewNopLogger())

	td := &testDispatcher{
		d:      d,
		store:  store,
		links:  links,
		device: device,
		now:    time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC),
	}
	d.now = func() time.Time { return td.now }
	return td
}

func (td *testDispatcher) advance(dur time.Duration) { td.now = td.now.Add(dur) }

func (td *testDispatcher) status(t *testing.T, id string) model.CommandStatus {
	t.Helper()
	cmd, err := td.store.CommandByID(context.Background(), id)
	require.NoError(t, err)
	return cmd.Status
}

func TestPriorityPreemptionAtIdle(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)
	link := &fakeLink{}
	td.links.Register(td.device.UniqueID, link)

	normal, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID: td.device.ID,
		Type:     model.CommandSetInterval,
		Priority: model.PriorityNormal,
		Params:   map[string]string{"interval": "60"},
	})
	require.NoError(t, err)
	td.advance(time.Second)
	critical, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID: td.device.ID,
		Type:     model.CommandReboot,
		Priority: model.PriorityCritical,
	})
	require.NoError(t, err)

	// the later CRITICAL command goes first; the NORMAL one is head-of-line
	// blocked behind the in-flight cap
	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandSent, td.status(t, critical))
	assert.Equal(t, model.CommandPending, td.status(t, normal))
	require.Equal(t, []string{"REBOOT"}, link.sent)

	// a second round sends nothing while the device is busy
	td.d.dispatchOnce(ctx)
	require.Len(t, link.sent, 1)

	// the tracker acks; the NORMAL command follows
	td.d.HandleResult(ctx, td.device.ID, "REBOOT:OK")
	assert.Equal(t, model.CommandExecuted, td.status(t, critical))

	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandSent, td.status(t, normal))
	assert.Equal(t, []string{"REBOOT", "SETINTERVAL,60"}, link.sent)
}

func TestRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)

	two := 2
	id, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID:   td.device.ID,
		Type:       model.CommandSetInterval,
		Priority:   model.PriorityNormal,
		Params:     map[string]string{"interval": "30"},
		MaxRetries: &two,
	})
	require.NoError(t, err)

	// no live link: the command stays PENDING
	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandPending, td.status(t, id))

	// the device reconnects but every write fails
	link := &fakeLink{fail: true}
	td.links.Register(td.device.UniqueID, link)

	for i := 0; i < 3; i++ {
		td.advance(time.Minute) // past offline reschedule and retry backoff
		td.d.dispatchOnce(ctx)
	}

	cmd, err := td.store.CommandByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.Equal(t, 2, cmd.RetryCount)

	// terminal: nothing further is attempted
	td.advance(time.Minute)
	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandFailed, td.status(t, id))
}

func TestAckTimeoutRetriesThenTimeout(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)
	link := &fakeLink{}
	td.links.Register(td.device.UniqueID, link)

	one := 1
	id, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID:   td.device.ID,
		Type:       model.CommandPositionSingle,
		Priority:   model.PriorityHigh,
		MaxRetries: &one,
	})
	require.NoError(t, err)

	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandSent, td.status(t, id))

	// no ack within AckTimeout: one retry remains
	td.advance(6 * time.Minute)
	td.d.sweepTimeouts(ctx)
	assert.Equal(t, model.CommandPending, td.status(t, id))

	td.advance(time.Minute)
	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandSent, td.status(t, id))
	assert.Len(t, link.sent, 2)

	// still no ack and the budget is spent
	td.advance(6 * time.Minute)
	td.d.sweepTimeouts(ctx)
	assert.Equal(t, model.CommandTimeout, td.status(t, id))

	// the device is free for new work afterwards
	assert.False(t, td.d.deviceBusy(td.device.ID))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)

	id, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID: td.device.ID,
		Type:     model.CommandReboot,
		Priority: model.PriorityNormal,
	})
	require.NoError(t, err)

	require.NoError(t, td.d.Cancel(ctx, id, "operator request"))
	assert.Equal(t, model.CommandCancelled, td.status(t, id))

	// cancelled commands are never dispatched
	td.links.Register(td.device.UniqueID, &fakeLink{})
	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandCancelled, td.status(t, id))

	// cancel is PENDING-only
	assert.ErrorIs(t, td.d.Cancel(ctx, id, ""), storage.ErrConflict)
}

// cancelRaceStore flips the command to CANCELLED just before the dispatch
// loop's guarded PENDING -> SENT update, so the update returns ErrConflict
// the way a real operator cancel racing the loop would.
type cancelRaceStore struct {
	storage.Store
	raced bool
}

func (s *cancelRaceStore) UpdateCommandStatus(ctx context.Context, id string, from, to model.CommandStatus, u storage.CommandUpdate) error {
	if !s.raced && from == model.CommandPending && to == model.CommandSent {
		s.raced = true
		if err := s.Store.UpdateCommandStatus(ctx, id, model.CommandPending, model.CommandCancelled, storage.CommandUpdate{At: u.At}); err != nil {
			return err
		}
	}
	return s.Store.UpdateCommandStatus(ctx, id, from, to, u)
}

func TestCancelRacingDispatchIsNotSent(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)
	link := &fakeLink{}
	td.links.Register(td.device.UniqueID, link)
	td.d.store = &cancelRaceStore{Store: td.store}

	id, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID: td.device.ID,
		Type:     model.CommandEngineStop,
		Priority: model.PriorityHigh,
	})
	require.NoError(t, err)

	// the claim loses to the cancel: nothing reaches the device and the
	// in-flight slot is released
	td.d.dispatchOnce(ctx)
	assert.Empty(t, link.sent)
	assert.Equal(t, model.CommandCancelled, td.status(t, id))
	assert.False(t, td.d.deviceBusy(td.device.ID))

	// the device keeps taking new work
	next, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID: td.device.ID,
		Type:     model.CommandReboot,
		Priority: model.PriorityCritical,
	})
	require.NoError(t, err)
	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandSent, td.status(t, next))
	assert.Equal(t, []string{"REBOOT"}, link.sent)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)

	// already expired at enqueue
	expired, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID:  td.device.ID,
		Type:      model.CommandReboot,
		Priority:  model.PriorityNormal,
		ExpiresAt: td.now.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, model.CommandExpired, td.status(t, expired))

	// expires while waiting for the device
	waiting, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID:  td.device.ID,
		Type:      model.CommandReboot,
		Priority:  model.PriorityNormal,
		ExpiresAt: td.now.Add(time.Minute),
	})
	require.NoError(t, err)

	td.advance(2 * time.Minute)
	td.links.Register(td.device.UniqueID, &fakeLink{})
	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandExpired, td.status(t, waiting))
}

func TestUnsupportedCommandFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)

	osmandDevice := &model.Device{UniqueID: "osm-1", Protocol: "osmand"}
	require.NoError(t, td.store.AddDevice(ctx, osmandDevice))
	td.links.Register(osmandDevice.UniqueID, &fakeLink{})

	// the OsmAnd family has no engine cut-off
	id, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID: osmandDevice.ID,
		Type:     model.CommandEngineStop,
		Priority: model.PriorityCritical,
	})
	require.NoError(t, err)

	td.d.dispatchOnce(ctx)
	cmd, err := td.store.CommandByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.NotEmpty(t, cmd.Error)
	assert.Zero(t, cmd.RetryCount)

	// no retry happens for encode failures
	td.advance(time.Minute)
	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandFailed, td.status(t, id))
}

func TestRetryAPI(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)

	zero := 0
	id, err := td.d.Enqueue(ctx, EnqueueRequest{
		DeviceID:   td.device.ID,
		Type:       model.CommandReboot,
		Priority:   model.PriorityNormal,
		MaxRetries: &zero,
	})
	require.NoError(t, err)

	link := &fakeLink{fail: true}
	td.links.Register(td.device.UniqueID, link)
	td.d.dispatchOnce(ctx)
	require.Equal(t, model.CommandFailed, td.status(t, id))

	// operator retries with a healthy link
	link.fail = false
	require.NoError(t, td.d.Retry(ctx, id, true))
	assert.Equal(t, model.CommandPending, td.status(t, id))

	td.d.dispatchOnce(ctx)
	assert.Equal(t, model.CommandSent, td.status(t, id))
}

func TestEnqueueHandlerPriorityNames(t *testing.T) {
	td := newTestDispatcher(t)

	body := fmt.Sprintf(`{"deviceId":%d,"type":"reboot","priority":"CRITICAL"}`, td.device.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader(body))
	rec := httptest.NewRecorder()
	td.d.EnqueueHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	cmd, err := td.store.CommandByID(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, model.PriorityCritical, cmd.Priority)

	// unknown names are rejected before anything is persisted
	body = fmt.Sprintf(`{"deviceId":%d,"type":"reboot","priority":"URGENT"}`, td.device.ID)
	req = httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader(body))
	rec = httptest.NewRecorder()
	td.d.EnqueueHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTemplates(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)
	link := &fakeLink{}
	td.links.Register(td.device.UniqueID, link)

	tpl := &model.CommandTemplate{
		Name:     "slow-reporting",
		Type:     model.CommandSetInterval,
		Priority: model.PriorityLow,
		Params:   map[string]string{"interval": "600"},
	}
	require.NoError(t, td.d.CreateTemplate(ctx, tpl))

	id, err := td.d.UseTemplate(ctx, tpl.ID, td.device.ID, map[string]string{"interval": "120"})
	require.NoError(t, err)

	cmd, err := td.store.CommandByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "120", cmd.Params["interval"])
	assert.Equal(t, model.PriorityLow, cmd.Priority)

	got, err := td.store.TemplateByID(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UseCount)

	td.d.dispatchOnce(ctx)
	assert.Equal(t, []string{"SETINTERVAL,120"}, link.sent)
}

func TestScheduledCommands(t *testing.T) {
	ctx := context.Background()
	td := newTestDispatcher(t)

	sc := &model.ScheduledCommand{
		DeviceID:       td.device.ID,
		Type:           model.CommandPositionSingle,
		Priority:       model.PriorityNormal,
		EarliestAt:     td.now.Add(time.Minute),
		RepeatInterval: time.Hour,
		MaxRepeats:     2,
	}
	require.NoError(t, td.d.Schedule(ctx, sc))

	// not due yet
	td.d.fireScheduled(ctx)
	cmds, err := td.store.CommandsInStatus(ctx, model.CommandPending, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, cmds)

	// first fire
	td.advance(2 * time.Minute)
	td.d.fireScheduled(ctx)
	cmds, err = td.store.CommandsInStatus(ctx, model.CommandPending, time.Time{})
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	// not due again until the repeat interval elapses
	td.d.fireScheduled(ctx)
	cmds, err = td.store.CommandsInStatus(ctx, model.CommandPending, time.Time{})
	require.NoError(t, err)
	assert.Len(t, cmds, 1)

	// second fire exhausts MaxRepeats and disables the schedule
	td.advance(2 * time.Hour)
	td.d.fireScheduled(ctx)
	cmds, err = td.store.CommandsInStatus(ctx, model.CommandPending, time.Time{})
	require.NoError(t, err)
	assert.Len(t, cmds, 2)

	td.advance(2 * time.Hour)
	td.d.fireScheduled(ctx)
	cmds, err = td.store.CommandsInStatus(ctx, model.CommandPending, time.Time{})
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}
