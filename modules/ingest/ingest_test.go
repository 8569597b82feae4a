package ingest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/pkg/model"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
	"github.com/fleetwatch/fleetwatch/pkg/protocol/suntech"
)

type fakeSink struct {
	mtx    sync.Mutex
	frames []protocol.Frame
	obs    []registry.Observation
	err    error
}

func (f *fakeSink) Ingest(_ context.Context, frame protocol.Frame, obs registry.Observation) (registry.Resolution, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return registry.Resolution{}, f.err
	}
	f.frames = append(f.frames, frame)
	f.obs = append(f.obs, obs)
	return registry.Resolution{Unknown: &model.UnknownDevice{ID: 1, UniqueID: frame.SourceID}}, nil
}

func (f *fakeSink) count() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.frames)
}

type fakeLink struct{ sent []string }

func (f *fakeLink) Send(payload string) error { f.sent = append(f.sent, payload); return nil }
func (f *fakeLink) RemoteAddr() string        { return "test" }

func TestLinksSupersede(t *testing.T) {
	links := NewLinks()
	first := &fakeLink{}
	second := &fakeLink{}

	links.Register("42", first)
	links.Register("42", second)
	assert.Equal(t, 1, links.Len())

	// the stale connection's teardown must not drop the replacement
	links.Unregister("42", first)
	got, ok := links.Get("42")
	require.True(t, ok)
	assert.Same(t, Link(second), got)

	links.Unregister("42", second)
	_, ok = links.Get("42")
	assert.False(t, ok)
	assert.Zero(t, links.Len())
}

const seedFrame = "ST300STT;907126119;04;1097B;20250908;12:44:33;33e530;-03.843813;-038.615475;000.013;000.00;11;1;26663840;14.07;000000;1;0019;295746;0.0;0;0;00000000000000;0"

func TestStreamHandle(t *testing.T) {
	sink := &fakeSink{}
	s := &streamListener{
		cfg:     StreamConfig{IdleTimeout: time.Second},
		decoder: suntech.NewDecoder(),
		sink:    sink,
		links:   NewLinks(),
		port:    5011,
		writeTO: time.Second,
		logger:  log.NewNopLogger(),
	}

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.handle(context.Background(), server)
		close(done)
	}()

	_, err := client.Write([]byte(seedFrame + "\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "907126119", sink.frames[0].SourceID)
	assert.Equal(t, 5011, sink.obs[0].Port)

	// the connection is registered as the device's live link
	link, ok := s.links.Get("907126119")
	require.True(t, ok)

	// outbound write reaches the tracker
	go func() { _ = link.Send("REBOOT") }()
	buf := make([]byte, 64)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "REBOOT\r\n", string(buf[:n]))

	// malformed input keeps the connection open
	_, err = client.Write([]byte("garbage-frame\r\n"))
	require.NoError(t, err)
	_, err = client.Write([]byte(seedFrame + "\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	// disconnect unregisters the link
	require.NoError(t, client.Close())
	<-done
	_, ok = s.links.Get("907126119")
	assert.False(t, ok)
}

func TestHTTPHandler(t *testing.T) {
	sink := &fakeSink{}
	i, err := New(Config{HTTPPort: 8080}, sink, log.NewNopLogger())
	require.NoError(t, err)
	router := mux.NewRouter()
	i.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/?id=42&lat=-23.55&lon=-46.63&timestamp=1757335473&speed=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "42", sink.frames[0].SourceID)
	// the observation carries the shared server port, not a listener of its own
	assert.Equal(t, 8080, sink.obs[0].Port)

	// decode error is the client's fault
	req = httptest.NewRequest(http.MethodGet, "/?lat=-23.55&lon=-46.63", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// downstream failure is ours
	sink.err = errors.New("store down")
	req = httptest.NewRequest(http.MethodGet, "/?id=42&lat=-23.55&lon=-46.63&timestamp=1757335473", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
