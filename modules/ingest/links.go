package ingest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricLiveLinks = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fleetwatch",
	Subsystem: "ingest",
	Name:      "live_links",
	Help:      "Open device links usable for outbound commands.",
})

// Link is an open connection a command can be written to.
type Link interface {
	Send(payload string) error
	RemoteAddr() string
}

// Links is the device live-link table: written by stream listeners on
// connect/disconnect, read by the dispatcher on every send.
type Links struct {
	mtx  sync.RWMutex
	byID map[string]Link
}

func NewLinks() *Links {
	return &Links{byID: map[string]Link{}}
}

// Register records the link for a unique id, replacing any previous one. A
// reconnecting tracker supersedes its stale connection.
func (l *Links) Register(uniqueID string, link Link) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if _, ok := l.byID[uniqueID]; !ok {
		metricLiveLinks.Inc()
	}
	l.byID[uniqueID] = link
}

// Unregister removes the link, but only while it is still the current one.
// The disconnect of a superseded connection must not drop its replacement.
func (l *Links) Unregister(uniqueID string, link Link) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.byID[uniqueID] == link {
		delete(l.byID, uniqueID)
		metricLiveLinks.Dec()
	}
}

// Get returns the live link for a unique id.
func (l *Links) Get(uniqueID string) (Link, bool) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	link, ok := l.byID[uniqueID]
	return link, ok
}

// Len is the number of open links.
func (l *Links) Len() int {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return len(l.byID)
}
