package hub

import (
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
)

// session is one operator connection. The hub owns the subscription index;
// the session owns its socket and outbound queue.
type session struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	logger log.Logger

	closeOnce sync.Once

	mtx      sync.Mutex
	lastSeen time.Time
	topics   map[string]struct{}
}

func (s *session) touch(now time.Time) {
	s.mtx.Lock()
	s.lastSeen = now
	s.mtx.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.lastSeen
}

// enqueue hands a pre-marshalled envelope to the writer. Reports false when
// the buffer is full, which the hub treats as grounds for dropping the
// session.
func (s *session) enqueue(msg []byte) bool {
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// close shuts the outbound queue exactly once. The writer drains what is
// already buffered, sends a close frame, and releases the socket.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.out) })
}

// writePump is the only goroutine allowed to write to the socket.
func (s *session) writePump(writeTimeout time.Duration) {
	for msg := range s.out {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			level.Debug(s.logger).Log("msg", "session write failed", "sessionId", s.id, "err", err)
			break
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// normalizeTopic accepts both the canonical "device:42" form and the wire
// shorthand "device_42".
func normalizeTopic(t string) string {
	if rest, ok := strings.CutPrefix(t, "device_"); ok {
		return "device:" + rest
	}
	return t
}
