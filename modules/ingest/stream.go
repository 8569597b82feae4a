package ingest

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// connLink adapts a stream connection for outbound command writes.
type connLink struct {
	conn         net.Conn
	writeTimeout time.Duration
}

func (c *connLink) Send(payload string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(payload + "\r\n"))
	return err
}

func (c *connLink) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// streamListener is the connection-oriented transport: one accept loop, one
// reader goroutine per connection, frame boundaries from the decoder's split
// function.
type streamListener struct {
	cfg      StreamConfig
	decoder  protocol.StreamDecoder
	sink     Sink
	links    *Links
	port     int
	writeTO  time.Duration
	logger   log.Logger
	listener net.Listener
}

func (s *streamListener) run(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			level.Warn(s.logger).Log("msg", "accept failed", "err", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *streamListener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	link := &connLink{conn: conn, writeTimeout: s.writeTO}
	// ids this connection identified as, for unregistration on close
	seen := map[string]struct{}{}
	defer func() {
		for id := range seen {
			s.links.Unregister(id, link)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	scanner.Split(s.decoder.Split())

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				level.Debug(s.logger).Log("msg", "stream connection closed", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		frames, err := s.decoder.Decode(raw)
		if err != nil {
			// malformed frames never kill the connection
			level.Warn(s.logger).Log("msg", "frame decode failed", "protocol", s.decoder.Protocol(), "remote", conn.RemoteAddr(), "err", err)
			continue
		}

		for _, frame := range frames {
			_, err := s.sink.Ingest(ctx, frame, registry.Observation{
				Port:     s.port,
				RawFrame: string(frame.Raw),
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				level.Warn(s.logger).Log("msg", "frame ingest failed", "uniqueId", frame.SourceID, "err", err)
				continue
			}
			if _, ok := seen[frame.SourceID]; !ok {
				seen[frame.SourceID] = struct{}{}
				s.links.Register(frame.SourceID, link)
			}
		}
	}
}
