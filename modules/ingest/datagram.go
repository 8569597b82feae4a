package ingest

import (
	"context"
	"errors"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// datagramListener is the connectionless transport: each datagram is one
// decode attempt, handled by a bounded pool of readers on the shared socket.
// Datagram sources have no live link, commands cannot be pushed to them.
type datagramListener struct {
	cfg     DatagramConfig
	decoder protocol.Decoder
	sink    Sink
	port    int
	logger  log.Logger
	conn    net.PacketConn
}

func (d *datagramListener) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.read(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (d *datagramListener) read(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		n, remote, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			level.Warn(d.logger).Log("msg", "datagram read failed", "err", err)
			continue
		}
		if n == 0 {
			continue
		}

		frames, err := d.decoder.Decode(buf[:n])
		if err != nil {
			level.Warn(d.logger).Log("msg", "datagram decode failed", "protocol", d.decoder.Protocol(), "remote", remote, "err", err)
			continue
		}
		for _, frame := range frames {
			if _, err := d.sink.Ingest(ctx, frame, registry.Observation{
				Port:     d.port,
				RawFrame: string(frame.Raw),
			}); err != nil && ctx.Err() == nil {
				level.Warn(d.logger).Log("msg", "datagram ingest failed", "uniqueId", frame.SourceID, "err", err)
			}
		}
	}
}
