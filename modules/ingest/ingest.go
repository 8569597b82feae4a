// Package ingest owns the protocol listeners and the device live-link table.
package ingest

import (
	"context"
	"fmt"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"golang.org/x/sync/errgroup"

	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
	"github.com/fleetwatch/fleetwatch/pkg/protocol/osmand"
	pkgregistry "github.com/fleetwatch/fleetwatch/pkg/protocol/registry"
)

// Sink consumes decoded frames; the pipeline implements it.
type Sink interface {
	Ingest(ctx context.Context, frame protocol.Frame, obs registry.Observation) (registry.Resolution, error)
}

// Ingest runs the configured listeners and exposes the live-link table to the
// dispatcher.
type Ingest struct {
	services.Service

	cfg    Config
	sink   Sink
	links  *Links
	logger log.Logger

	stream   *streamListener
	datagram *datagramListener
	http     *httpIngest
}

func New(cfg Config, sink Sink, logger log.Logger) (*Ingest, error) {
	i := &Ingest{
		cfg:    cfg,
		sink:   sink,
		links:  NewLinks(),
		logger: logger,
	}

	if cfg.Stream.ListenAddress != "" {
		dec, err := pkgregistry.Decoder(cfg.Stream.Protocol)
		if err != nil {
			return nil, err
		}
		stream, ok := dec.(protocol.StreamDecoder)
		if !ok {
			return nil, fmt.Errorf("protocol %q cannot frame a stream transport", cfg.Stream.Protocol)
		}
		i.stream = &streamListener{
			cfg:     cfg.Stream,
			decoder: stream,
			sink:    sink,
			links:   i.links,
			writeTO: cfg.WriteTimeout,
			logger:  log.With(logger, "listener", "stream"),
		}
	}

	if cfg.Datagram.ListenAddress != "" {
		dec, err := pkgregistry.Decoder(cfg.Datagram.Protocol)
		if err != nil {
			return nil, err
		}
		i.datagram = &datagramListener{
			cfg:     cfg.Datagram,
			decoder: dec,
			sink:    sink,
			logger:  log.With(logger, "listener", "datagram"),
		}
	}

	i.http = &httpIngest{
		decoder: osmand.NewDecoder(),
		sink:    sink,
		port:    cfg.HTTPPort,
		logger:  log.With(logger, "listener", "http"),
	}

	i.Service = services.NewBasicService(i.starting, i.running, i.stopping)
	return i, nil
}

// Links is the table the dispatcher consults before sending.
func (i *Ingest) Links() *Links {
	return i.links
}

// RegisterRoutes mounts the request/response transport on the shared server.
func (i *Ingest) RegisterRoutes(router *mux.Router) {
	i.http.RegisterRoutes(router)
}

func (i *Ingest) starting(context.Context) error {
	if i.stream != nil {
		l, err := net.Listen("tcp", i.cfg.Stream.ListenAddress)
		if err != nil {
			return fmt.Errorf("stream listen %s: %w", i.cfg.Stream.ListenAddress, err)
		}
		i.stream.listener = l
		i.stream.port = tcpPort(l.Addr())
		level.Info(i.logger).Log("msg", "stream listener up", "addr", l.Addr(), "protocol", i.cfg.Stream.Protocol)
	}

	if i.datagram != nil {
		pc, err := net.ListenPacket("udp", i.cfg.Datagram.ListenAddress)
		if err != nil {
			return fmt.Errorf("datagram listen %s: %w", i.cfg.Datagram.ListenAddress, err)
		}
		i.datagram.conn = pc
		i.datagram.port = udpPort(pc.LocalAddr())
		level.Info(i.logger).Log("msg", "datagram listener up", "addr", pc.LocalAddr(), "protocol", i.cfg.Datagram.Protocol)
	}
	return nil
}

func (i *Ingest) running(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if i.stream != nil {
		g.Go(func() error { return i.stream.run(gctx) })
	}
	if i.datagram != nil {
		g.Go(func() error { return i.datagram.run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		// unblock the accept and read loops
		if i.stream != nil {
			_ = i.stream.listener.Close()
		}
		if i.datagram != nil {
			_ = i.datagram.conn.Close()
		}
		return nil
	})
	return g.Wait()
}

func (i *Ingest) stopping(_ error) error {
	return nil
}

func tcpPort(addr net.Addr) int {
	if a, ok := addr.(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func udpPort(addr net.Addr) int {
	if a, ok := addr.(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}
