package app

import (
	"context"
	"fmt"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"

	"github.com/fleetwatch/fleetwatch/modules/dispatch"
	"github.com/fleetwatch/fleetwatch/modules/events"
	"github.com/fleetwatch/fleetwatch/modules/geofence"
	"github.com/fleetwatch/fleetwatch/modules/hub"
	"github.com/fleetwatch/fleetwatch/modules/ingest"
	"github.com/fleetwatch/fleetwatch/modules/pipeline"
	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/util/log"
)

// The various modules that make up fleetwatch.
const (
	Server       string = "server"
	Store        string = "store"
	Registry     string = "registry"
	Geofence     string = "geofence"
	EventSweeper string = "event-sweeper"
	Pipeline     string = "pipeline"
	Ingest       string = "ingest"
	Dispatch     string = "dispatch"
	Hub          string = "hub"
	SingleBinary string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	DisableSignalHandling(&t.cfg.Server)

	srv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = srv
	return NewServerService(srv, servicesToWaitFor), nil
}

func (t *App) initStore() (services.Service, error) {
	svc, err := storage.New(t.cfg.Storage, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	t.store = svc
	return svc, nil
}

func (t *App) initHub() (services.Service, error) {
	t.hub = hub.New(t.cfg.Hub, log.Logger)
	t.hub.RegisterRoutes(t.Server.HTTP)
	return t.hub, nil
}

func (t *App) initRegistry() (services.Service, error) {
	t.registry = registry.New(t.cfg.Registry, t.store.Store, t.hub, log.Logger)
	t.registry.RegisterRoutes(t.Server.HTTP)
	return t.registry, nil
}

func (t *App) initGeofence() (services.Service, error) {
	t.index = geofence.New(t.cfg.Geofence, t.store.Store, log.Logger)
	t.index.RegisterRoutes(t.Server.HTTP)
	return t.index, nil
}

func (t *App) initEventSweeper() (services.Service, error) {
	t.sweeper = events.NewSweeper(t.cfg.Events, t.store.Store, t.hub, log.Logger)
	return t.sweeper, nil
}

func (t *App) initPipeline() (services.Service, error) {
	t.engine = events.NewEngine(t.cfg.Events)
	t.pipeline = pipeline.New(t.cfg.Pipeline, t.store.Store, t.registry, t.index, t.engine, t.hub, log.Logger)
	return t.pipeline, nil
}

func (t *App) initIngest() (services.Service, error) {
	// the OsmAnd endpoint rides the shared server; stamp its port on the
	// observations the transport records
	t.cfg.Ingest.HTTPPort = t.cfg.Server.HTTPListenPort
	ing, err := ingest.New(t.cfg.Ingest, t.pipeline, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create listeners: %w", err)
	}
	t.ingest = ing
	t.ingest.RegisterRoutes(t.Server.HTTP)
	return t.ingest, nil
}

func (t *App) initDispatch() (services.Service, error) {
	t.dispatch = dispatch.New(t.cfg.Dispatch, t.store.Store, t.ingest.Links(), t.hub, log.Logger)
	t.dispatch.RegisterRoutes(t.Server.HTTP)

	// command results arrive as inbound frames; the pipeline hands them over
	t.pipeline.SetAcker(t.dispatch)

	return t.dispatch, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Hub, t.initHub)
	mm.RegisterModule(Registry, t.initRegistry)
	mm.RegisterModule(Geofence, t.initGeofence)
	mm.RegisterModule(EventSweeper, t.initEventSweeper)
	mm.RegisterModule(Pipeline, t.initPipeline)
	mm.RegisterModule(Ingest, t.initIngest)
	mm.RegisterModule(Dispatch, t.initDispatch)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		Hub:          {Server},
		Registry:     {Store, Hub, Server},
		Geofence:     {Store, Server},
		EventSweeper: {Store, Hub},
		Pipeline:     {Store, Registry, Geofence, Hub},
		Ingest:       {Pipeline, Server},
		Dispatch:     {Store, Ingest, Hub, Server},
		SingleBinary: {Ingest, Dispatch, EventSweeper, Geofence},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm
	return nil
}

// NewServerService constructs a service from the shared server. In stopping,
// it waits until all other services terminate before releasing the listeners
// so late writes and scrapes still land.
func NewServerService(s *server.Server, servicesToWaitFor func() []services.Service) services.Service {
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- s.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}
			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		for _, svc := range servicesToWaitFor() {
			_ = svc.AwaitTerminated(context.Background())
		}

		s.Shutdown()
		<-serverDone
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}

// DisableSignalHandling puts a dummy signal handler into the server config.
// The app owns signal handling; the server must not race it.
func DisableSignalHandling(config *server.Config) {
	config.SignalHandler = make(ignoreSignalHandler)
}

type ignoreSignalHandler chan struct{}

func (h ignoreSignalHandler) Loop() { <-h }

func (h ignoreSignalHandler) Stop() { close(h) }
