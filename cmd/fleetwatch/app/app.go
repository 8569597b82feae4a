package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"gopkg.in/yaml.v2"

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

const metricsNamespace = "fleetwatch"

// App is the root datastructure.
type App struct {
	cfg Config

	Server *server.Server

	store    *storage.Service
	registry *registry.Registry
	index    *geofence.Index
	engine   *events.Engine
	sweeper  *events.Sweeper
	pipeline *pipeline.Pipeline
	ingest   *ingest.Ingest
	dispatch *dispatch.Dispatcher
	hub      *hub.Hub

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.moduleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to create service manager: %w", err)
	}

	// before starting servers, register /ready and /config
	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))

	healthy := func() { level.Info(log.Logger).Log("msg", "fleetwatch started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "fleetwatch stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which
	// stops all the services.
	handler := signals.NewHandler(t.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}
