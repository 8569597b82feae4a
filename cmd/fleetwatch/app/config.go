package app

import (
	"flag"

	"github.com/grafana/dskit/server"

	"github.com/fleetwatch/fleetwatch/modules/dispatch"
	"github.com/fleetwatch/fleetwatch/modules/events"
	"github.com/fleetwatch/fleetwatch/modules/geofence"
	"github.com/fleetwatch/fleetwatch/modules/hub"
	"github.com/fleetwatch/fleetwatch/modules/ingest"
	"github.com/fleetwatch/fleetwatch/modules/pipeline"
	"github.com/fleetwatch/fleetwatch/modules/registry"
	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/util"
)

// Config is the root config for App.
type Config struct {
	Target string `yaml:"target,omitempty"`

	Server   server.Config   `yaml:"server,omitempty"`
	Storage  storage.Config  `yaml:"storage,omitempty"`
	Registry registry.Config `yaml:"registry,omitempty"`
	Geofence geofence.Config `yaml:"geofence,omitempty"`
	Events   events.Config   `yaml:"events,omitempty"`
	Pipeline pipeline.Config `yaml:"pipeline,omitempty"`
	Ingest   ingest.Config   `yaml:"ingest,omitempty"`
	Dispatch dispatch.Config `yaml:"dispatch,omitempty"`
	Hub      hub.Config      `yaml:"hub,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.Target, "target", SingleBinary, "target module")

	c.Server.RegisterFlags(f)
	c.Server.HTTPListenPort = 8080

	c.Storage.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "storage"), f)
	c.Registry.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "registry"), f)
	c.Geofence.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "geofence"), f)
	c.Events.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "events"), f)
	c.Pipeline.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "pipeline"), f)
	c.Ingest.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "ingest"), f)
	c.Dispatch.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "dispatch"), f)
	c.Hub.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "hub"), f)
}

// ConfigWarning bundles a warning message with an explanation for the
// operator.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig checks if config values are suspect.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Storage.Backend == storage.BackendInmemory {
		warnings = append(warnings, ConfigWarning{
			Message: "storage.backend = inmemory",
			Explain: "Positions, events, and commands are lost on restart. Use the postgres backend in production.",
		})
	}

	if c.Storage.Retention.Days == 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "storage.retention.days = 0",
			Explain: "Positions and events are kept forever.",
		})
	}

	if c.Ingest.Stream.IdleTimeout == 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "ingest.stream.idle_timeout = 0",
			Explain: "Dead tracker connections are never reaped.",
		})
	}

	if c.Hub.SendBuffer < 64 {
		warnings = append(warnings, ConfigWarning{
			Message: "hub.send_buffer < 64",
			Explain: "Sessions are dropped on small bursts of traffic.",
		})
	}

	return warnings
}
