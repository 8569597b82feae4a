package geofence

import (
	"flag"
	"time"
)

type Config struct {
	// RefreshInterval is the periodic snapshot rebuild. Mutations through the
	// admin surface trigger an immediate rebuild on top of this.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.RefreshInterval, prefix+".refresh-interval", 30*time.Second, "How often the geofence snapshot is rebuilt from the store.")
}
