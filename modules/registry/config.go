package registry

import (
	"flag"
	"time"
)

type Config struct {
	// NegativeTTL bounds how long an unregistered unique id is resolved from
	// the in-process cache before the store is consulted again. Adoption takes
	// effect within this window at the latest.
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.NegativeTTL, prefix+".negative-ttl", 30*time.Second, "How long an unknown unique id result is cached in process.")
}
