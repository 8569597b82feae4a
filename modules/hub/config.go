package hub

import (
	"flag"
	"time"
)

type Config struct {
	// SendBuffer bounds each session's outbound queue. A session that cannot
	// drain is dropped rather than blocking publishers.
	SendBuffer int `yaml:"send_buffer"`

	// IdleTimeout reaps sessions with no inbound traffic.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// ReapInterval is the idle sweep cadence.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ReadLimit bounds inbound message size in bytes.
	ReadLimit int64 `yaml:"read_limit"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.SendBuffer, prefix+".send-buffer", 1024, "Outbound messages buffered per session before it is dropped.")
	f.DurationVar(&cfg.IdleTimeout, prefix+".idle-timeout", 5*time.Minute, "Sessions without a heartbeat for this long are closed.")

	cfg.ReapInterval = time.Minute
	cfg.WriteTimeout = 10 * time.Second
	cfg.ReadLimit = 64 * 1024
}
