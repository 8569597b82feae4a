package ingest

import (
	"flag"
	"time"
)

type StreamConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	Protocol      string        `yaml:"protocol"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type DatagramConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Protocol      string `yaml:"protocol"`
	Workers       int    `yaml:"workers"`
}

type Config struct {
	Stream   StreamConfig   `yaml:"stream"`
	Datagram DatagramConfig `yaml:"datagram"`

	// WriteTimeout bounds outbound command writes on live links.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// HTTPPort is the shared server's listen port, recorded on observations
	// from the HTTP transport. Injected at wiring time, not a user option.
	HTTPPort int `yaml:"-"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Stream.ListenAddress, prefix+".stream.listen-address", ":5011", "TCP listen address for the stream protocol. Empty disables the listener.")
	f.StringVar(&cfg.Stream.Protocol, prefix+".stream.protocol", "suntech", "Protocol decoded on the stream listener.")
	f.DurationVar(&cfg.Stream.IdleTimeout, prefix+".stream.idle-timeout", 300*time.Second, "Idle read timeout before a stream connection is closed.")

	f.StringVar(&cfg.Datagram.ListenAddress, prefix+".datagram.listen-address", "", "UDP listen address. Empty disables the listener.")
	f.StringVar(&cfg.Datagram.Protocol, prefix+".datagram.protocol", "suntech", "Protocol decoded on the datagram listener.")
	f.IntVar(&cfg.Datagram.Workers, prefix+".datagram.workers", 4, "Concurrent datagram readers.")

	cfg.WriteTimeout = 10 * time.Second
}
