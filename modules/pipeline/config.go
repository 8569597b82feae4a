package pipeline

import (
	"flag"
	"runtime"
	"time"

	"github.com/grafana/dskit/backoff"
)

type Config struct {
	// Partitions is the number of single-consumer workers. Frames for one
	// unique id always land on the same partition. 0 means CPU count x 2.
	Partitions int `yaml:"partitions"`

	// QueueSize is the depth of each partition's input channel. Ingestion
	// blocks when a partition is full, which backpressures the listener.
	QueueSize int `yaml:"queue_size"`

	// Backoff bounds the retry loop around store writes.
	Backoff backoff.Config `yaml:"backoff"`

	// DeadLetterPath receives frames that exhausted their write retries.
	// Empty disables the spill, failed frames are then dropped with a log.
	DeadLetterPath string `yaml:"dead_letter_path"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Partitions, prefix+".partitions", 0, "Pipeline worker partitions. 0 means CPU count x 2.")
	f.IntVar(&cfg.QueueSize, prefix+".queue-size", 256, "Frames buffered per partition.")
	f.StringVar(&cfg.DeadLetterPath, prefix+".dead-letter-path", "", "File that receives frames failing all write retries. Empty disables the spill.")

	cfg.Backoff = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 5,
	}
}

func (cfg *Config) partitions() int {
	if cfg.Partitions > 0 {
		return cfg.Partitions
	}
	return runtime.NumCPU() * 2
}
