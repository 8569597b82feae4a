package dispatch

import (
	"flag"
	"time"
)

type Config struct {
	// MaxBatch bounds how many ready entries one dispatch round pulls.
	MaxBatch int `yaml:"max_batch"`

	// PollInterval is the dispatch cadence when no enqueue wakes the loop.
	PollInterval time.Duration `yaml:"poll_interval"`

	// OfflineRetryInterval reschedules entries whose device has no live link.
	OfflineRetryInterval time.Duration `yaml:"offline_retry_interval"`

	// AckTimeout is how long a SENT command may wait for an acknowledgement.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// ExecTimeout is how long a DELIVERED command may wait for execution.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	// SweepInterval is the timeout sweeper cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxRetryBackoff caps the exponential FAILED -> PENDING backoff.
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// DefaultMaxRetries applies to commands enqueued without an explicit cap.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// ScheduleInterval is how often scheduled commands are checked.
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxBatch, prefix+".max-batch", 16, "Ready queue entries pulled per dispatch round.")
	f.DurationVar(&cfg.PollInterval, prefix+".poll-interval", 5*time.Second, "Dispatch cadence between enqueue wake-ups.")
	f.DurationVar(&cfg.AckTimeout, prefix+".ack-timeout", 5*time.Minute, "Time a sent command may wait for an acknowledgement.")
	f.DurationVar(&cfg.ExecTimeout, prefix+".exec-timeout", 10*time.Minute, "Time a delivered command may wait for execution.")
	f.IntVar(&cfg.DefaultMaxRetries, prefix+".default-max-retries", 3, "Retry cap for commands enqueued without one.")

	cfg.OfflineRetryInterval = 15 * time.Second
	cfg.SweepInterval = 30 * time.Second
	cfg.MaxRetryBackoff = 300 * time.Second
	cfg.ScheduleInterval = 30 * time.Second
}
