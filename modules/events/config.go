package events

import (
	"flag"
	"time"
)

type Config struct {
	// DedupWindow suppresses repeat geofence events per (device, geofence,
	// type).
	DedupWindow time.Duration `yaml:"dedup_window"`

	// OnlineWindow / OfflineWindow drive the status sweeper: a device with a
	// frame within OnlineWindow is online, one silent beyond OfflineWindow is
	// offline. Between the two the previous status holds.
	OnlineWindow  time.Duration `yaml:"online_window"`
	OfflineWindow time.Duration `yaml:"offline_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DefaultSpeedLimitKmh applies to devices without a speedLimit attribute.
	DefaultSpeedLimitKmh float64 `yaml:"default_speed_limit_kmh"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.DedupWindow, prefix+".dedup-window", 5*time.Minute, "Suppression window for repeat geofence events.")
	f.DurationVar(&cfg.OnlineWindow, prefix+".online-window", 5*time.Minute, "A device with a frame within this window is online.")
	f.DurationVar(&cfg.OfflineWindow, prefix+".offline-window", 10*time.Minute, "A device silent beyond this window is offline.")
	f.DurationVar(&cfg.SweepInterval, prefix+".sweep-interval", time.Minute, "How often device statuses are swept.")
	f.Float64Var(&cfg.DefaultSpeedLimitKmh, prefix+".default-speed-limit-kmh", 80, "Overspeed threshold for devices without a speedLimit attribute.")
}
