package storage

import (
	"flag"
	"time"
)

// Storage backends.
const (
	BackendInmemory = "inmemory"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend   string          `yaml:"backend"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Cache     CacheConfig     `yaml:"cache"`
	Retention RetentionConfig `yaml:"retention"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type CacheConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Expiration time.Duration `yaml:"expiration"`
}

type RetentionConfig struct {
	Days          int           `yaml:"days"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BackendInmemory, "Storage backend (inmemory, postgres).")
	f.StringVar(&cfg.Postgres.DSN, prefix+".postgres.dsn", "", "Postgres connection string.")
	cfg.Postgres.MaxOpenConns = 16
	cfg.Postgres.MaxIdleConns = 4
	cfg.Postgres.ConnMaxLifetime = time.Hour

	f.StringVar(&cfg.Cache.Endpoint, prefix+".cache.endpoint", "", "Redis endpoint for the read-through cache. Empty disables caching.")
	cfg.Cache.Expiration = 5 * time.Minute

	f.IntVar(&cfg.Retention.Days, prefix+".retention.days", 90, "Days to keep positions and events. 0 disables the retention sweep.")
	cfg.Retention.CheckInterval = time.Hour
}
