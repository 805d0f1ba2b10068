package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Limits   LimitsConfig   `toml:"limits"`
	Audit    AuditConfig    `toml:"audit"`
}

type ServerConfig struct {
	Addr            string `toml:"addr"`
	RateLimitPerMin int    `toml:"rate_limit_per_min"`
}

type DatabaseConfig struct {
	URL            string `toml:"url"`
	PoolMin        int    `toml:"pool_min"`
	PoolMax        int    `toml:"pool_max"`
	AcquireSec     int    `toml:"acquire_timeout_sec"`
	QuerySec       int    `toml:"query_timeout_sec"`
	ProbeSec       int    `toml:"probe_interval_sec"`
	ProbeTripCount int    `toml:"probe_trip_count"`
	// DegradedPct is the pool utilization percentage above which health
	// reports degraded.
	DegradedPct int `toml:"degraded_utilization_pct"`
}

type LimitsConfig struct {
	PreviewRows   int `toml:"preview_rows"`
	ActivityRows  int `toml:"activity_rows"`
	StatementRows int `toml:"statement_rows"`
	MaxBodyKB     int `toml:"max_body_kb"`
}

type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			RateLimitPerMin: 100,
		},
		Database: DatabaseConfig{
			PoolMin:        5,
			PoolMax:        20,
			AcquireSec:     5,
			QuerySec:       30,
			ProbeSec:       15,
			ProbeTripCount: 3,
			DegradedPct:    80,
		},
		Limits: LimitsConfig{
			PreviewRows:   10,
			ActivityRows:  50,
			StatementRows: 500,
			MaxBodyKB:     256,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "data/audit.db",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// DATABASE_URL always wins so container deploys don't need a config file.
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	d := &c.Database
	if d.PoolMin < 0 || d.PoolMax < 1 || d.PoolMin > d.PoolMax {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", d.PoolMin, d.PoolMax)
	}
	if d.QuerySec <= 0 {
		return fmt.Errorf("query_timeout_sec must be positive, got %d", d.QuerySec)
	}
	if d.ProbeTripCount <= 0 {
		return fmt.Errorf("probe_trip_count must be positive, got %d", d.ProbeTripCount)
	}
	return nil
}

func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Database.AcquireSec) * time.Second
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Database.QuerySec) * time.Second
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Database.ProbeSec) * time.Second
}
