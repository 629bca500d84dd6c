// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		MetricsAddr string   `yaml:"metrics_addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Brokers struct {
		AliceBlue struct {
			BaseURL      string `yaml:"base_url"`
			AuthBaseURL  string `yaml:"auth_base_url"`
			ChecksumMode string `yaml:"checksum_mode"` // full or hashOnly
		} `yaml:"alice_blue"`
		KotakNeo struct {
			LoginBaseURL string `yaml:"login_base_url"`
		} `yaml:"kotak_neo"`
	} `yaml:"brokers"`
	Enrich struct {
		BufferPct       float64 `yaml:"buffer_pct"`
		LookbackDays    int     `yaml:"lookback_days"`
		FetchTimeoutSec int     `yaml:"fetch_timeout_sec"`
	} `yaml:"enrich"`
	Sync struct {
		Cron string `yaml:"cron"` // empty disables the scheduled sync
	} `yaml:"sync"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("STOPSAFE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("STOPSAFE_METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ALICEBLUE_BASE_URL"); v != "" {
		cfg.Brokers.AliceBlue.BaseURL = v
	}
	if v := os.Getenv("KOTAK_LOGIN_BASE_URL"); v != "" {
		cfg.Brokers.KotakNeo.LoginBaseURL = v
	}
	if v := os.Getenv("STOPLOSS_BUFFER_PCT"); v != "" {
		if pct, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Enrich.BufferPct = pct
		}
	}
	if v := os.Getenv("SYNC_CRON"); v != "" {
		cfg.Sync.Cron = v
	}

	// Defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9100"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/stopsafe.db"
	}
	if cfg.Enrich.BufferPct == 0 {
		cfg.Enrich.BufferPct = 0.6
	}
	if cfg.Enrich.LookbackDays == 0 {
		cfg.Enrich.LookbackDays = 30
	}
	if cfg.Enrich.FetchTimeoutSec == 0 {
		cfg.Enrich.FetchTimeoutSec = 20
	}

	return cfg, nil
}

// Validate checks field ranges that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Enrich.BufferPct < 0 || c.Enrich.BufferPct >= 100 {
		return fmt.Errorf("enrich.buffer_pct must be in [0, 100)")
	}
	if c.Enrich.LookbackDays < 1 {
		return fmt.Errorf("enrich.lookback_days must be positive")
	}
	return nil
}
