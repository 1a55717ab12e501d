package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelsec/sentinel/connector/driver"
)

// Config is the daemon configuration, read from YAML with environment
// overrides for the deployment-specific values.
type Config struct {
	// ListenAddr serves /metrics and /healthz.
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	// EngramDir is the root of the filesystem engram store.
	EngramDir string `yaml:"engram_dir"`

	Secrets struct {
		// Dir holds one secret per file, the way mounted secret volumes
		// present them.
		Dir string `yaml:"dir"`
		// EnvPrefix resolves secrets from the environment as a fallback.
		EnvPrefix string `yaml:"env_prefix"`
	} `yaml:"secrets"`

	Redis struct {
		Addr         string `yaml:"addr"`
		StreamPrefix string `yaml:"stream_prefix"`
		MaxLen       int64  `yaml:"max_len"`
	} `yaml:"redis"`

	Discovery struct {
		Interval driver.Duration `yaml:"interval"`
	} `yaml:"discovery"`

	Enrichment struct {
		Interval driver.Duration `yaml:"interval"`
		// CPETable replaces the embedded product-to-CPE mapping.
		CPETable string `yaml:"cpe_table"`
		PageSize int    `yaml:"page_size"`
	} `yaml:"enrichment"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":8089",
		LogLevel:   "info",
	}
	cfg.Secrets.EnvPrefix = "SENTINEL_SECRET_"
	cfg.Discovery.Interval = driver.Duration(30 * time.Minute)
	cfg.Enrichment.Interval = driver.Duration(6 * time.Hour)

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	// Environment wins over the file for deployment-specific values.
	for _, ov := range []struct {
		key string
		dst *string
	}{
		{"SENTINEL_LISTEN_ADDR", &cfg.ListenAddr},
		{"SENTINEL_LOG_LEVEL", &cfg.LogLevel},
		{"SENTINEL_DSN", &cfg.Database.DSN},
		{"SENTINEL_ENGRAM_DIR", &cfg.EngramDir},
		{"SENTINEL_SECRET_DIR", &cfg.Secrets.Dir},
		{"SENTINEL_REDIS_ADDR", &cfg.Redis.Addr},
	} {
		if v := os.Getenv(ov.key); v != "" {
			*ov.dst = v
		}
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("no database DSN configured (database.dsn or SENTINEL_DSN)")
	}
	if cfg.EngramDir == "" {
		return nil, fmt.Errorf("no engram directory configured (engram_dir or SENTINEL_ENGRAM_DIR)")
	}
	return cfg, nil
}
